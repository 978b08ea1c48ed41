package core

import (
	"context"
	"time"
)

// Engine wraps the opaque image-processing backend.  Implementations are
// stateful and single-threaded: calls must never overlap.  The transport
// Host provides that serialization; nothing else may call an Engine
// directly.  Implementations live in adapters/.
type Engine interface {
	// Initialize prepares the backend.  Called once per lifetime (or again
	// after a failed attempt).
	Initialize(ctx context.Context, opts EngineOptions) (*BackendInfo, error)
	// LoadImage replaces whatever image the engine currently holds.  The
	// engine retains exactly one loaded image at a time.
	LoadImage(ctx context.Context, img *LoadedImage) error
	// Render produces a frame for the currently loaded image.  The returned
	// frame's Sequence is stamped by the caller, not the engine.
	Render(ctx context.Context, adj Adjustments) (*Frame, error)
	// Dispose releases backend resources.  Idempotent.
	Dispose() error
}

// EngineClient is the coordinator's view of an engine across the transport
// boundary.  Calls block until the serialized engine produces a result; a
// request superseded by a higher sequence before execution resolves with
// ErrStaleResult instead of running.
type EngineClient interface {
	// Initialize collapses concurrent calls into one in-flight attempt.
	Initialize(ctx context.Context) (*BackendInfo, error)
	LoadImage(ctx context.Context, seq uint64, img *LoadedImage) error
	Render(ctx context.Context, req RenderRequest) (*Frame, error)
	// Cancel advances the receiver's sequence watermark.  Advisory only:
	// work already executing runs to completion and is discarded.
	Cancel(seq uint64)
	// Dispose tears down the transport and the engine behind it.  Idempotent.
	Dispose() error
}

// Fetcher obtains and decodes source bytes for an asset.
// Implementations live in adapters/fetch/.
type Fetcher interface {
	Fetch(ctx context.Context, ref AssetRef) (*LoadedImage, error)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives performance observations from the coordinator.
type MetricsCollector interface {
	RecordOpTime(op string, d interface{ Seconds() float64 })
	RecordFrameBytes(bytes int64)
	RecordError(op string, category string)
	RecordDrop(op string)
}

// Hook is an optional observer invoked around coordinator operations
// ("load", "render").
type Hook interface {
	BeforeOp(ctx context.Context, op string, seq uint64)
	AfterOp(ctx context.Context, op string, seq uint64, d time.Duration, err error)
}

// EngineFactory constructs an Engine for the given options.
type EngineFactory func(opts EngineOptions) (Engine, error)

// Registry maps backend names to EngineFactory implementations.
type Registry interface {
	BackendFor(name string) (EngineFactory, bool)
	RegisterBackend(name string, f EngineFactory)
}

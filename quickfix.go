// Package quickfix coordinates a single-threaded image engine against a
// high-frequency stream of adjustment values.  Newer adjustments conflate
// older ones, superseded results are dropped by a sequence watermark, and the
// latest rendered preview is exposed as a revocable display handle.
package quickfix

import (
	"context"
	"fmt"

	"github.com/JoMe92/quickfix-coordinator/adapters/engine"
	"github.com/JoMe92/quickfix-coordinator/adapters/fetch"
	"github.com/JoMe92/quickfix-coordinator/adapters/remote"
	"github.com/JoMe92/quickfix-coordinator/adapters/store"
	"github.com/JoMe92/quickfix-coordinator/adapters/vips"
	"github.com/JoMe92/quickfix-coordinator/config"
	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
	"github.com/JoMe92/quickfix-coordinator/transport"
)

// Re-export grain size constants for convenience.
const (
	GrainFine   = core.GrainFine
	GrainMedium = core.GrainMedium
	GrainCoarse = core.GrainCoarse
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Session is the primary entry point: one Session per displayed asset slot.
type Session struct {
	inner   *core.Coordinator
	display *core.DisplayManager
	reg     *core.DefaultRegistry
	preview *store.Local
}

// New creates a fully wired Session with the built-in engine backends
// registered.  Pass a custom config.Config to override defaults.
func New(cfg config.Config) (*Session, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "quickfix.new", err)
	}

	reg := core.NewRegistry()
	reg.RegisterBackend(config.BackendNative, engine.Factory)
	reg.RegisterBackend(config.BackendVips, vips.Factory)

	opts := core.EngineOptions{
		PreferHighPerformance: cfg.Engine.PreferHighPerformance,
		MaxCacheMB:            cfg.Engine.MaxCacheMB,
		GrainSeed:             cfg.Engine.GrainSeed,
	}

	client, err := buildClient(cfg, reg, opts)
	if err != nil {
		return nil, err
	}

	display := core.NewDisplayManager(nil)
	s := &Session{
		inner:   core.NewCoordinator(client, fetch.NewHTTP(cfg.Fetch, cfg.Preview.MaxEdge), display),
		display: display,
		reg:     reg,
	}

	if cfg.Preview.StoreDir != "" {
		preview, err := store.NewLocal(cfg.Preview.StoreDir, 0)
		if err != nil {
			client.Dispose()
			return nil, apperrors.New(apperrors.CategoryConfig, "quickfix.new", err)
		}
		s.preview = preview
		display.SetSink(func(h *core.DisplayHandle) {
			// Best effort: a failed write never disturbs the live preview.
			_ = preview.Put(context.Background(), store.LatestKey(h.AssetID()), h.Bytes())
		})
	}
	return s, nil
}

func buildClient(cfg config.Config, reg core.Registry, opts core.EngineOptions) (core.EngineClient, error) {
	if cfg.Backend == config.BackendRemote {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Remote.DialTimeout)
		defer cancel()
		return remote.Dial(ctx, cfg.Remote.URL)
	}

	factory, ok := reg.BackendFor(cfg.Backend)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryConfig, "quickfix.new",
			fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	eng, err := factory(opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInit, "quickfix.new", err)
	}
	host := transport.NewHost(eng, opts, cfg.QueueDepth)
	host.Start()
	return host, nil
}

// SetLogger attaches a structured logger.
func (s *Session) SetLogger(l core.Logger) { s.inner.SetLogger(l) }

// SetMetrics attaches a metrics collector.
func (s *Session) SetMetrics(m core.MetricsCollector) { s.inner.SetMetrics(m) }

// AddHook registers an observer for load/render operations.
func (s *Session) AddHook(h core.Hook) { s.inner.AddHook(h) }

// RegisterBackend registers a custom engine backend.  Takes effect for
// Sessions created after registration.
func (s *Session) RegisterBackend(name string, f core.EngineFactory) {
	s.reg.RegisterBackend(name, f)
}

// OnChange registers a callback invoked after every observable state change.
// The callback may call back into the Session.
func (s *Session) OnChange(fn func(core.Snapshot)) { s.inner.OnChange(fn) }

// SetAsset switches the session to the given asset, superseding all queued
// work for the previous one.  Loading proceeds asynchronously; watch OnChange
// for completion.
func (s *Session) SetAsset(ref core.AssetRef) error { return s.inner.SetAsset(ref) }

// RequestRender pushes adjustment values.  Safe to call at slider frequency:
// values arriving while the engine is busy overwrite each other and only the
// newest is rendered.
func (s *Session) RequestRender(adj core.Adjustments) { s.inner.RequestRender(adj) }

// Snapshot returns the current observable session state.
func (s *Session) Snapshot() core.Snapshot { return s.inner.Snapshot() }

// Preview returns the live display handle, or nil when nothing is presentable.
func (s *Session) Preview() *core.DisplayHandle { return s.display.Live() }

// StoredPreview returns the last persisted preview for an asset, when a
// preview store is configured.
func (s *Session) StoredPreview(ctx context.Context, assetID string) ([]byte, error) {
	if s.preview == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "quickfix.stored_preview",
			fmt.Errorf("no preview store configured"))
	}
	return s.preview.Get(ctx, store.LatestKey(assetID))
}

// Dispose tears the session down and releases the engine.  Idempotent.
func (s *Session) Dispose() error { return s.inner.Dispose() }

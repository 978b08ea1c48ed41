package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryFetch     Category = "fetch"
	CategoryDecode    Category = "decode"
	CategoryInit      Category = "init"
	CategoryLoad      Category = "load"
	CategoryRender    Category = "render"
	CategoryFrame     Category = "frame"
	CategoryTransport Category = "transport"
	CategoryStale     Category = "stale"
	CategoryConfig    Category = "config"
)

// CoordError is the structured error type used throughout the module.
type CoordError struct {
	Category    Category
	Op          string // operation name
	Err         error
	Recoverable bool
}

func (e *CoordError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *CoordError) Unwrap() error { return e.Err }

// New creates a non-recoverable CoordError.
func New(category Category, op string, err error) *CoordError {
	return &CoordError{Category: category, Op: op, Err: err}
}

// Recoverable creates a CoordError the coordinator may heal from automatically.
func Recoverable(category Category, op string, err error) *CoordError {
	return &CoordError{Category: category, Op: op, Err: err, Recoverable: true}
}

// Wrap wraps an existing error with context.  Already-classified errors keep
// their original category.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		return &CoordError{Category: ce.Category, Op: op, Err: err, Recoverable: ce.Recoverable}
	}
	return New(category, op, err)
}

// IsRecoverable reports whether err represents a failure the coordinator is
// allowed to retry on its own.
func IsRecoverable(err error) bool {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Recoverable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Category == cat
	}
	return false
}

// IsStale reports whether err marks a result superseded by a newer sequence.
// Stale results are a normal outcome, not a failure.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleResult) || IsCategory(err, CategoryStale)
}

// Sentinel errors for common failure modes.
var (
	// ErrNoImageLoaded signals a desync where the engine holds no source
	// image; the coordinator heals it by re-issuing the load, once.
	ErrNoImageLoaded = errors.New("engine has no source image loaded")

	ErrStaleResult       = errors.New("result superseded by a newer sequence")
	ErrMalformedFrame    = errors.New("frame dimensions inconsistent with byte length")
	ErrEngineDisposed    = errors.New("engine disposed")
	ErrEmptyAsset        = errors.New("empty asset reference")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrSourceTooLarge    = errors.New("source image exceeds size limit")
)

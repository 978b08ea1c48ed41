package core

import "time"

// FrameChannels is the number of interleaved channels per pixel (RGBA).
const FrameChannels = 4

// AssetRef identifies the image currently being edited.  Comparison is by ID
// only; content is fetched lazily from SourceLocator.
type AssetRef struct {
	ID            string
	SourceLocator string // URI understood by the configured Fetcher
}

// ── Adjustments ───────────────────────────────────────────────────────────────

// GrainSize selects the film-grain block size.
type GrainSize string

const (
	GrainFine   GrainSize = "fine"
	GrainMedium GrainSize = "medium"
	GrainCoarse GrainSize = "coarse"
)

// CropSettings controls rotation and aspect-ratio cropping.
type CropSettings struct {
	// AspectRatio is "w:h" (e.g. "1:1", "4:3") or a decimal string.  Empty
	// means keep the original ratio.
	AspectRatio string
	Rotation    float64 // degrees, clockwise
}

// ExposureSettings controls tonal adjustments.  Contrast of 0 or 1 means
// unchanged; exposure is in stops.
type ExposureSettings struct {
	Exposure   float64
	Contrast   float64
	Highlights float64
	Shadows    float64
}

// ColorSettings controls white balance, both in [-1, 1].
type ColorSettings struct {
	Temperature float64
	Tint        float64
}

// GrainSettings adds film grain.  Amount in [0, 1]; 0 disables.
type GrainSettings struct {
	Amount float64
	Size   GrainSize
}

// GeometrySettings applies a perspective correction, both in [-1, 1].
type GeometrySettings struct {
	Vertical   float64
	Horizontal float64
}

// Adjustments is a value-comparable snapshot of edit parameters.  The zero
// value is a no-op render.  Engines apply the groups in a deterministic
// order: geometry, crop, exposure, color, grain.
type Adjustments struct {
	Crop     CropSettings
	Exposure ExposureSettings
	Color    ColorSettings
	Grain    GrainSettings
	Geometry GeometrySettings
}

// IsZero reports whether a renders the source unchanged.
func (a Adjustments) IsZero() bool { return a == Adjustments{} }

// ── Engine-side data ──────────────────────────────────────────────────────────

// LoadedImage is a decoded source image uploaded into the engine.  Pix holds
// RGBA bytes, row-major, Width*Height*FrameChannels long.
type LoadedImage struct {
	AssetID string
	Width   int
	Height  int
	Pix     []byte
}

// RenderRequest is one unit of work dispatched to the engine.  Sequence
// numbers are coordinator-assigned and strictly increasing; the receiving
// side drops any request below its sequence watermark.
type RenderRequest struct {
	Sequence    uint64
	AssetID     string
	Adjustments Adjustments
}

// Frame is the rendered output for a RenderRequest.  Pix layout matches
// LoadedImage.  A frame whose Sequence is below the coordinator's highest
// issued sequence is stale and never presented.
type Frame struct {
	Sequence uint64
	Width    int
	Height   int
	Pix      []byte
	Elapsed  time.Duration
}

// BackendInfo describes the engine backend selected at initialization.
type BackendInfo struct {
	Backend     string // e.g. "cpu", "vips"
	AdapterName string
	Features    string
}

// EngineOptions carries backend construction parameters.
type EngineOptions struct {
	PreferHighPerformance bool
	MaxCacheMB            int   // vips operation cache; 0 = library default
	GrainSeed             int64 // 0 = time-seeded
}

// ── Session state ─────────────────────────────────────────────────────────────

// SessionState is the coordinator's per-asset lifecycle state.
type SessionState int

const (
	StateUnloaded SessionState = iota
	StateLoading
	StateIdle
	StateRendering
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateIdle:
		return "idle"
	case StateRendering:
		return "rendering"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Snapshot is the observable output consumed by UI code.  Handle is nil until
// the first successful render; Err holds the last surfaced failure.
type Snapshot struct {
	State   SessionState
	Handle  *DisplayHandle
	Busy    bool
	Err     error
	AssetID string
}

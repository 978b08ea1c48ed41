package core

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// DisplayHandle is a revocable reference to presentable rendered output.
// At most one handle is live at a time; release authority stays with the
// DisplayManager — callers display it but must not revoke it themselves.
type DisplayHandle struct {
	id       string
	assetID  string
	sequence uint64
	width    int
	height   int
	mime     string

	mu      sync.Mutex
	blob    []byte
	revoked bool
	release sync.Once
}

// ID returns the handle's unique identifier.
func (h *DisplayHandle) ID() string { return h.id }

// URI returns a stable locator for the handle's blob.
func (h *DisplayHandle) URI() string { return "memory://preview/" + h.id }

// AssetID returns the asset the preview was rendered from.
func (h *DisplayHandle) AssetID() string { return h.assetID }

// Sequence returns the render sequence that produced this handle.
func (h *DisplayHandle) Sequence() uint64 { return h.sequence }

// Width returns the preview width in pixels.
func (h *DisplayHandle) Width() int { return h.width }

// Height returns the preview height in pixels.
func (h *DisplayHandle) Height() int { return h.height }

// ContentType returns the MIME type of Bytes.
func (h *DisplayHandle) ContentType() string { return h.mime }

// Bytes returns the encoded preview, or nil after revocation.
func (h *DisplayHandle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked {
		return nil
	}
	return h.blob
}

// Revoked reports whether the handle has been released.
func (h *DisplayHandle) Revoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revoked
}

// revoke releases the blob exactly once, no matter how often it is called.
func (h *DisplayHandle) revoke() {
	h.release.Do(func() {
		h.mu.Lock()
		h.revoked = true
		h.blob = nil
		h.mu.Unlock()
	})
}

// EncodeFunc serialises a frame into presentable bytes plus a MIME type.
type EncodeFunc func(frame *Frame) ([]byte, string, error)

// EncodePNG is the default EncodeFunc.
func EncodePNG(frame *Frame) ([]byte, string, error) {
	img := &image.RGBA{
		Pix:    frame.Pix,
		Stride: frame.Width * FrameChannels,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/png", nil
}

// DisplayManager converts completed frames into revocable display handles and
// guarantees the previous handle is released exactly once when superseded.
// Safe for concurrent use.
type DisplayManager struct {
	mu     sync.Mutex
	live   *DisplayHandle
	encode EncodeFunc
	sink   func(*DisplayHandle)
}

// NewDisplayManager creates a manager using encode for presentation bytes.
// Pass nil to use EncodePNG.
func NewDisplayManager(encode EncodeFunc) *DisplayManager {
	if encode == nil {
		encode = EncodePNG
	}
	return &DisplayManager{encode: encode}
}

// SetSink registers an observer called after each successful publish, outside
// the manager's lock.  Used for optional preview persistence.
func (m *DisplayManager) SetSink(fn func(*DisplayHandle)) {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
}

// Publish validates frame, constructs a new live handle, and releases the
// previous one.  On validation or encode failure the current handle is kept.
func (m *DisplayManager) Publish(frame *Frame, assetID string) (*DisplayHandle, error) {
	if frame == nil {
		return nil, apperrors.New(apperrors.CategoryFrame, "display.publish", apperrors.ErrMalformedFrame)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, apperrors.New(apperrors.CategoryFrame, "display.publish",
			fmt.Errorf("%w: %dx%d", apperrors.ErrMalformedFrame, frame.Width, frame.Height))
	}
	if want := frame.Width * frame.Height * FrameChannels; len(frame.Pix) != want {
		return nil, apperrors.New(apperrors.CategoryFrame, "display.publish",
			fmt.Errorf("%w: got %d bytes, want %d", apperrors.ErrMalformedFrame, len(frame.Pix), want))
	}

	blob, mime, err := m.encode(frame)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryFrame, "display.publish.encode", err)
	}

	handle := &DisplayHandle{
		id:       uuid.NewString(),
		assetID:  assetID,
		sequence: frame.Sequence,
		width:    frame.Width,
		height:   frame.Height,
		mime:     mime,
		blob:     blob,
	}

	m.mu.Lock()
	prev := m.live
	m.live = handle
	sink := m.sink
	m.mu.Unlock()

	if prev != nil {
		prev.revoke()
	}
	if sink != nil {
		sink(handle)
	}
	return handle, nil
}

// Live returns the current handle, or nil when none is published.
func (m *DisplayManager) Live() *DisplayHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// ReleaseAll revokes the live handle.  Idempotent; used at session teardown.
func (m *DisplayManager) ReleaseAll() {
	m.mu.Lock()
	live := m.live
	m.live = nil
	m.mu.Unlock()
	if live != nil {
		live.revoke()
	}
}

// Package vips provides a libvips-powered engine backend for fast previews.
package vips

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// libvips startup is process-wide; initialize it once no matter how many
// engines are constructed.
var startupOnce sync.Once

// Engine renders through libvips.  It supports the linear-expressible subset
// of adjustments (exposure, contrast, temperature, tint) plus aspect-ratio
// cropping; highlight/shadow recovery, geometry, and grain are left to the
// CPU backend.
type Engine struct {
	loaded   *govips.ImageRef
	width    int
	height   int
	assetID  string
	disposed bool
}

// Factory constructs a vips engine; register it under the "vips" backend name.
func Factory(_ core.EngineOptions) (core.Engine, error) {
	return &Engine{}, nil
}

// Initialize starts libvips (first call only) and reports backend info.
func (e *Engine) Initialize(_ context.Context, opts core.EngineOptions) (*core.BackendInfo, error) {
	if e.disposed {
		return nil, apperrors.New(apperrors.CategoryInit, "vips.init", apperrors.ErrEngineDisposed)
	}
	startupOnce.Do(func() {
		govips.Startup(&govips.Config{
			ConcurrencyLevel: runtime.NumCPU(),
			MaxCacheSize:     opts.MaxCacheMB * 1024 * 1024,
		})
	})
	return &core.BackendInfo{
		Backend:     "vips",
		AdapterName: "libvips",
		Features:    "crop,exposure,contrast,temperature,tint",
	}, nil
}

// LoadImage wraps the raw RGBA pixels in a vips image, replacing whatever was
// loaded before.
func (e *Engine) LoadImage(ctx context.Context, img *core.LoadedImage) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryLoad, "vips.load", err)
	}
	if e.disposed {
		return apperrors.New(apperrors.CategoryLoad, "vips.load", apperrors.ErrEngineDisposed)
	}
	if img == nil || img.Width <= 0 || img.Height <= 0 ||
		len(img.Pix) != img.Width*img.Height*core.FrameChannels {
		return apperrors.New(apperrors.CategoryLoad, "vips.load", apperrors.ErrMalformedFrame)
	}

	ref, err := govips.NewImageFromMemory(img.Pix, img.Width, img.Height, core.FrameChannels)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryLoad, "vips.load", err)
	}
	if e.loaded != nil {
		e.loaded.Close()
	}
	e.loaded = ref
	e.width = img.Width
	e.height = img.Height
	e.assetID = img.AssetID
	return nil
}

// Render applies the supported adjustment subset and exports raw pixels.
func (e *Engine) Render(ctx context.Context, adj core.Adjustments) (*core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryRender, "vips.render", err)
	}
	if e.disposed {
		return nil, apperrors.New(apperrors.CategoryRender, "vips.render", apperrors.ErrEngineDisposed)
	}
	if e.loaded == nil {
		return nil, apperrors.New(apperrors.CategoryRender, "vips.render", apperrors.ErrNoImageLoaded)
	}

	start := time.Now()

	working, err := e.loaded.Copy()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryRender, "vips.render.copy", err)
	}
	defer working.Close()

	if a, b, needed := linearCoefficients(adj); needed {
		if err := working.Linear(a, b); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryRender, "vips.render.linear", err)
		}
	}

	if ratio := aspectRatio(adj.Crop.AspectRatio); ratio > 0 {
		if err := cropToRatio(working, ratio); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryRender, "vips.render.crop", err)
		}
	}

	width := working.Width()
	height := working.Height()
	pix, err := working.ToBytes()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryRender, "vips.render.export", err)
	}
	if len(pix) != width*height*core.FrameChannels {
		return nil, apperrors.New(apperrors.CategoryRender, "vips.render.export",
			fmt.Errorf("%w: got %d bytes for %dx%d", apperrors.ErrMalformedFrame, len(pix), width, height))
	}

	return &core.Frame{
		Width:   width,
		Height:  height,
		Pix:     pix,
		Elapsed: time.Since(start),
	}, nil
}

// Dispose closes the loaded image.  Idempotent.  Library-wide shutdown is a
// separate process-exit concern; see Shutdown.
func (e *Engine) Dispose() error {
	if e.loaded != nil {
		e.loaded.Close()
		e.loaded = nil
	}
	e.disposed = true
	return nil
}

// Shutdown releases all libvips resources.  Call once at process exit.
func Shutdown() {
	govips.Shutdown()
}

// linearCoefficients folds exposure, contrast, temperature, and tint into one
// per-band linear transform out = a*v + b on the 0..255 range.  Alpha passes
// through untouched.
func linearCoefficients(adj core.Adjustments) (a, b []float64, needed bool) {
	gain := math.Pow(2.0, adj.Exposure.Exposure)
	contrast := adj.Exposure.Contrast
	if contrast == 0 || math.Abs(contrast-1.0) <= 1e-3 {
		contrast = 1.0
	}

	temp := clampRange(adj.Color.Temperature, -1, 1)
	tint := clampRange(adj.Color.Tint, -1, 1)
	tintRB := 1.0 + tint*0.1
	fr := (1.0 + temp*0.25) * tintRB
	fg := 1.0 - tint*0.2
	fb := (1.0 - temp*0.25) * tintRB

	// Contrast pivots around mid-grey: v' = c*v + 127.5*(1-c).
	offset := 127.5 * (1.0 - contrast)

	a = []float64{fr * contrast * gain, fg * contrast * gain, fb * contrast * gain, 1}
	b = []float64{fr * offset, fg * offset, fb * offset, 0}

	needed = gain != 1.0 || contrast != 1.0 || fr != 1.0 || fg != 1.0 || fb != 1.0
	return a, b, needed
}

func cropToRatio(ref *govips.ImageRef, ratio float64) error {
	width := ref.Width()
	height := ref.Height()
	current := float64(width) / float64(height)
	if math.Abs(current-ratio) <= 1e-3 {
		return nil
	}
	if current > ratio {
		newW := int(float64(height) * ratio)
		offset := (width - newW) / 2
		if offset < 0 {
			offset = 0
		}
		return ref.ExtractArea(offset, 0, newW, height)
	}
	newH := int(float64(width) / ratio)
	offset := (height - newH) / 2
	if offset < 0 {
		offset = 0
	}
	return ref.ExtractArea(0, offset, width, newH)
}

func aspectRatio(raw string) float64 {
	// Same grammar as the CPU backend: "w:h" or a decimal string.
	if raw == "" {
		return 0
	}
	var w, h float64
	if n, err := fmt.Sscanf(raw, "%f:%f", &w, &h); err == nil && n == 2 && h != 0 {
		return w / h
	}
	if n, err := fmt.Sscanf(raw, "%f", &w); err == nil && n == 1 && w > 0 {
		return w
	}
	return 0
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ core.Engine = (*Engine)(nil)

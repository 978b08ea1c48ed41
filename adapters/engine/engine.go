// Package engine provides the pure-Go engine backend.  It keeps exactly one
// loaded image and renders it repeatedly under changing adjustment values.
//
// Calls must not overlap; the transport Host provides that serialization.
package engine

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// Engine is the CPU reference backend.
type Engine struct {
	loaded    *image.RGBA
	assetID   string
	grainSeed int64
	disposed  bool
}

// Factory constructs a CPU engine; register it under the "native" backend name.
func Factory(opts core.EngineOptions) (core.Engine, error) {
	return &Engine{grainSeed: opts.GrainSeed}, nil
}

// Initialize reports backend capabilities.  The CPU backend has no external
// resources to acquire.
func (e *Engine) Initialize(_ context.Context, opts core.EngineOptions) (*core.BackendInfo, error) {
	if e.disposed {
		return nil, apperrors.New(apperrors.CategoryInit, "engine.init", apperrors.ErrEngineDisposed)
	}
	if opts.GrainSeed != 0 {
		e.grainSeed = opts.GrainSeed
	}
	return &core.BackendInfo{
		Backend:     "cpu",
		AdapterName: "image/draw",
		Features:    "geometry,crop,rotation,exposure,contrast,highlights,shadows,temperature,tint,grain",
	}, nil
}

// LoadImage replaces the engine's held image with img.
func (e *Engine) LoadImage(ctx context.Context, img *core.LoadedImage) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryLoad, "engine.load", err)
	}
	if e.disposed {
		return apperrors.New(apperrors.CategoryLoad, "engine.load", apperrors.ErrEngineDisposed)
	}
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return apperrors.New(apperrors.CategoryLoad, "engine.load", apperrors.ErrMalformedFrame)
	}
	if want := img.Width * img.Height * core.FrameChannels; len(img.Pix) != want {
		return apperrors.New(apperrors.CategoryLoad, "engine.load",
			fmt.Errorf("%w: got %d bytes, want %d", apperrors.ErrMalformedFrame, len(img.Pix), want))
	}

	dst := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	copy(dst.Pix, img.Pix)
	e.loaded = dst
	e.assetID = img.AssetID
	return nil
}

// Render applies adj to the loaded image in deterministic order: geometry,
// crop, exposure, color, grain.  The loaded image is never mutated.
func (e *Engine) Render(ctx context.Context, adj core.Adjustments) (*core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryRender, "engine.render", err)
	}
	if e.disposed {
		return nil, apperrors.New(apperrors.CategoryRender, "engine.render", apperrors.ErrEngineDisposed)
	}
	if e.loaded == nil {
		return nil, apperrors.New(apperrors.CategoryRender, "engine.render", apperrors.ErrNoImageLoaded)
	}

	start := time.Now()

	working := cloneRGBA(e.loaded)
	if adj.Geometry != (core.GeometrySettings{}) {
		working = applyGeometry(working, adj.Geometry)
	}
	if adj.Crop != (core.CropSettings{}) {
		working = applyCrop(working, adj.Crop)
	}
	if adj.Exposure != (core.ExposureSettings{}) {
		applyExposure(working, adj.Exposure)
	}
	if adj.Color != (core.ColorSettings{}) {
		applyColor(working, adj.Color)
	}
	if adj.Grain.Amount > 0 {
		applyGrain(working, adj.Grain, e.grainSeed)
	}

	bounds := working.Bounds()
	return &core.Frame{
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Pix:     working.Pix,
		Elapsed: time.Since(start),
	}, nil
}

// Dispose drops the loaded image.  Idempotent.
func (e *Engine) Dispose() error {
	e.loaded = nil
	e.assetID = ""
	e.disposed = true
	return nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

var _ core.Engine = (*Engine)(nil)

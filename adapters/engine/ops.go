package engine

import (
	"image"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/JoMe92/quickfix-coordinator/core"
)

// Pixel math operates on the 0..255 range; tonal masks normalise to 0..1
// where the curve shape depends on it.

// applyExposure adjusts exposure (stops), contrast, and highlight/shadow
// recovery in place.
func applyExposure(img *image.RGBA, s core.ExposureSettings) {
	gain := math.Pow(2.0, s.Exposure)
	contrast := s.Contrast
	applyContrast := contrast != 0 && math.Abs(contrast-1.0) > 1e-3

	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		for ch := 0; ch < 3; ch++ {
			v := float64(pix[i+ch]) / 255.0
			v *= gain
			if applyContrast {
				v = (v-0.5)*contrast + 0.5
			}
			if s.Highlights != 0 {
				mask := clamp01((v - 0.5) * 2.0)
				v += mask * s.Highlights * 0.5
			}
			if s.Shadows != 0 {
				mask := clamp01((0.5 - v) * 2.0)
				v += mask * s.Shadows * 0.5
			}
			pix[i+ch] = clampByte(v * 255.0)
		}
	}
}

// applyColor shifts white balance in place.  Temperature tilts red against
// blue; tint trades green against magenta.
func applyColor(img *image.RGBA, s core.ColorSettings) {
	if s.Temperature == 0 && s.Tint == 0 {
		return
	}
	temp := clampRange(s.Temperature, -1, 1)
	tint := clampRange(s.Tint, -1, 1)

	tempR := 1.0 + temp*0.25
	tempB := 1.0 - temp*0.25
	tintG := 1.0 - tint*0.2
	tintRB := 1.0 + tint*0.1

	fr := tempR * tintRB
	fg := tintG
	fb := tempB * tintRB

	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i] = clampByte(float64(pix[i]) * fr)
		pix[i+1] = clampByte(float64(pix[i+1]) * fg)
		pix[i+2] = clampByte(float64(pix[i+2]) * fb)
	}
}

// applyGrain adds block-scaled gaussian noise in place.  The same seed and
// settings always produce the same grain, so repeated renders of identical
// adjustments are byte-stable.
func applyGrain(img *image.RGBA, s core.GrainSettings, seed int64) {
	amount := clampRange(s.Amount, 0, 1)
	if amount <= 0 {
		return
	}
	scale := 1
	switch s.Size {
	case core.GrainMedium:
		scale = 2
	case core.GrainCoarse:
		scale = 4
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	noiseW := (width + scale - 1) / scale
	noiseH := (height + scale - 1) / scale

	rng := rand.New(rand.NewSource(seed))
	sigma := amount * 25.0
	noise := make([]float64, noiseW*noiseH)
	for i := range noise {
		noise[i] = rng.NormFloat64() * sigma
	}

	pix := img.Pix
	for y := 0; y < height; y++ {
		row := noise[(y/scale)*noiseW:]
		for x := 0; x < width; x++ {
			n := row[x/scale]
			i := y*img.Stride + x*4
			pix[i] = clampByte(float64(pix[i]) + n)
			pix[i+1] = clampByte(float64(pix[i+1]) + n)
			pix[i+2] = clampByte(float64(pix[i+2]) + n)
		}
	}
}

// applyCrop rotates about the image centre (canvas size kept) and then
// centre-crops to the requested aspect ratio.
func applyCrop(img *image.RGBA, s core.CropSettings) *image.RGBA {
	result := img
	if s.Rotation != 0 {
		result = rotate(result, -s.Rotation)
	}

	ratio := parseAspectRatio(s.AspectRatio)
	if ratio <= 0 {
		return result
	}
	bounds := result.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	current := float64(width) / float64(height)
	if math.Abs(current-ratio) <= 1e-3 {
		return result
	}

	if current > ratio {
		newW := int(float64(height) * ratio)
		offset := (width - newW) / 2
		if offset < 0 {
			offset = 0
		}
		return crop(result, offset, 0, newW, height)
	}
	newH := int(float64(width) / ratio)
	offset := (height - newH) / 2
	if offset < 0 {
		offset = 0
	}
	return crop(result, 0, offset, width, newH)
}

// parseAspectRatio accepts "w:h" (e.g. "4:3") or a decimal string.  Returns 0
// when the value cannot be interpreted.
func parseAspectRatio(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if strings.Contains(raw, ":") {
		parts := strings.SplitN(raw, ":", 2)
		w, errW := strconv.ParseFloat(parts[0], 64)
		h, errH := strconv.ParseFloat(parts[1], 64)
		if errW != nil || errH != nil || h == 0 {
			return 0
		}
		return w / h
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

// applyGeometry performs a perspective correction by sampling a bilinear
// quadrilateral of the source for each output pixel.  Points outside the
// source map to black.
func applyGeometry(img *image.RGBA, s core.GeometrySettings) *image.RGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	fw, fh := float64(width), float64(height)

	maxX := fw * 0.25
	maxY := fh * 0.25
	v := clampRange(s.Vertical, -1, 1)
	h := clampRange(s.Horizontal, -1, 1)

	topInset := v * maxX
	bottomInset := -v * maxX
	leftY := h * maxY
	rightY := -h * maxY

	clampX := func(x float64) float64 { return clampRange(x, -maxX, fw+maxX) }
	clampY := func(y float64) float64 { return clampRange(y, -maxY, fh+maxY) }

	// Source quadrilateral corners mapped to the output rectangle.
	ulX, ulY := clampX(topInset), clampY(leftY)
	llX, llY := clampX(bottomInset), clampY(fh-leftY)
	lrX, lrY := clampX(fw-bottomInset), clampY(fh-rightY)
	urX, urY := clampX(fw-topInset), clampY(rightY)

	dst := image.NewRGBA(bounds)
	for y := 0; y < height; y++ {
		dy := float64(y) / fh
		for x := 0; x < width; x++ {
			dx := float64(x) / fw
			sx := ulX + (urX-ulX)*dx + (llX-ulX)*dy + (lrX-urX-llX+ulX)*dx*dy
			sy := ulY + (urY-ulY)*dx + (llY-ulY)*dy + (lrY-urY-llY+ulY)*dx*dy
			sampleBilinear(img, sx, sy, dst, x, y)
		}
	}
	return dst
}

// rotate resamples img rotated by deg degrees about its centre, keeping the
// canvas size stable.
func rotate(img *image.RGBA, deg float64) *image.RGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	cx, cy := float64(width)/2, float64(height)/2

	rad := deg * math.Pi / 180.0
	sin, cos := math.Sincos(rad)

	dst := image.NewRGBA(bounds)
	for y := 0; y < height; y++ {
		fy := float64(y) - cy
		for x := 0; x < width; x++ {
			fx := float64(x) - cx
			// Inverse mapping: rotate the destination point back into source space.
			sx := fx*cos - fy*sin + cx
			sy := fx*sin + fy*cos + cy
			sampleBilinear(img, sx, sy, dst, x, y)
		}
	}
	return dst
}

// sampleBilinear writes the bilinearly interpolated source value at (sx, sy)
// into dst at (dx, dy).  Out-of-range samples produce opaque black.
func sampleBilinear(src *image.RGBA, sx, sy float64, dst *image.RGBA, dx, dy int) {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	di := dy*dst.Stride + dx*4

	if sx < 0 || sy < 0 || sx > float64(width-1) || sy > float64(height-1) {
		dst.Pix[di] = 0
		dst.Pix[di+1] = 0
		dst.Pix[di+2] = 0
		dst.Pix[di+3] = 255
		return
	}

	x0 := int(sx)
	y0 := int(sy)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 > width-1 {
		x1 = width - 1
	}
	if y1 > height-1 {
		y1 = height - 1
	}
	fx := sx - float64(x0)
	fy := sy - float64(y0)

	for ch := 0; ch < 4; ch++ {
		p00 := float64(src.Pix[y0*src.Stride+x0*4+ch])
		p10 := float64(src.Pix[y0*src.Stride+x1*4+ch])
		p01 := float64(src.Pix[y1*src.Stride+x0*4+ch])
		p11 := float64(src.Pix[y1*src.Stride+x1*4+ch])
		top := p00 + (p10-p00)*fx
		bot := p01 + (p11-p01)*fx
		dst.Pix[di+ch] = clampByte(top + (bot-top)*fy)
	}
}

func crop(img *image.RGBA, x, y, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		srcOff := (y+row)*img.Stride + x*4
		copy(dst.Pix[row*dst.Stride:row*dst.Stride+w*4], img.Pix[srcOff:srcOff+w*4])
	}
	return dst
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

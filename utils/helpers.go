package utils

import "net/http"

const (
	formatJPEG    = "jpeg"
	formatPNG     = "png"
	formatWebP    = "webp"
	formatUnknown = "unknown"
)

// DetectFormat sniffs the leading bytes of data and returns the image format.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return formatUnknown
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return formatJPEG
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return formatPNG
	}
	// WebP: RIFF....WEBP
	if len(data) >= 12 &&
		data[0] == 'R' && data[1] == 'I' && data[2] == 'F' && data[3] == 'F' &&
		data[8] == 'W' && data[9] == 'E' && data[10] == 'B' && data[11] == 'P' {
		return formatWebP
	}
	// Fallback to net/http sniffing.
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return formatJPEG
	case "image/png":
		return formatPNG
	case "image/webp":
		return formatWebP
	}
	return formatUnknown
}

// ScaleDimensions computes output (w, h) so the longer edge fits maxEdge
// while preserving aspect ratio.  maxEdge <= 0 keeps the source size.
func ScaleDimensions(srcW, srcH, maxEdge int) (int, int) {
	if maxEdge <= 0 || (srcW <= maxEdge && srcH <= maxEdge) {
		return srcW, srcH
	}
	if srcW >= srcH {
		ratio := float64(maxEdge) / float64(srcW)
		h := int(float64(srcH) * ratio)
		if h < 1 {
			h = 1
		}
		return maxEdge, h
	}
	ratio := float64(maxEdge) / float64(srcH)
	w := int(float64(srcW) * ratio)
	if w < 1 {
		w = 1
	}
	return w, maxEdge
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Package fetch implements the source-image fetch service: HTTP GET by URI,
// decode, and conversion to the RGBA layout the engine expects.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"github.com/JoMe92/quickfix-coordinator/config"
	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
	"github.com/JoMe92/quickfix-coordinator/utils"
)

// HTTP fetches and decodes source images over HTTP(S).
type HTTP struct {
	client    *http.Client
	maxBytes  int64
	chunkSize int
	userAgent string
	maxEdge   int
}

// NewHTTP creates a fetcher from cfg.  maxEdge bounds the longer edge of the
// decoded result; pass 0 to keep the source resolution.
func NewHTTP(cfg config.FetchConfig, maxEdge int) *HTTP {
	return &HTTP{
		client:    &http.Client{Timeout: cfg.Timeout},
		maxBytes:  cfg.MaxSourceBytes,
		chunkSize: cfg.ChunkSize,
		userAgent: cfg.UserAgent,
		maxEdge:   maxEdge,
	}
}

// Fetch retrieves ref's source bytes, decodes them, converts to RGBA, and
// downscales to the working resolution.
func (h *HTTP) Fetch(ctx context.Context, ref core.AssetRef) (*core.LoadedImage, error) {
	if ref.SourceLocator == "" {
		return nil, apperrors.New(apperrors.CategoryFetch, "fetch.get", apperrors.ErrEmptyAsset)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.SourceLocator, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryFetch, "fetch.request", err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryFetch, "fetch.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.New(apperrors.CategoryFetch, "fetch.get",
			fmt.Errorf("unexpected status %d for %s", resp.StatusCode, ref.SourceLocator))
	}

	var limited io.Reader = resp.Body
	if h.maxBytes > 0 {
		limited = &utils.LimitedReader{R: resp.Body, Max: h.maxBytes}
	}

	buf, err := utils.DrainReader(ctx, limited, h.chunkSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryFetch, "fetch.drain",
			fmt.Errorf("%w (limit %d bytes)", err, h.maxBytes))
	}
	raw := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)

	return h.decode(ref, raw)
}

func (h *HTTP) decode(ref core.AssetRef, raw []byte) (*core.LoadedImage, error) {
	var (
		img image.Image
		err error
	)
	switch utils.DetectFormat(raw) {
	case "jpeg":
		img, err = jpeg.Decode(bytes.NewReader(raw))
	case "png":
		img, err = png.Decode(bytes.NewReader(raw))
	case "webp":
		img, err = webp.Decode(bytes.NewReader(raw))
	default:
		return nil, apperrors.New(apperrors.CategoryDecode, "fetch.decode", apperrors.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "fetch.decode", err)
	}

	bounds := img.Bounds()
	dstW, dstH := utils.ScaleDimensions(bounds.Dx(), bounds.Dy(), h.maxEdge)

	rgba := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	if dstW == bounds.Dx() && dstH == bounds.Dy() {
		xdraw.Draw(rgba, rgba.Bounds(), img, bounds.Min, xdraw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), img, bounds, xdraw.Src, nil)
	}

	return &core.LoadedImage{
		AssetID: ref.ID,
		Width:   dstW,
		Height:  dstH,
		Pix:     rgba.Pix,
	}, nil
}

var _ core.Fetcher = (*HTTP)(nil)

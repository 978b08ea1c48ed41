// Package remote carries the transport boundary over a websocket, so the
// engine can run in a separate process.  The sequence-watermark contract is
// enforced by the serving side's transport.Host exactly as in-process.
package remote

import (
	"errors"
	"fmt"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// wireMessage is a request crossing the websocket toward the engine.  ID
// correlates the reply; Seq feeds the server-side watermark.
type wireMessage struct {
	ID      uint64       `json:"id"`
	Kind    string       `json:"kind"`
	Seq     uint64       `json:"seq,omitempty"`
	Options *wireOptions `json:"options,omitempty"`
	Image   *wireImage   `json:"image,omitempty"`
	Request *wireRequest `json:"request,omitempty"`
}

type wireOptions struct {
	PreferHighPerformance bool  `json:"prefer_high_performance,omitempty"`
	MaxCacheMB            int   `json:"max_cache_mb,omitempty"`
	GrainSeed             int64 `json:"grain_seed,omitempty"`
}

type wireImage struct {
	AssetID string `json:"asset_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Pix     []byte `json:"pix"` // base64 via encoding/json
}

type wireRequest struct {
	Sequence    uint64           `json:"sequence"`
	AssetID     string           `json:"asset_id"`
	Adjustments core.Adjustments `json:"adjustments"`
}

type wireResponse struct {
	ID    uint64            `json:"id"`
	Seq   uint64            `json:"seq,omitempty"`
	Stale bool              `json:"stale,omitempty"`
	Info  *core.BackendInfo `json:"info,omitempty"`
	Frame *wireFrame        `json:"frame,omitempty"`
	Err   *wireError        `json:"err,omitempty"`
}

type wireFrame struct {
	Sequence  uint64 `json:"sequence"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Pix       []byte `json:"pix"`
	ElapsedUs int64  `json:"elapsed_us"`
}

// wireError flattens a CoordError for transport.  NoImage survives the trip
// so the coordinator's desync recovery works against a remote engine.
type wireError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	NoImage  bool   `json:"no_image,omitempty"`
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	we := &wireError{
		Category: string(apperrors.CategoryRender),
		Message:  err.Error(),
		NoImage:  errors.Is(err, apperrors.ErrNoImageLoaded),
	}
	var ce *apperrors.CoordError
	if errors.As(err, &ce) {
		we.Category = string(ce.Category)
	}
	return we
}

func decodeError(we *wireError, op string) error {
	if we == nil {
		return nil
	}
	cat := apperrors.Category(we.Category)
	if we.NoImage {
		return apperrors.New(cat, op, fmt.Errorf("%w: %s", apperrors.ErrNoImageLoaded, we.Message))
	}
	return apperrors.New(cat, op, errors.New(we.Message))
}

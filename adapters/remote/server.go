package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
	"github.com/JoMe92/quickfix-coordinator/transport"
)

// Server accepts websocket connections and runs one engine per connection
// behind a transport.Host, so the serialization and watermark guarantees are
// identical to the in-process boundary.
type Server struct {
	factory    core.EngineFactory
	opts       core.EngineOptions
	queueDepth int
	logger     core.Logger
}

// NewServer creates a Server building engines from factory with opts.
func NewServer(factory core.EngineFactory, opts core.EngineOptions, queueDepth int) *Server {
	return &Server{factory: factory, opts: opts, queueDepth: queueDepth}
}

// SetLogger attaches a structured logger.
func (s *Server) SetLogger(l core.Logger) { s.logger = l }

// ServeHTTP upgrades the request and serves render traffic until the peer
// disconnects or sends DISPOSE.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("remote.accept.failed", "err", err.Error())
		}
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusInternalError, "server shutdown")

	engine, err := s.factory(s.opts)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "engine construction failed")
		return
	}
	host := transport.NewHost(engine, s.opts, s.queueDepth)
	if s.logger != nil {
		host.SetLogger(s.logger)
	}
	host.Start()
	defer host.Dispose()

	s.serve(r.Context(), conn, host)
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, host *transport.Host) {
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	write := func(resp wireResponse) {
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.Write(ctx, websocket.MessageText, data)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if s.logger != nil {
				s.logger.Warn("remote.decode.failed", "err", err.Error())
			}
			continue
		}

		switch transport.Kind(msg.Kind) {
		case transport.KindCancel:
			// Fire and forget: advance the watermark, no reply.
			host.Cancel(msg.Seq)
			continue
		case transport.KindDispose:
			write(wireResponse{ID: msg.ID, Err: encodeError(host.Dispose())})
			conn.Close(websocket.StatusNormalClosure, "disposed")
			return
		}

		// Each request runs on its own goroutine so a long render does not
		// block reading the CANCEL that supersedes it.  The host serializes
		// the actual engine work.
		wg.Add(1)
		go func(msg wireMessage) {
			defer wg.Done()
			write(s.dispatch(ctx, host, msg))
		}(msg)
	}
}

func (s *Server) dispatch(ctx context.Context, host *transport.Host, msg wireMessage) wireResponse {
	resp := wireResponse{ID: msg.ID, Seq: msg.Seq}

	switch transport.Kind(msg.Kind) {
	case transport.KindInit:
		info, err := host.Initialize(ctx)
		resp.Info = info
		resp.Err = encodeError(err)

	case transport.KindSetImage:
		if msg.Image == nil {
			resp.Err = encodeError(apperrors.New(apperrors.CategoryTransport, "remote.serve", apperrors.ErrMalformedFrame))
			return resp
		}
		err := host.LoadImage(ctx, msg.Seq, &core.LoadedImage{
			AssetID: msg.Image.AssetID,
			Width:   msg.Image.Width,
			Height:  msg.Image.Height,
			Pix:     msg.Image.Pix,
		})
		if apperrors.IsStale(err) {
			resp.Stale = true
		} else {
			resp.Err = encodeError(err)
		}

	case transport.KindRender:
		if msg.Request == nil {
			resp.Err = encodeError(apperrors.New(apperrors.CategoryTransport, "remote.serve", apperrors.ErrMalformedFrame))
			return resp
		}
		frame, err := host.Render(ctx, core.RenderRequest{
			Sequence:    msg.Request.Sequence,
			AssetID:     msg.Request.AssetID,
			Adjustments: msg.Request.Adjustments,
		})
		switch {
		case apperrors.IsStale(err):
			resp.Stale = true
		case err != nil:
			resp.Err = encodeError(err)
		default:
			resp.Frame = &wireFrame{
				Sequence:  frame.Sequence,
				Width:     frame.Width,
				Height:    frame.Height,
				Pix:       frame.Pix,
				ElapsedUs: frame.Elapsed.Microseconds(),
			}
		}

	default:
		resp.Err = &wireError{
			Category: string(apperrors.CategoryTransport),
			Message:  "unknown message kind: " + msg.Kind,
		}
	}
	return resp
}

package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// Host owns a core.Engine and executes messages against it on a single
// goroutine, so engine calls never overlap.  It implements core.EngineClient.
//
// The watermark is advanced at submit time: queueing a message with a higher
// sequence invalidates every lower-sequence message still waiting, which is
// how "cancellation" works on a boundary with no preemption.  Work already
// executing runs to completion and its result is discarded by the caller.
type Host struct {
	engine core.Engine
	opts   core.EngineOptions
	logger core.Logger

	reqCh     chan request
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	disposed  atomic.Bool

	watermark atomic.Uint64

	// Collapsed initialization: concurrent Initialize calls share one
	// in-flight attempt; success is cached, failure clears for retry.
	initMu   sync.Mutex
	initInfo *core.BackendInfo
	initErr  error
	initCh   chan struct{} // non-nil while an attempt is in flight
}

type request struct {
	msg   Message
	reply chan Response
}

// NewHost creates a Host for engine.  Call Start before submitting work and
// Dispose when done.
func NewHost(engine core.Engine, opts core.EngineOptions, queueDepth int) *Host {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Host{
		engine: engine,
		opts:   opts,
		reqCh:  make(chan request, queueDepth),
		quit:   make(chan struct{}),
	}
}

// SetLogger attaches a structured logger.
func (h *Host) SetLogger(l core.Logger) { h.logger = l }

// Start launches the serial execution loop.  Idempotent.
func (h *Host) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.loop()
	})
}

// Watermark returns the highest sequence number seen so far.
func (h *Host) Watermark() uint64 { return h.watermark.Load() }

func (h *Host) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case req := <-h.reqCh:
			req.reply <- h.execute(req.msg)
		}
	}
}

// execute runs one message against the engine.  Sequence-carrying requests
// below the watermark are dropped without touching the engine.
func (h *Host) execute(msg Message) Response {
	switch msg.Kind {
	case KindSetImage, KindRender:
		if msg.Seq < h.watermark.Load() {
			if h.logger != nil {
				h.logger.Debug("transport.drop.stale", "kind", string(msg.Kind), "seq", msg.Seq)
			}
			return Response{Seq: msg.Seq, Stale: true}
		}
	}

	switch msg.Kind {
	case KindInit:
		opts := h.opts
		if msg.Options != nil {
			opts = *msg.Options
		}
		info, err := h.engine.Initialize(context.Background(), opts)
		return Response{Seq: msg.Seq, Info: info, Err: err}

	case KindSetImage:
		err := h.engine.LoadImage(context.Background(), msg.Image)
		return Response{Seq: msg.Seq, Err: err}

	case KindRender:
		frame, err := h.engine.Render(context.Background(), msg.Request.Adjustments)
		if err == nil {
			frame.Sequence = msg.Seq
		}
		return Response{Seq: msg.Seq, Frame: frame, Err: err}

	case KindDispose:
		return Response{Seq: msg.Seq, Err: h.engine.Dispose()}
	}
	return Response{Seq: msg.Seq}
}

// submit queues msg and waits for its reply or ctx cancellation.  The
// watermark advances before queueing so later submissions immediately
// supersede earlier queued ones.
func (h *Host) submit(ctx context.Context, msg Message) (Response, error) {
	if h.disposed.Load() {
		return Response{}, apperrors.New(apperrors.CategoryTransport, "transport.submit", apperrors.ErrEngineDisposed)
	}
	h.bump(msg.Seq)

	req := request{msg: msg, reply: make(chan Response, 1)}
	select {
	case h.reqCh <- req:
	case <-h.quit:
		return Response{}, apperrors.New(apperrors.CategoryTransport, "transport.submit", apperrors.ErrEngineDisposed)
	case <-ctx.Done():
		return Response{}, apperrors.Wrap(apperrors.CategoryTransport, "transport.submit", ctx.Err())
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		// Abandoning the reply is safe: the loop's send lands in the
		// buffered channel and the result is moot once the caller is gone.
		return Response{}, apperrors.Wrap(apperrors.CategoryTransport, "transport.await", ctx.Err())
	}
}

func (h *Host) bump(seq uint64) {
	for {
		cur := h.watermark.Load()
		if seq <= cur || h.watermark.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// ── core.EngineClient ─────────────────────────────────────────────────────────

// Initialize runs engine initialization through the serial loop.  Concurrent
// calls before the first success collapse into a single attempt; the result
// is cached, and a failed attempt is retried on the next call.
func (h *Host) Initialize(ctx context.Context) (*core.BackendInfo, error) {
	h.initMu.Lock()
	if h.initInfo != nil {
		info := h.initInfo
		h.initMu.Unlock()
		return info, nil
	}
	if h.initCh == nil {
		ch := make(chan struct{})
		h.initCh = ch
		go h.runInit(ch)
	}
	ch := h.initCh
	h.initMu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CategoryInit, "transport.init", ctx.Err())
	}

	h.initMu.Lock()
	info, err := h.initInfo, h.initErr
	h.initMu.Unlock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInit, "transport.init", err)
	}
	return info, nil
}

func (h *Host) runInit(done chan struct{}) {
	resp, err := h.submit(context.Background(), Message{Kind: KindInit})
	if err == nil {
		err = resp.Err
	}

	h.initMu.Lock()
	if err != nil {
		h.initErr = err
	} else {
		h.initInfo = resp.Info
		h.initErr = nil
	}
	h.initCh = nil
	h.initMu.Unlock()
	close(done)
}

// LoadImage uploads img to the engine under the given sequence number.
func (h *Host) LoadImage(ctx context.Context, seq uint64, img *core.LoadedImage) error {
	resp, err := h.submit(ctx, Message{Kind: KindSetImage, Seq: seq, Image: img})
	if err != nil {
		return err
	}
	if resp.Stale {
		return apperrors.New(apperrors.CategoryStale, "transport.load", apperrors.ErrStaleResult)
	}
	if resp.Err != nil {
		return apperrors.Wrap(apperrors.CategoryLoad, "transport.load", resp.Err)
	}
	return nil
}

// Render executes req against the engine.  A request superseded before
// execution returns ErrStaleResult without reaching the engine.
func (h *Host) Render(ctx context.Context, req core.RenderRequest) (*core.Frame, error) {
	r := req
	resp, err := h.submit(ctx, Message{Kind: KindRender, Seq: req.Sequence, Request: &r})
	if err != nil {
		return nil, err
	}
	if resp.Stale {
		return nil, apperrors.New(apperrors.CategoryStale, "transport.render", apperrors.ErrStaleResult)
	}
	if resp.Err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryRender, "transport.render", resp.Err)
	}
	return resp.Frame, nil
}

// Cancel advances the watermark so queued work below seq is dropped.
func (h *Host) Cancel(seq uint64) { h.bump(seq) }

// Dispose stops the loop and disposes the engine.  Idempotent.
func (h *Host) Dispose() error {
	var err error
	h.stopOnce.Do(func() {
		h.disposed.Store(true)
		close(h.quit)
		h.wg.Wait()
		err = h.engine.Dispose()
	})
	return err
}

var _ core.EngineClient = (*Host)(nil)

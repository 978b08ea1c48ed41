package remote

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
	"github.com/JoMe92/quickfix-coordinator/transport"
)

// readLimit must cover a full-resolution RGBA frame plus JSON overhead.
const readLimit = 256 << 20

// Client implements core.EngineClient against an engine served by Handler in
// another process.  Requests are correlated by ID; the watermark lives on the
// serving side, so Cancel is a fire-and-forget message.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[uint64]chan wireResponse
	nextID  atomic.Uint64

	readDone chan struct{}
	readErr  error

	closeOnce sync.Once

	// Collapsed initialization, same contract as transport.Host.
	initMu   sync.Mutex
	initInfo *core.BackendInfo
	initCh   chan struct{}
	initErr  error
}

// Dial connects to a render server at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryTransport, "remote.dial", err)
	}
	conn.SetReadLimit(readLimit)

	c := &Client{
		conn:     conn,
		waiters:  make(map[uint64]chan wireResponse),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop dispatches replies to their waiters until the connection dies.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.failAll(err)
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.waiters {
		delete(c.waiters, id)
		close(ch)
	}
	c.mu.Unlock()
}

// call sends msg and waits for the correlated reply.
func (c *Client) call(ctx context.Context, op string, msg wireMessage) (wireResponse, error) {
	msg.ID = c.nextID.Add(1)
	ch := make(chan wireResponse, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return wireResponse{}, apperrors.New(apperrors.CategoryTransport, op, err)
	}
	c.waiters[msg.ID] = ch
	c.mu.Unlock()

	if err := c.send(ctx, msg); err != nil {
		c.mu.Lock()
		delete(c.waiters, msg.ID)
		c.mu.Unlock()
		return wireResponse{}, apperrors.New(apperrors.CategoryTransport, op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wireResponse{}, apperrors.New(apperrors.CategoryTransport, op, c.readErr)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, msg.ID)
		c.mu.Unlock()
		return wireResponse{}, apperrors.Wrap(apperrors.CategoryTransport, op, ctx.Err())
	}
}

func (c *Client) send(ctx context.Context, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ── core.EngineClient ─────────────────────────────────────────────────────────

// Initialize runs remote initialization.  Concurrent calls collapse into a
// single round trip; success is cached, failure is retried on the next call.
func (c *Client) Initialize(ctx context.Context) (*core.BackendInfo, error) {
	c.initMu.Lock()
	if c.initInfo != nil {
		info := c.initInfo
		c.initMu.Unlock()
		return info, nil
	}
	if c.initCh == nil {
		ch := make(chan struct{})
		c.initCh = ch
		go c.runInit(ch)
	}
	ch := c.initCh
	c.initMu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CategoryInit, "remote.init", ctx.Err())
	}

	c.initMu.Lock()
	info, err := c.initInfo, c.initErr
	c.initMu.Unlock()
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) runInit(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := c.call(ctx, "remote.init", wireMessage{Kind: string(transport.KindInit)})
	if err == nil && resp.Err != nil {
		err = decodeError(resp.Err, "remote.init")
	}

	c.initMu.Lock()
	if err != nil {
		c.initErr = err
	} else {
		c.initInfo = resp.Info
		c.initErr = nil
	}
	c.initCh = nil
	c.initMu.Unlock()
	close(done)
}

// LoadImage uploads img under the given sequence number.
func (c *Client) LoadImage(ctx context.Context, seq uint64, img *core.LoadedImage) error {
	resp, err := c.call(ctx, "remote.load", wireMessage{
		Kind: string(transport.KindSetImage),
		Seq:  seq,
		Image: &wireImage{
			AssetID: img.AssetID,
			Width:   img.Width,
			Height:  img.Height,
			Pix:     img.Pix,
		},
	})
	if err != nil {
		return err
	}
	if resp.Stale {
		return apperrors.New(apperrors.CategoryStale, "remote.load", apperrors.ErrStaleResult)
	}
	return decodeError(resp.Err, "remote.load")
}

// Render executes req on the remote engine.
func (c *Client) Render(ctx context.Context, req core.RenderRequest) (*core.Frame, error) {
	resp, err := c.call(ctx, "remote.render", wireMessage{
		Kind: string(transport.KindRender),
		Seq:  req.Sequence,
		Request: &wireRequest{
			Sequence:    req.Sequence,
			AssetID:     req.AssetID,
			Adjustments: req.Adjustments,
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.Stale {
		return nil, apperrors.New(apperrors.CategoryStale, "remote.render", apperrors.ErrStaleResult)
	}
	if resp.Err != nil {
		return nil, decodeError(resp.Err, "remote.render")
	}
	if resp.Frame == nil {
		return nil, apperrors.New(apperrors.CategoryTransport, "remote.render", apperrors.ErrMalformedFrame)
	}
	return &core.Frame{
		Sequence: resp.Frame.Sequence,
		Width:    resp.Frame.Width,
		Height:   resp.Frame.Height,
		Pix:      resp.Frame.Pix,
		Elapsed:  time.Duration(resp.Frame.ElapsedUs) * time.Microsecond,
	}, nil
}

// Cancel advances the remote watermark.  Best effort, no reply expected.
func (c *Client) Cancel(seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.send(ctx, wireMessage{
		ID:   c.nextID.Add(1),
		Kind: string(transport.KindCancel),
		Seq:  seq,
	})
}

// Dispose tells the server to release the engine and closes the connection.
// Idempotent.
func (c *Client) Dispose() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = c.call(ctx, "remote.dispose", wireMessage{Kind: string(transport.KindDispose)})
		cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "disposed")
		<-c.readDone
	})
	return nil
}

var _ core.EngineClient = (*Client)(nil)

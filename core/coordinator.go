package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// Coordinator drives a single-threaded engine from a rapidly-changing stream
// of adjustment values.  It owns one logical session per displayed asset and
// maintains three invariants:
//
//   - at most one render is in flight against the engine at a time;
//   - the pending-adjustments slot holds at most one value (newer pushes
//     overwrite older ones — conflation, not queueing);
//   - results below the highest issued sequence are never presented.
//
// Loads and renders share one monotonic sequence space, so a result tagged
// with a superseded asset's sequence is discarded by the same watermark check
// as a superseded render.
//
// All public methods are non-blocking and safe for concurrent use, including
// re-entrant calls from the OnChange callback.
type Coordinator struct {
	engine  EngineClient
	fetcher Fetcher
	display *DisplayManager

	ctx    context.Context
	cancel context.CancelFunc

	logger  Logger
	metrics MetricsCollector
	hooks   []Hook

	mu            sync.Mutex
	sessionID     string
	state         SessionState
	asset         AssetRef
	loadedAssetID string
	pending       *Adjustments // conflation slot; nil = empty
	inFlight      bool
	seq           uint64 // highest sequence ever issued
	desyncHealing bool   // one-shot reload latch for ErrNoImageLoaded
	lastErr       error
	disposed      bool
	onChange      func(Snapshot)
}

// NewCoordinator creates a coordinator owning its engine client for the
// lifetime of the session.  Call Dispose when the owning view unmounts.
func NewCoordinator(engine EngineClient, fetcher Fetcher, display *DisplayManager) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		engine:    engine,
		fetcher:   fetcher,
		display:   display,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: uuid.NewString(),
		state:     StateUnloaded,
	}
}

// SetLogger attaches a structured logger.
func (c *Coordinator) SetLogger(l Logger) {
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

// SetMetrics attaches a metrics collector.
func (c *Coordinator) SetMetrics(m MetricsCollector) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// AddHook registers an observer for load/render operations.
func (c *Coordinator) AddHook(h Hook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// OnChange registers a callback invoked after every observable state change.
// The callback runs without the coordinator's lock held and may call back
// into the coordinator.
func (c *Coordinator) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SessionID returns the coordinator's unique session identifier.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		State:   c.state,
		Handle:  c.display.Live(),
		Busy:    c.state == StateLoading || c.state == StateRendering || c.inFlight,
		Err:     c.lastErr,
		AssetID: c.asset.ID,
	}
}

// notify invokes the OnChange callback with a fresh snapshot.  Must be called
// with the lock NOT held.
func (c *Coordinator) notify() {
	c.mu.Lock()
	fn := c.onChange
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// ── Public contract ───────────────────────────────────────────────────────────

// SetAsset switches the session to ref.  If ref.ID is already loaded this is
// a no-op for loading and the render pipeline continues normally.  Otherwise
// the sequence counter is bumped, the session enters Loading, and source
// bytes are fetched, decoded, and uploaded to the engine asynchronously.
// Fetch or decode failure moves the session to Error without retrying.
func (c *Coordinator) SetAsset(ref AssetRef) error {
	if ref.ID == "" {
		return apperrors.New(apperrors.CategoryLoad, "coordinator.set_asset", apperrors.ErrEmptyAsset)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return apperrors.New(apperrors.CategoryLoad, "coordinator.set_asset", apperrors.ErrEngineDisposed)
	}
	c.asset = ref

	if ref.ID == c.loadedAssetID && c.state != StateError {
		// Already loaded; pick up pending work if the session is quiet.
		if c.pending != nil && !c.inFlight && c.state == StateIdle {
			c.issueRenderLocked()
		}
		c.mu.Unlock()
		c.notify()
		return nil
	}

	seq := c.nextSeqLocked()
	c.state = StateLoading
	c.loadedAssetID = ""
	c.lastErr = nil
	c.desyncHealing = false
	c.logLocked("session.load.start", "asset", ref.ID, "seq", seq)
	c.mu.Unlock()

	// Advance the engine-side watermark now, not when the upload is submitted
	// after the fetch, so queued work for the old asset is dropped promptly.
	c.engine.Cancel(seq)
	go c.loadAsset(ref, seq)
	c.notify()
	return nil
}

// RequestRender stores adjustments into the pending slot, overwriting any
// previous value, and issues a render immediately when the session is idle.
// While a render is in flight or a load is pending, completion handling picks
// the slot up later; intermediate values pushed in the meantime are never
// rendered.
func (c *Coordinator) RequestRender(adj Adjustments) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	pending := adj
	c.pending = &pending

	switch {
	case c.inFlight || c.state == StateLoading:
		// Completion handling drains the slot.
	case c.state == StateIdle:
		c.issueRenderLocked()
	case c.state == StateError && c.loadedAssetID != "" && c.loadedAssetID == c.asset.ID:
		// A render error is cleared by a fresh request against the still
		// loaded image.
		c.lastErr = nil
		c.issueRenderLocked()
	default:
		// Unloaded, or errored before a load succeeded: the slot is consumed
		// once a subsequent SetAsset completes.
	}
	c.mu.Unlock()
	c.notify()
}

// Dispose tears the session down: pending work is dropped, the live display
// handle is released, and the engine client is disposed.  Idempotent.
func (c *Coordinator) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.pending = nil
	c.inFlight = false
	c.state = StateUnloaded
	c.loadedAssetID = ""
	c.mu.Unlock()

	c.cancel()
	c.display.ReleaseAll()
	err := c.engine.Dispose()
	c.notify()
	return err
}

// ── Load path ─────────────────────────────────────────────────────────────────

func (c *Coordinator) loadAsset(ref AssetRef, seq uint64) {
	c.fireBefore("load", seq)
	start := time.Now()
	err := c.doLoad(ref, seq)
	elapsed := time.Since(start)
	c.fireAfter("load", seq, elapsed, err)
	c.completeLoad(ref, seq, err)
}

func (c *Coordinator) doLoad(ref AssetRef, seq uint64) error {
	if _, err := c.engine.Initialize(c.ctx); err != nil {
		return apperrors.Wrap(apperrors.CategoryInit, "coordinator.load.init", err)
	}
	img, err := c.fetcher.Fetch(c.ctx, ref)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryFetch, "coordinator.load.fetch", err)
	}
	if err := c.engine.LoadImage(c.ctx, seq, img); err != nil {
		return apperrors.Wrap(apperrors.CategoryLoad, "coordinator.load.upload", err)
	}
	return nil
}

func (c *Coordinator) completeLoad(ref AssetRef, seq uint64, err error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	// Watermark check: a newer SetAsset has been dispatched since.
	if seq < c.seq {
		c.recordDropLocked("load")
		c.mu.Unlock()
		return
	}
	if err != nil {
		if apperrors.IsStale(err) {
			c.recordDropLocked("load")
			c.mu.Unlock()
			return
		}
		c.state = StateError
		c.lastErr = err
		c.logLocked("session.load.error", "asset", ref.ID, "seq", seq, "error", err.Error())
		c.mu.Unlock()
		c.notify()
		return
	}

	c.loadedAssetID = ref.ID
	c.state = StateIdle
	c.logLocked("session.load.done", "asset", ref.ID, "seq", seq)
	if c.pending != nil {
		c.issueRenderLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// ── Render path ───────────────────────────────────────────────────────────────

// issueRenderLocked consumes the pending slot and dispatches one render.
// Caller holds c.mu; the slot must be non-empty and the session Idle (or
// recovering from Error with a loaded image).
func (c *Coordinator) issueRenderLocked() {
	adj := *c.pending
	c.pending = nil
	req := RenderRequest{
		Sequence:    c.nextSeqLocked(),
		AssetID:     c.loadedAssetID,
		Adjustments: adj,
	}
	c.inFlight = true
	c.state = StateRendering
	go c.runRender(req)
}

func (c *Coordinator) runRender(req RenderRequest) {
	c.fireBefore("render", req.Sequence)
	start := time.Now()
	frame, err := c.engine.Render(c.ctx, req)
	elapsed := time.Since(start)
	c.fireAfter("render", req.Sequence, elapsed, err)
	c.completeRender(req, frame, err)
}

// completeRender applies the completion contract: discard below-watermark
// results, self-heal an engine desync once, surface other errors, and drain
// the pending slot toward the latest requested adjustments.  Each follow-up
// render runs on a fresh goroutine, so the drain is iterative — there is no
// recursive completion chain to grow the stack under fast input.
func (c *Coordinator) completeRender(req RenderRequest, frame *Frame, err error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.inFlight = false

	// Watermark check: a newer load or render owns the session now.  The
	// newer operation's own completion drives state from here.
	if req.Sequence < c.seq || (err != nil && apperrors.IsStale(err)) {
		c.recordDropLocked("render")
		c.mu.Unlock()
		return
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrNoImageLoaded) && !c.desyncHealing && c.asset.ID != "" {
			// Engine lost its source image: reload the current asset and
			// retry the adjustments, once per distinct desync.
			c.desyncHealing = true
			c.loadedAssetID = ""
			c.state = StateLoading
			if c.pending == nil {
				adj := req.Adjustments
				c.pending = &adj
			}
			seq := c.nextSeqLocked()
			ref := c.asset
			c.logLocked("session.render.desync", "asset", ref.ID, "seq", seq)
			c.mu.Unlock()
			go c.loadAsset(ref, seq)
			c.notify()
			return
		}
		c.state = StateError
		c.lastErr = apperrors.Wrap(apperrors.CategoryRender, "coordinator.render", err)
		c.logLocked("session.render.error", "seq", req.Sequence, "error", err.Error())
		c.mu.Unlock()
		c.notify()
		return
	}

	if frame.Sequence != req.Sequence {
		// The transport stamped a different sequence than issued; treat as
		// stale rather than presenting a mismatched result.
		c.recordDropLocked("render")
		c.mu.Unlock()
		return
	}

	// Publish under the lock so a concurrent SetAsset cannot slip past the
	// watermark check above and get overtaken by this frame.  The display
	// sink must therefore not call back into the coordinator.
	_, perr := c.display.Publish(frame, req.AssetID)
	if perr != nil {
		c.state = StateError
		c.lastErr = perr
		c.mu.Unlock()
		c.notify()
		return
	}

	if c.metrics != nil {
		c.metrics.RecordFrameBytes(int64(len(frame.Pix)))
	}
	c.desyncHealing = false
	c.state = StateIdle

	// Drain to fixed point: render again only when the slot holds something
	// other than what was just rendered.
	if c.pending != nil && *c.pending != req.Adjustments {
		c.issueRenderLocked()
	} else {
		c.pending = nil
	}
	c.mu.Unlock()
	c.notify()
}

// ── internals ─────────────────────────────────────────────────────────────────

func (c *Coordinator) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

func (c *Coordinator) recordDropLocked(op string) {
	if c.metrics != nil {
		c.metrics.RecordDrop(op)
	}
	if c.logger != nil {
		c.logger.Debug("session.result.stale", "op", op)
	}
}

func (c *Coordinator) logLocked(msg string, fields ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, fields...)
	}
}

func (c *Coordinator) fireBefore(op string, seq uint64) {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	for _, h := range hooks {
		h.BeforeOp(c.ctx, op, seq)
	}
}

func (c *Coordinator) fireAfter(op string, seq uint64, d time.Duration, err error) {
	c.mu.Lock()
	hooks := c.hooks
	metrics := c.metrics
	c.mu.Unlock()
	for _, h := range hooks {
		h.AfterOp(c.ctx, op, seq, d, err)
	}
	if metrics != nil {
		metrics.RecordOpTime(op, d)
		if err != nil && !apperrors.IsStale(err) {
			metrics.RecordError(op, string(categoryOf(err)))
		}
	}
}

func categoryOf(err error) apperrors.Category {
	var ce *apperrors.CoordError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return apperrors.CategoryRender
}

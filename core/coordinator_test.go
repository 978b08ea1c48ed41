package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

// fakeClient mimics the transport host: it tracks a sequence watermark and
// resolves superseded requests as stale.  Gates, when set, block the engine
// call until the test releases it, so tests control interleaving precisely.
type fakeClient struct {
	mu        sync.Mutex
	watermark uint64

	loadGate   chan struct{} // receive one token per LoadImage
	renderGate chan struct{} // receive one token per Render

	loads   []uint64
	renders []core.RenderRequest

	failNoImageOnce   bool
	failNoImageAlways bool
	renderErrOnce     error

	disposeCount int
}

func newFakeClient() *fakeClient { return &fakeClient{} }

func (f *fakeClient) bump(seq uint64) {
	f.mu.Lock()
	if seq > f.watermark {
		f.watermark = seq
	}
	f.mu.Unlock()
}

func (f *fakeClient) stale(seq uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return seq < f.watermark
}

func (f *fakeClient) Initialize(context.Context) (*core.BackendInfo, error) {
	return &core.BackendInfo{Backend: "fake", AdapterName: "test"}, nil
}

func (f *fakeClient) LoadImage(ctx context.Context, seq uint64, img *core.LoadedImage) error {
	f.bump(seq)
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.stale(seq) {
		return apperrors.New(apperrors.CategoryStale, "fake.load", apperrors.ErrStaleResult)
	}
	f.mu.Lock()
	f.loads = append(f.loads, seq)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Render(ctx context.Context, req core.RenderRequest) (*core.Frame, error) {
	f.bump(req.Sequence)
	if f.renderGate != nil {
		select {
		case <-f.renderGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.stale(req.Sequence) {
		return nil, apperrors.New(apperrors.CategoryStale, "fake.render", apperrors.ErrStaleResult)
	}

	f.mu.Lock()
	noImage := f.failNoImageAlways || f.failNoImageOnce
	f.failNoImageOnce = false
	renderErr := f.renderErrOnce
	f.renderErrOnce = nil
	if noImage || renderErr == nil {
		f.renders = append(f.renders, req)
	}
	f.mu.Unlock()

	if noImage {
		return nil, apperrors.New(apperrors.CategoryRender, "fake.render", apperrors.ErrNoImageLoaded)
	}
	if renderErr != nil {
		return nil, renderErr
	}
	return &core.Frame{
		Sequence: req.Sequence,
		Width:    2,
		Height:   2,
		Pix:      make([]byte, 2*2*core.FrameChannels),
	}, nil
}

func (f *fakeClient) Cancel(seq uint64) { f.bump(seq) }

func (f *fakeClient) Dispose() error {
	f.mu.Lock()
	f.disposeCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) renderedAdjustments() []core.Adjustments {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Adjustments, len(f.renders))
	for i, r := range f.renders {
		out[i] = r.Adjustments
	}
	return out
}

func (f *fakeClient) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

type fakeFetcher struct {
	mu      sync.Mutex
	err     error
	fetches int
}

func (f *fakeFetcher) Fetch(_ context.Context, ref core.AssetRef) (*core.LoadedImage, error) {
	f.mu.Lock()
	f.fetches++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &core.LoadedImage{
		AssetID: ref.ID,
		Width:   2,
		Height:  2,
		Pix:     make([]byte, 2*2*core.FrameChannels),
	}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newCoordinator(t *testing.T, client core.EngineClient, fetcher core.Fetcher) *core.Coordinator {
	t.Helper()
	c := core.NewCoordinator(client, fetcher, core.NewDisplayManager(nil))
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, c *core.Coordinator, want core.SessionState) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s", want), func() bool {
		return c.Snapshot().State == want
	})
}

func loadAsset(t *testing.T, c *core.Coordinator, id string) {
	t.Helper()
	if err := c.SetAsset(core.AssetRef{ID: id, SourceLocator: "mem://" + id}); err != nil {
		t.Fatalf("SetAsset(%q): %v", id, err)
	}
	waitForState(t, c, core.StateIdle)
}

func exposure(ev float64) core.Adjustments {
	var adj core.Adjustments
	adj.Exposure.Exposure = ev
	return adj
}

// ── Load path ─────────────────────────────────────────────────────────────────

func TestSetAsset_LoadsAndGoesIdle(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})

	loadAsset(t, c, "asset-1")

	snap := c.Snapshot()
	if snap.AssetID != "asset-1" {
		t.Errorf("asset: got %q, want asset-1", snap.AssetID)
	}
	if snap.Busy {
		t.Error("session reports busy after load completed")
	}
	if snap.Handle != nil {
		t.Error("no render was requested, yet a handle is live")
	}
	if got := client.loadCount(); got != 1 {
		t.Errorf("engine loads: got %d, want 1", got)
	}
}

func TestSetAsset_EmptyID(t *testing.T) {
	c := newCoordinator(t, newFakeClient(), &fakeFetcher{})
	err := c.SetAsset(core.AssetRef{})
	if !errors.Is(err, apperrors.ErrEmptyAsset) {
		t.Fatalf("err: got %v, want ErrEmptyAsset", err)
	}
}

func TestSetAsset_SameAssetDoesNotReload(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})

	loadAsset(t, c, "asset-1")
	if err := c.SetAsset(core.AssetRef{ID: "asset-1", SourceLocator: "mem://asset-1"}); err != nil {
		t.Fatalf("SetAsset again: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := client.loadCount(); got != 1 {
		t.Errorf("engine loads: got %d, want 1", got)
	}
}

func TestSetAsset_FetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	c := newCoordinator(t, newFakeClient(), fetcher)

	if err := c.SetAsset(core.AssetRef{ID: "asset-1"}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	waitForState(t, c, core.StateError)

	snap := c.Snapshot()
	if snap.Err == nil {
		t.Fatal("snapshot error is nil in Error state")
	}
	if !apperrors.IsCategory(snap.Err, apperrors.CategoryFetch) {
		t.Errorf("error category: got %v, want fetch", snap.Err)
	}
}

// ── Conflation ────────────────────────────────────────────────────────────────

func TestRequestRender_ConflatesWhileBusy(t *testing.T) {
	client := newFakeClient()
	client.renderGate = make(chan struct{})
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.1)) // starts rendering, blocked on the gate
	waitForState(t, c, core.StateRendering)

	// Intermediate values land while the engine is busy; each overwrites
	// the previous one.
	c.RequestRender(exposure(0.2))
	c.RequestRender(exposure(0.3))
	c.RequestRender(exposure(0.4))

	client.renderGate <- struct{}{} // finish the first render
	client.renderGate <- struct{}{} // finish the drained follow-up
	waitForState(t, c, core.StateIdle)

	got := client.renderedAdjustments()
	if len(got) != 2 {
		t.Fatalf("renders executed: got %d, want 2 (%v)", len(got), got)
	}
	if got[0] != exposure(0.1) {
		t.Errorf("first render: got %+v, want exposure 0.1", got[0])
	}
	if got[1] != exposure(0.4) {
		t.Errorf("drained render: got %+v, want exposure 0.4", got[1])
	}
}

func TestRequestRender_DrainStopsAtFixedPoint(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.5))
	waitForState(t, c, core.StateIdle)

	// Re-pushing the value that was just rendered must not render again.
	c.RequestRender(exposure(0.5))
	waitForState(t, c, core.StateIdle)
	time.Sleep(20 * time.Millisecond)

	got := client.renderedAdjustments()
	want := 2 // idle at push time issues immediately, so two executions
	if len(got) != want {
		t.Fatalf("renders executed: got %d, want %d", len(got), want)
	}
}

func TestRequestRender_BeforeLoadIsBuffered(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})

	c.RequestRender(exposure(0.7))
	if got := c.Snapshot().State; got != core.StateUnloaded {
		t.Fatalf("state: got %s, want unloaded", got)
	}

	loadAsset(t, c, "asset-1")
	waitFor(t, "buffered render", func() bool { return len(client.renderedAdjustments()) == 1 })
	if got := client.renderedAdjustments()[0]; got != exposure(0.7) {
		t.Errorf("rendered: got %+v, want exposure 0.7", got)
	}
}

// ── Supersession ──────────────────────────────────────────────────────────────

func TestSetAsset_SupersedesInflightRender(t *testing.T) {
	client := newFakeClient()
	client.renderGate = make(chan struct{})
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.1))
	waitForState(t, c, core.StateRendering)

	// Switch assets while the render is stuck in the engine.
	if err := c.SetAsset(core.AssetRef{ID: "asset-2"}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	client.renderGate <- struct{}{} // the old render completes late
	client.renderGate = nil
	waitForState(t, c, core.StateIdle)

	snap := c.Snapshot()
	if snap.AssetID != "asset-2" {
		t.Errorf("asset: got %q, want asset-2", snap.AssetID)
	}
	// The superseded frame must never have been presented.
	if snap.Handle != nil {
		t.Errorf("stale frame was presented: handle for seq %d", snap.Handle.Sequence())
	}
}

// ── Desync self-heal ──────────────────────────────────────────────────────────

func TestRender_DesyncReloadsOnce(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	client.failNoImageOnce = true
	c.RequestRender(exposure(0.3))
	waitForState(t, c, core.StateIdle)

	if got := client.loadCount(); got != 2 {
		t.Errorf("engine loads: got %d, want 2 (reload after desync)", got)
	}
	got := client.renderedAdjustments()
	if len(got) != 2 || got[1] != exposure(0.3) {
		t.Fatalf("renders: got %v, want failed then retried exposure 0.3", got)
	}
	if c.Snapshot().Handle == nil {
		t.Error("no handle live after successful retry")
	}
}

func TestRender_DesyncHealsOnlyOnce(t *testing.T) {
	client := newFakeClient()
	client.failNoImageAlways = true
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.3))
	waitForState(t, c, core.StateError)

	if got := client.loadCount(); got != 2 {
		t.Errorf("engine loads: got %d, want 2 (exactly one heal attempt)", got)
	}
	if !errors.Is(c.Snapshot().Err, apperrors.ErrNoImageLoaded) {
		t.Errorf("err: got %v, want ErrNoImageLoaded", c.Snapshot().Err)
	}
}

// ── Render errors ─────────────────────────────────────────────────────────────

func TestRender_ErrorThenRetry(t *testing.T) {
	client := newFakeClient()
	client.renderErrOnce = errors.New("backend crashed")
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.2))
	waitForState(t, c, core.StateError)

	// A fresh request against the still loaded image clears the error.
	c.RequestRender(exposure(0.25))
	waitForState(t, c, core.StateIdle)

	snap := c.Snapshot()
	if snap.Err != nil {
		t.Errorf("err not cleared: %v", snap.Err)
	}
	if snap.Handle == nil {
		t.Error("no handle live after recovery render")
	}
}

// ── Display handle lifecycle ──────────────────────────────────────────────────

func TestRender_SupersededHandleIsRevoked(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.1))
	waitFor(t, "first handle", func() bool { return c.Snapshot().Handle != nil })
	first := c.Snapshot().Handle

	c.RequestRender(exposure(0.2))
	waitFor(t, "second handle", func() bool {
		h := c.Snapshot().Handle
		return h != nil && h.ID() != first.ID()
	})

	if !first.Revoked() {
		t.Error("superseded handle was not revoked")
	}
	if first.Bytes() != nil {
		t.Error("revoked handle still exposes bytes")
	}
	if c.Snapshot().Handle.Revoked() {
		t.Error("live handle is revoked")
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

func TestDispose_Idempotent(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})
	loadAsset(t, c, "asset-1")

	c.RequestRender(exposure(0.1))
	waitFor(t, "handle", func() bool { return c.Snapshot().Handle != nil })
	handle := c.Snapshot().Handle

	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}

	if client.disposeCount != 1 {
		t.Errorf("engine Dispose calls: got %d, want 1", client.disposeCount)
	}
	if !handle.Revoked() {
		t.Error("handle not revoked on dispose")
	}
	if err := c.SetAsset(core.AssetRef{ID: "asset-2"}); !errors.Is(err, apperrors.ErrEngineDisposed) {
		t.Errorf("SetAsset after dispose: got %v, want ErrEngineDisposed", err)
	}
}

// ── Re-entrancy ───────────────────────────────────────────────────────────────

func TestOnChange_ReentrantCallback(t *testing.T) {
	client := newFakeClient()
	c := newCoordinator(t, client, &fakeFetcher{})

	var calls int
	var mu sync.Mutex
	c.OnChange(func(snap core.Snapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
		// Calling back into the coordinator from the callback must not
		// deadlock.
		_ = c.Snapshot()
		if snap.State == core.StateIdle && snap.Handle == nil {
			c.RequestRender(exposure(0.9))
		}
	})

	loadAsset(t, c, "asset-1")
	waitFor(t, "callback-driven render", func() bool { return c.Snapshot().Handle != nil })

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("OnChange was never invoked")
	}
}

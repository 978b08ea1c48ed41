package quickfix_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	quickfix "github.com/JoMe92/quickfix-coordinator"
	"github.com/JoMe92/quickfix-coordinator/config"
	"github.com/JoMe92/quickfix-coordinator/core"
	"github.com/JoMe92/quickfix-coordinator/hooks"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

func sourcePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func sourceServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSession(t *testing.T, mutate func(*config.Config)) *quickfix.Session {
	t.Helper()
	cfg := quickfix.DefaultConfig()
	cfg.Backend = config.BackendNative
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := quickfix.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Dispose() })
	return s
}

func waitIdle(t *testing.T, s *quickfix.Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if snap.State == core.StateIdle && !snap.Busy {
			return
		}
		if snap.State == core.StateError {
			t.Fatalf("session entered error state: %v", snap.Err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for idle; state %s", s.Snapshot().State)
}

// ── End-to-end ────────────────────────────────────────────────────────────────

func TestSession_LoadRenderPresent(t *testing.T) {
	srv := sourceServer(t, sourcePNG(t, 40, 30))
	s := newSession(t, nil)

	if err := s.SetAsset(core.AssetRef{ID: "photo-1", SourceLocator: srv.URL + "/photo-1.png"}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	waitIdle(t, s)

	var adj core.Adjustments
	adj.Exposure.Exposure = 1
	s.RequestRender(adj)
	waitIdle(t, s)

	h := s.Preview()
	if h == nil {
		t.Fatal("no preview after render")
	}
	if h.Width() != 40 || h.Height() != 30 {
		t.Errorf("preview size: got %dx%d, want 40x30", h.Width(), h.Height())
	}
	if h.AssetID() != "photo-1" {
		t.Errorf("preview asset: got %q, want photo-1", h.AssetID())
	}

	img, err := png.Decode(bytes.NewReader(h.Bytes()))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	r, _, _, _ := img.At(5, 5).RGBA()
	if got := uint8(r >> 8); got != 200 {
		t.Errorf("exposed pixel: got %d, want 200", got)
	}
}

func TestSession_SliderBurstConflates(t *testing.T) {
	srv := sourceServer(t, sourcePNG(t, 64, 64))
	s := newSession(t, nil)

	metrics := hooks.NewInMemoryMetrics()
	s.SetMetrics(metrics)

	if err := s.SetAsset(core.AssetRef{ID: "photo-1", SourceLocator: srv.URL}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	waitIdle(t, s)

	const pushes = 60
	for i := 1; i <= pushes; i++ {
		var adj core.Adjustments
		adj.Exposure.Exposure = float64(i) / pushes
		s.RequestRender(adj)
	}
	waitIdle(t, s)

	// The final value must win.
	h := s.Preview()
	if h == nil {
		t.Fatal("no preview after burst")
	}
	img, err := png.Decode(bytes.NewReader(h.Bytes()))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if got := uint8(r >> 8); got != 200 {
		t.Errorf("pixel after burst: got %d, want 200 (exposure 1.0 applied)", got)
	}

	if calls := metrics.Snapshot().OpCalls["render"]; calls >= pushes {
		t.Errorf("render executions: got %d, want far fewer than %d pushes", calls, pushes)
	}
}

func TestSession_AssetSwitchDiscardsOldWork(t *testing.T) {
	srvA := sourceServer(t, sourcePNG(t, 30, 30))
	srvB := sourceServer(t, sourcePNG(t, 50, 20))
	s := newSession(t, nil)

	if err := s.SetAsset(core.AssetRef{ID: "a", SourceLocator: srvA.URL}); err != nil {
		t.Fatalf("SetAsset a: %v", err)
	}
	var adj core.Adjustments
	adj.Color.Temperature = 0.4
	s.RequestRender(adj)

	// Switch immediately; work for "a" may still be anywhere in flight.
	if err := s.SetAsset(core.AssetRef{ID: "b", SourceLocator: srvB.URL}); err != nil {
		t.Fatalf("SetAsset b: %v", err)
	}
	s.RequestRender(adj)
	waitIdle(t, s)

	h := s.Preview()
	if h == nil {
		t.Fatal("no preview")
	}
	if h.AssetID() != "b" {
		t.Errorf("preview asset: got %q, want b", h.AssetID())
	}
	if h.Width() != 50 || h.Height() != 20 {
		t.Errorf("preview size: got %dx%d, want 50x20 (asset b)", h.Width(), h.Height())
	}
}

func TestSession_PersistsPreviewWhenConfigured(t *testing.T) {
	srv := sourceServer(t, sourcePNG(t, 16, 16))
	dir := t.TempDir()
	s := newSession(t, func(c *config.Config) { c.Preview.StoreDir = dir })

	if err := s.SetAsset(core.AssetRef{ID: "photo-1", SourceLocator: srv.URL}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	waitIdle(t, s)
	s.RequestRender(core.Adjustments{})
	waitIdle(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for {
		blob, err := s.StoredPreview(context.Background(), "photo-1")
		if err == nil {
			if _, err := png.Decode(bytes.NewReader(blob)); err != nil {
				t.Fatalf("stored preview not decodable: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored preview never appeared: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_OnChangeObservesLifecycle(t *testing.T) {
	srv := sourceServer(t, sourcePNG(t, 8, 8))
	s := newSession(t, nil)

	var sawLoading, sawIdle atomic.Bool
	s.OnChange(func(snap core.Snapshot) {
		switch snap.State {
		case core.StateLoading:
			sawLoading.Store(true)
		case core.StateIdle:
			sawIdle.Store(true)
		}
	})

	if err := s.SetAsset(core.AssetRef{ID: "photo-1", SourceLocator: srv.URL}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	waitIdle(t, s)

	if !sawLoading.Load() {
		t.Error("OnChange never observed loading")
	}
	if !sawIdle.Load() {
		t.Error("OnChange never observed idle")
	}
}

func TestSession_DisposeRevokesPreview(t *testing.T) {
	srv := sourceServer(t, sourcePNG(t, 8, 8))
	s := newSession(t, nil)

	if err := s.SetAsset(core.AssetRef{ID: "photo-1", SourceLocator: srv.URL}); err != nil {
		t.Fatalf("SetAsset: %v", err)
	}
	waitIdle(t, s)
	s.RequestRender(core.Adjustments{})
	waitIdle(t, s)

	h := s.Preview()
	if h == nil {
		t.Fatal("no preview")
	}
	if err := s.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := s.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if !h.Revoked() {
		t.Error("preview handle not revoked by Dispose")
	}
	if s.Preview() != nil {
		t.Error("Preview() not nil after Dispose")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := quickfix.DefaultConfig()
	cfg.Backend = ""
	if _, err := quickfix.New(cfg); err == nil {
		t.Fatal("expected error for invalid config")
	}

	cfg = quickfix.DefaultConfig()
	cfg.Backend = "no-such-backend"
	if _, err := quickfix.New(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

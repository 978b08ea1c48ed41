package hooks_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JoMe92/quickfix-coordinator/hooks"
)

func TestSlogLogger_EmitsFields(t *testing.T) {
	var buf bytes.Buffer
	l := hooks.NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l.Debug("render.done", "seq", 42)
	out := buf.String()
	if !strings.Contains(out, "render.done") || !strings.Contains(out, "42") {
		t.Errorf("log output missing message or field: %q", out)
	}
}

func TestZerologLogger_EmitsFields(t *testing.T) {
	var buf bytes.Buffer
	l := hooks.NewZerologLogger(zerolog.New(&buf))

	l.Info("render.done", "seq", 42)
	out := buf.String()
	if !strings.Contains(out, "render.done") || !strings.Contains(out, "42") {
		t.Errorf("log output missing message or field: %q", out)
	}
}

func TestLoggingHook_LogsErrors(t *testing.T) {
	var buf bytes.Buffer
	l := hooks.NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	h := hooks.NewLoggingHook(l)

	ctx := context.Background()
	h.BeforeOp(ctx, "render", 1)
	h.AfterOp(ctx, "render", 1, 5*time.Millisecond, errors.New("backend crashed"))

	out := buf.String()
	if !strings.Contains(out, "coordinator.op.error") || !strings.Contains(out, "backend crashed") {
		t.Errorf("error log missing: %q", out)
	}
}

func TestInMemoryMetrics_Accumulates(t *testing.T) {
	m := hooks.NewInMemoryMetrics()

	m.RecordOpTime("render", 20*time.Millisecond)
	m.RecordOpTime("render", 30*time.Millisecond)
	m.RecordOpTime("load", 100*time.Millisecond)
	m.RecordError("render", "render")
	m.RecordDrop("render")
	m.RecordFrameBytes(1024)
	m.RecordFrameBytes(2048)

	snap := m.Snapshot()
	if snap.OpCalls["render"] != 2 {
		t.Errorf("render calls: got %d, want 2", snap.OpCalls["render"])
	}
	if snap.OpDurationsMs["render"] != 50 {
		t.Errorf("render duration: got %d, want 50", snap.OpDurationsMs["render"])
	}
	if snap.OpCalls["load"] != 1 {
		t.Errorf("load calls: got %d, want 1", snap.OpCalls["load"])
	}
	if snap.OpErrors["render"] != 1 {
		t.Errorf("render errors: got %d, want 1", snap.OpErrors["render"])
	}
	if snap.OpDrops["render"] != 1 {
		t.Errorf("render drops: got %d, want 1", snap.OpDrops["render"])
	}
	if snap.TotalFrameB != 3072 {
		t.Errorf("frame bytes: got %d, want 3072", snap.TotalFrameB)
	}
}

func TestMetricsHook_FeedsCollector(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	h := hooks.NewMetricsHook(m)

	ctx := context.Background()
	h.AfterOp(ctx, "render", 1, 10*time.Millisecond, nil)
	h.AfterOp(ctx, "render", 2, 10*time.Millisecond, errors.New("boom"))

	snap := m.Snapshot()
	if snap.OpCalls["render"] != 2 {
		t.Errorf("calls: got %d, want 2", snap.OpCalls["render"])
	}
	if snap.OpErrors["render"] != 1 {
		t.Errorf("errors: got %d, want 1", snap.OpErrors["render"])
	}
}

package store_test

import (
	"context"
	"testing"

	"github.com/JoMe92/quickfix-coordinator/adapters/store"
	"github.com/JoMe92/quickfix-coordinator/core"
)

func newStore(t *testing.T) *store.Local {
	t.Helper()
	s, err := store.NewLocal(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return s
}

func TestKeyFor_StableAcrossEqualAdjustments(t *testing.T) {
	var a, b core.Adjustments
	a.Exposure.Exposure = 0.5
	b.Exposure.Exposure = 0.5

	if store.KeyFor("asset", a) != store.KeyFor("asset", b) {
		t.Error("equal adjustments produced different keys")
	}

	b.Color.Tint = 0.1
	if store.KeyFor("asset", a) == store.KeyFor("asset", b) {
		t.Error("different adjustments produced equal keys")
	}
}

func TestLocal_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := store.KeyFor("asset-1", core.Adjustments{})
	blob := []byte("png bytes")

	if err := s.Put(ctx, key, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("Exists: got false after Put")
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("Get: got %q, want %q", got, blob)
	}
}

func TestLocal_PutReplaces(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := store.LatestKey("asset-1")

	if err := s.Put(ctx, key, []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, key, []byte("new")); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Get: got %q, want new", got)
	}
}

func TestLocal_GetMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Get(context.Background(), store.LatestKey("nothing")); err == nil {
		t.Fatal("expected error for missing preview")
	}
}

func TestLocal_DeleteIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := store.LatestKey("asset-1")

	if err := s.Put(ctx, key, []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("preview still exists after delete")
	}
}

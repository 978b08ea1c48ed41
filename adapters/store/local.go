// Package store persists published previews on the local filesystem, keyed
// by asset and an adjustments digest, so a revisited asset can show its last
// preview without a round trip through the engine.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/JoMe92/quickfix-coordinator/core"
	apperrors "github.com/JoMe92/quickfix-coordinator/errors"
)

// Key uniquely identifies a stored preview.
type Key struct {
	AssetID string
	Digest  string
}

// KeyFor derives the storage key for an asset/adjustments pair.  The digest
// is stable across processes for equal adjustment values.
func KeyFor(assetID string, adj core.Adjustments) Key {
	payload, _ := json.Marshal(adj)
	sum := sha256.Sum256(payload)
	return Key{AssetID: assetID, Digest: hex.EncodeToString(sum[:16])}
}

// LatestKey addresses the most recently published preview for an asset,
// regardless of which adjustments produced it.
func LatestKey(assetID string) Key {
	return Key{AssetID: assetID, Digest: "latest"}
}

// Local stores previews on the local filesystem.
type Local struct {
	rootDir     string
	permissions os.FileMode
}

// NewLocal creates a Local preview store rooted at dir.
func NewLocal(dir string, perm os.FileMode) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("preview store: mkdir %s: %w", dir, err)
	}
	return &Local{rootDir: dir, permissions: perm}, nil
}

func (l *Local) absPath(key Key) string {
	return filepath.Join(l.rootDir, filepath.Clean(key.AssetID), filepath.Clean(key.Digest)+".png")
}

// Put writes blob under key, replacing any previous preview for that key.
func (l *Local) Put(ctx context.Context, key Key, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryFrame, "store.put", err)
	}
	path := l.absPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryFrame, "store.put.mkdir", err)
	}
	if err := os.WriteFile(path, blob, l.permissions); err != nil {
		return apperrors.Wrap(apperrors.CategoryFrame, "store.put.write", err)
	}
	return nil
}

// Get returns the stored preview for key.
func (l *Local) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryFrame, "store.get", err)
	}
	f, err := os.Open(l.absPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.CategoryFrame, "store.get",
				fmt.Errorf("preview not found: %s/%s", key.AssetID, key.Digest))
		}
		return nil, apperrors.Wrap(apperrors.CategoryFrame, "store.get.open", err)
	}
	defer f.Close()
	blob, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryFrame, "store.get.read", err)
	}
	return blob, nil
}

// Exists reports whether a preview is stored under key.
func (l *Local) Exists(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryFrame, "store.exists", err)
	}
	_, err := os.Stat(l.absPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CategoryFrame, "store.exists.stat", err)
}

// Delete removes the preview under key.  Missing entries are not an error.
func (l *Local) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryFrame, "store.delete", err)
	}
	if err := os.Remove(l.absPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CategoryFrame, "store.delete", err)
	}
	return nil
}

// Package scratch manages disk-backed temporary assets for transcription
// jobs. Every asset belongs to exactly one job and is deleted when that job
// reaches a terminal state.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

const defaultExtension = ".tmp"

// Asset is a uniquely named scratch file owned by one job.
type Asset struct {
	Path      string
	SizeBytes int64
}

// Store allocates and deletes scratch assets under a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("scratch directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Acquire reserves a unique scratch path. The extension is a best-effort
// format hint taken from untrusted input, so everything except a short
// alphanumeric suffix is discarded.
func (s *Store) Acquire(extHint string) (*Asset, error) {
	name := xid.New().String() + sanitizeExtension(extHint)
	return &Asset{Path: filepath.Join(s.dir, name)}, nil
}

// Write persists the content of r into the asset's file.
func (s *Store) Write(asset *Asset, r io.Reader) (int64, error) {
	if asset == nil {
		return 0, errors.New("asset is nil")
	}

	f, err := os.OpenFile(asset.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("write scratch file: %w", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close scratch file: %w", closeErr)
	}

	asset.SizeBytes = n
	return n, nil
}

// Release deletes the asset's file. It is idempotent: releasing an already
// deleted or never materialized asset succeeds.
func (s *Store) Release(asset *Asset) error {
	if asset == nil {
		return nil
	}

	err := os.Remove(asset.Path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("release scratch asset %s: %w", asset.Path, err)
}

// Tracker registers the assets acquired during one job so they can all be
// released on whichever path the job exits through.
type Tracker struct {
	store *Store

	mu     sync.Mutex
	assets []*Asset
}

func (s *Store) NewTracker() *Tracker {
	return &Tracker{store: s}
}

func (t *Tracker) Track(asset *Asset) {
	if asset == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assets = append(t.assets, asset)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assets)
}

// ReleaseAll deletes every tracked asset. Failures are logged and never
// returned, so cleanup cannot mask a pipeline error.
func (t *Tracker) ReleaseAll(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t.mu.Lock()
	assets := t.assets
	t.assets = nil
	t.mu.Unlock()

	for _, asset := range assets {
		if err := t.store.Release(asset); err != nil {
			logger.Warn("failed to release scratch asset", zap.String("path", asset.Path), zap.Error(err))
		}
	}
}

func sanitizeExtension(hint string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(hint)))
	if ext == "" || ext == "." {
		return defaultExtension
	}

	var b strings.Builder
	b.WriteByte('.')
	for _, r := range ext[1:] {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 || b.Len() > 8 {
		return defaultExtension
	}
	return b.String()
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-k8s/devstack/internal/fsutil"
)

// DefaultLockTimeout bounds how long Save and Update wait for the file lock.
const DefaultLockTimeout = 10 * time.Second

// Store loads and saves the registry.
type Store interface {
	Load(ctx context.Context) (*Registry, error)
	Save(ctx context.Context, reg *Registry) error
}

// FileStore keeps the registry in a JSON file guarded by a sibling lock file.
type FileStore struct {
	path        string
	lockTimeout time.Duration
	now         func() time.Time
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) FileStoreOption {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock overrides the clock used for updated_at.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFileStore returns a store for the registry file at path.
func NewFileStore(path string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{path: path, lockTimeout: DefaultLockTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the registry file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the registry. A missing file is an empty registry at version 0.
func (s *FileStore) Load(ctx context.Context) (*Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", s.path, err)
	}
	reg := New()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", s.path, err)
	}
	if reg.Projects == nil {
		reg.Projects = make(map[string]*ProjectRecord)
	}
	return reg, nil
}

// Save writes reg if the file still holds the version reg was loaded at.
// On success reg.Version is incremented.
func (s *FileStore) Save(ctx context.Context, reg *Registry) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return s.saveLocked(ctx, reg)
}

// Update loads the registry, applies fn and saves the result under one lock.
// Nothing is written when fn returns an error.
func (s *FileStore) Update(ctx context.Context, fn func(*Registry) error) (*Registry, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	reg, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(reg); err != nil {
		return nil, err
	}
	if err := s.saveLocked(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *FileStore) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	fl := flock.New(s.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock registry %s: %w", s.path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock registry %s: timed out after %s", s.path, s.lockTimeout)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (s *FileStore) saveLocked(ctx context.Context, reg *Registry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if current.Version != reg.Version {
		return &RegistryConflictError{Path: s.path, Expected: reg.Version, Found: current.Version}
	}

	next := *reg
	next.Version = reg.Version + 1
	next.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write registry %s: %w", s.path, err)
	}
	reg.Version = next.Version
	reg.UpdatedAt = next.UpdatedAt
	return nil
}

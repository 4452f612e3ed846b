package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/codex-k8s/devstack/internal/fsutil"
)

// Artifacts are the generated files of a project.
type Artifacts struct {
	Base       []byte
	DevOverlay []byte
	Env        []byte
}

func (a Artifacts) files() map[string][]byte {
	return map[string][]byte{BaseFile: a.Base, DevFile: a.DevOverlay, EnvFile: a.Env}
}

// ComposeFiles returns the compose file names passed to the tool, in order.
func ComposeFiles() []string {
	return []string{BaseFile, DevFile}
}

// Staged is a set of artifacts written to the staging directory.
type Staged struct {
	projectDir string
	dir        string
}

// Stage writes artifacts into dir/.devstack/staging, replacing any earlier staging.
func Stage(dir string, a Artifacts) (*Staged, error) {
	staging := filepath.Join(dir, DirName, StagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	for name, data := range a.files() {
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o644); err != nil {
			_ = os.RemoveAll(staging)
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return &Staged{projectDir: dir, dir: staging}, nil
}

// Dir returns the staging directory.
func (s *Staged) Dir() string {
	return s.dir
}

// Promote renames the staged files into the project directory and removes
// the staging directory.
func (s *Staged) Promote() error {
	for _, name := range []string{BaseFile, DevFile, EnvFile} {
		if err := os.Rename(filepath.Join(s.dir, name), filepath.Join(s.projectDir, name)); err != nil {
			return fmt.Errorf("promote %s: %w", name, err)
		}
	}
	return s.Discard()
}

// Discard removes the staging directory.
func (s *Staged) Discard() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}

// WriteEnv replaces the project's .env file atomically.
func WriteEnv(dir string, data []byte) error {
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, EnvFile), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", EnvFile, err)
	}
	return nil
}

// Rollback records what an operation creates inside a project directory so
// the changes can be undone when the operation fails.
type Rollback struct {
	dir        string
	dirExisted bool
	created    []string
}

// NewRollback snapshots whether dir exists and which artifact paths are
// already present.
func NewRollback(dir string) *Rollback {
	rb := &Rollback{dir: dir, dirExisted: fsutil.Exists(dir)}
	return rb
}

// Track marks path as created by the operation if it does not exist yet.
func (r *Rollback) Track(path string) {
	if fsutil.Exists(path) || slices.Contains(r.created, path) {
		return
	}
	r.created = append(r.created, path)
}

// TrackArtifacts tracks every path Stage, Promote and SaveConfig can create.
func (r *Rollback) TrackArtifacts() {
	r.Track(filepath.Join(r.dir, DirName))
	for _, name := range []string{BaseFile, DevFile, EnvFile} {
		r.Track(filepath.Join(r.dir, name))
	}
}

// Undo removes everything tracked, or the whole directory when the operation
// created it.
func (r *Rollback) Undo() error {
	if !r.dirExisted {
		if err := os.RemoveAll(r.dir); err != nil {
			return fmt.Errorf("remove %s: %w", r.dir, err)
		}
		return nil
	}
	var errs []error
	for i := len(r.created) - 1; i >= 0; i-- {
		if err := os.RemoveAll(r.created[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

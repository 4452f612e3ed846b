// Package templates provides access to stack manifests, base templates, service
// stubs and the service catalog, either from disk or from the embedded defaults.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when a requested template asset does not exist.
var ErrNotFound = errors.New("template not found")

// Source supplies template bytes by identifier.
type Source interface {
	// Manifest returns the raw stack manifest for stackID.
	Manifest(stackID string) ([]byte, error)
	// BaseTemplate returns the stack's own base template stub.
	BaseTemplate(stackID string) ([]byte, error)
	// Stub returns the stub for a category.service-id identifier.
	Stub(serviceID string) ([]byte, error)
	// Catalog returns the raw service catalog.
	Catalog() ([]byte, error)
}

//go:embed all:defaults
var defaults embed.FS

// FSSource reads templates from an fs.FS laid out as
// stacks/<id>/stack.yaml, stacks/<id>/base.stub, services/catalog.yaml and
// services/<category>/<id>.stub.
type FSSource struct {
	FS fs.FS
}

// NewFSSource wraps fsys as a Source.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{FS: fsys}
}

// NewDirSource reads templates from a directory on disk.
func NewDirSource(dir string) *FSSource {
	return &FSSource{FS: os.DirFS(dir)}
}

// Embedded returns the templates compiled into the binary.
func Embedded() *FSSource {
	sub, err := fs.Sub(defaults, "defaults")
	if err != nil {
		panic(fmt.Sprintf("embedded templates: %v", err))
	}
	return &FSSource{FS: sub}
}

// Manifest implements Source. Both stack.yaml and stack.json are accepted.
func (s *FSSource) Manifest(stackID string) ([]byte, error) {
	if err := checkID(stackID); err != nil {
		return nil, err
	}
	data, err := s.read(path.Join("stacks", stackID, "stack.yaml"))
	if errors.Is(err, ErrNotFound) {
		data, err = s.read(path.Join("stacks", stackID, "stack.json"))
	}
	if err != nil {
		return nil, fmt.Errorf("stack %q manifest: %w", stackID, err)
	}
	return data, nil
}

// BaseTemplate implements Source.
func (s *FSSource) BaseTemplate(stackID string) ([]byte, error) {
	if err := checkID(stackID); err != nil {
		return nil, err
	}
	data, err := s.read(path.Join("stacks", stackID, "base.stub"))
	if err != nil {
		return nil, fmt.Errorf("stack %q base template: %w", stackID, err)
	}
	return data, nil
}

// Stub implements Source.
func (s *FSSource) Stub(serviceID string) ([]byte, error) {
	category, name, ok := strings.Cut(serviceID, ".")
	if !ok || checkID(category) != nil || checkID(name) != nil {
		return nil, fmt.Errorf("invalid service id %q: expected category.service", serviceID)
	}
	data, err := s.read(path.Join("services", category, name+".stub"))
	if err != nil {
		return nil, fmt.Errorf("service %q stub: %w", serviceID, err)
	}
	return data, nil
}

// Catalog implements Source.
func (s *FSSource) Catalog() ([]byte, error) {
	data, err := s.read(path.Join("services", "catalog.yaml"))
	if err != nil {
		return nil, fmt.Errorf("service catalog: %w", err)
	}
	return data, nil
}

func (s *FSSource) read(name string) ([]byte, error) {
	if s == nil || s.FS == nil {
		return nil, errors.New("template source is not configured")
	}
	data, err := fs.ReadFile(s.FS, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return data, err
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid template id %q", id)
	}
	return nil
}

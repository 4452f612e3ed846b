package compose

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

// ReferenceKind names what a dangling reference points at.
type ReferenceKind string

const (
	ReferenceService ReferenceKind = "service"
	ReferenceNetwork ReferenceKind = "network"
	ReferenceVolume  ReferenceKind = "volume"
)

// ReferenceError reports a service that uses an undeclared service, network
// or named volume.
type ReferenceError struct {
	Service string
	Kind    ReferenceKind
	Name    string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("service %q references undeclared %s %q", e.Service, e.Kind, e.Name)
}

// OrphanServiceError reports an overlay service absent from the base document.
type OrphanServiceError struct {
	Service string
}

func (e *OrphanServiceError) Error() string {
	return fmt.Sprintf("overlay service %q is not defined in the base document", e.Service)
}

// IsOrphanServiceError reports whether err is an OrphanServiceError.
func IsOrphanServiceError(err error) bool {
	var target *OrphanServiceError
	return errors.As(err, &target)
}

// CheckReferences verifies that every depends_on target, network and named
// volume used by a service is declared. The implicit "default" network always
// exists.
func (d *Document) CheckReferences() error {
	var errs []error
	for _, name := range d.order {
		svc := d.services[name]
		for _, dep := range sortedKeys(svc.DependsOn) {
			if !d.HasService(dep) {
				errs = append(errs, &ReferenceError{Service: name, Kind: ReferenceService, Name: dep})
			}
		}
		for _, nw := range sortedKeys(svc.Networks) {
			if nw == "default" {
				continue
			}
			if _, ok := d.Networks[nw]; !ok {
				errs = append(errs, &ReferenceError{Service: name, Kind: ReferenceNetwork, Name: nw})
			}
		}
		for _, vol := range namedVolumes(svc.Volumes) {
			if _, ok := d.Volumes[vol]; !ok {
				errs = append(errs, &ReferenceError{Service: name, Kind: ReferenceVolume, Name: vol})
			}
		}
	}
	return errors.Join(errs...)
}

// CheckOverlay verifies that overlay only touches services defined in base.
func CheckOverlay(base, overlay *Document) error {
	var errs []error
	for _, name := range overlay.order {
		if !base.HasService(name) {
			errs = append(errs, &OrphanServiceError{Service: name})
		}
	}
	return errors.Join(errs...)
}

func namedVolumes(mounts []any) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, mount := range mounts {
		var source string
		switch m := mount.(type) {
		case string:
			src, _, ok := strings.Cut(m, ":")
			if !ok {
				continue
			}
			source = src
		case map[string]any:
			if t, _ := m["type"].(string); t != "volume" {
				continue
			}
			source, _ = m["source"].(string)
		}
		if !isNamedVolume(source) {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

func isNamedVolume(source string) bool {
	if source == "" {
		return false
	}
	switch source[0] {
	case '/', '.', '~', '$':
		return false
	}
	return !strings.ContainsAny(source, `/\`)
}

// ValidateOptions describes a pair of compose files to check offline.
type ValidateOptions struct {
	ProjectName string
	WorkingDir  string
	Base        []byte
	Overlay     []byte
	Environment map[string]string
}

// ValidateProject loads the base and overlay the way compose would and
// returns the loader error, if any. Nothing touches the docker daemon.
func ValidateProject(ctx context.Context, opts ValidateOptions) error {
	files := []types.ConfigFile{{
		Filename: filepath.Join(opts.WorkingDir, "docker-compose.yml"),
		Content:  opts.Base,
	}}
	if len(opts.Overlay) > 0 {
		files = append(files, types.ConfigFile{
			Filename: filepath.Join(opts.WorkingDir, "docker-compose.dev.yml"),
			Content:  opts.Overlay,
		})
	}
	env := make(types.Mapping, len(opts.Environment))
	for k, v := range opts.Environment {
		env[k] = v
	}
	details := types.ConfigDetails{
		WorkingDir:  opts.WorkingDir,
		ConfigFiles: files,
		Environment: env,
	}
	_, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SetProjectName(opts.ProjectName, true)
		o.SkipResolveEnvironment = true
	})
	if err != nil {
		return fmt.Errorf("compose validation failed: %w", err)
	}
	return nil
}

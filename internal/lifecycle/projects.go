package lifecycle

import (
	"context"
	"fmt"

	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/engine"
	"github.com/codex-k8s/devstack/internal/fsutil"
	"github.com/codex-k8s/devstack/internal/registry"
)

// ProjectStatus is a registry record with the live container states.
type ProjectStatus struct {
	Record   *registry.ProjectRecord
	Services []docker.ServiceStatus
}

// Status reports the recorded state of p and what the container tool sees.
func (o *Orchestrator) Status(ctx context.Context, p *Project) (*ProjectStatus, error) {
	rec, err := o.Record(ctx, p)
	if err != nil {
		return nil, err
	}
	services, err := o.deps.Tool.Status(ctx, p.Compose())
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &ProjectStatus{Record: rec, Services: services}, nil
}

// ProjectList is the registry content as seen by List.
type ProjectList struct {
	Projects  []*registry.ProjectRecord
	Conflicts []registry.PortConflict
}

// List returns every registered project sorted by name. Records whose
// directory is gone are flagged stale and the flags are persisted.
func (o *Orchestrator) List(ctx context.Context) (*ProjectList, error) {
	reg, err := o.deps.Store.Update(ctx, func(reg *registry.Registry) error {
		reg.MarkStale(fsutil.Exists)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := &ProjectList{Conflicts: reg.Conflicts()}
	for _, name := range reg.Names() {
		rec, _ := reg.Get(name)
		out.Projects = append(out.Projects, rec)
	}
	return out, nil
}

// Stale returns the projects whose directory no longer exists, without
// changing the registry.
func (o *Orchestrator) Stale(ctx context.Context) ([]*registry.ProjectRecord, error) {
	reg, err := o.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return reg.MarkStale(fsutil.Exists), nil
}

// Cleanup removes stale projects from the registry, releasing their ports,
// and deletes their proxy routes. It returns the removed names.
func (o *Orchestrator) Cleanup(ctx context.Context) ([]string, error) {
	var removed []string
	_, err := o.deps.Store.Update(ctx, func(reg *registry.Registry) error {
		removed = removed[:0]
		for _, rec := range reg.MarkStale(fsutil.Exists) {
			reg.Remove(rec.Name)
			removed = append(removed, rec.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, name := range removed {
		if err := o.deps.Proxy.RemoveRoute(engine.Slugify(name)); err != nil {
			o.logger.Warn("failed to remove proxy route", "project", name, "error", err)
		}
		o.logger.Info("removed stale project", "project", name)
	}
	return removed, nil
}

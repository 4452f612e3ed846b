package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/engine"
	"github.com/codex-k8s/devstack/internal/env"
	"github.com/codex-k8s/devstack/internal/fsutil"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/project"
	"github.com/codex-k8s/devstack/internal/registry"
	"github.com/codex-k8s/devstack/internal/state"
)

// InitRequest describes a new project.
type InitRequest struct {
	Dir   string
	Name  string
	Stack string
	// Services are category.service ids. Empty selects the stack defaults.
	Services        []string
	IncludeOptional bool
	Domain          string
	App             string
	Vars            map[string]string
	Environment     string
	// EnvFiles are dotenv files, relative to Dir, layered over the
	// synthesized .env in order. Allocated port variables still win.
	EnvFiles []string
}

// Init synthesizes, validates and writes the artifacts of a new project and
// registers it in the ready state. On failure nothing the call created is left
// behind.
func (o *Orchestrator) Init(ctx context.Context, req InitRequest) (p *Project, err error) {
	if o.deps.Resolver == nil || o.deps.Engine == nil {
		return nil, errors.New("lifecycle: init needs a manifest resolver and an engine")
	}
	if req.Name == "" {
		return nil, errors.New("project name is required")
	}
	if req.Stack == "" {
		return nil, errors.New("stack is required")
	}
	dir, err := filepath.Abs(req.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if fsutil.Exists(project.ConfigPath(dir)) {
		return nil, fmt.Errorf("%s is already initialized", dir)
	}

	rollback := project.NewRollback(dir)
	rollback.TrackArtifacts()
	registered := false
	defer func() {
		if err == nil {
			return
		}
		if undoErr := rollback.Undo(); undoErr != nil {
			o.logger.Warn("failed to remove init artifacts", "dir", dir, "error", undoErr)
		}
		if registered {
			o.unregister(ctx, req.Name)
		}
	}()

	resolved, err := o.deps.Resolver.Resolve(req.Stack)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest: %w", err)
	}
	selection, err := selectServices(resolved, req)
	if err != nil {
		return nil, err
	}
	if err := resolved.Validate(selection); err != nil {
		return nil, err
	}

	domain := req.Domain
	if domain == "" {
		domain = engine.Slugify(req.Name) + o.deps.DomainSuffix
	}
	environment := req.Environment
	if environment == "" {
		environment = engine.DefaultEnvironment
	}
	res, err := o.deps.Engine.Synthesize(engine.Request{
		Manifest:    resolved,
		Services:    selection,
		Project:     engine.ProjectConfig{Name: req.Name, Domain: domain, App: req.App, Vars: req.Vars},
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	overlay, err := env.LoadEnvFiles(dir, req.EnvFiles)
	if err != nil {
		return nil, err
	}
	res.EnvVars = env.Merge(res.EnvVars, overlay)

	ports := make([]project.Port, 0, len(res.Ports))
	for _, pr := range res.Ports {
		ports = append(ports, project.Port{Key: pr.Key, Service: pr.Service, Preferred: pr.Preferred, EnvVar: pr.EnvVar})
	}
	reg, err := o.deps.Store.Update(ctx, func(reg *registry.Registry) error {
		if existing, ok := reg.Get(req.Name); ok {
			return fmt.Errorf("project %q is already registered at %s", req.Name, existing.Path)
		}
		st, err := state.Transition(req.Name, state.Uninitialized, state.Ready)
		if err != nil {
			return err
		}
		now := o.deps.Clock.Now().UTC()
		if err := reg.Put(&registry.ProjectRecord{
			ID:             o.deps.NewID(),
			Name:           req.Name,
			Path:           dir,
			Type:           resolved.Manifest.Type,
			Stack:          resolved.StackID(),
			Host:           domain,
			State:          st,
			CreatedAt:      now,
			LastAccessedAt: now,
		}); err != nil {
			return err
		}
		if _, err := o.deps.Allocator.AllocateAll(reg, req.Name, portRequests(ports)); err != nil {
			return fmt.Errorf("allocate ports: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	registered = true
	rec, _ := reg.Get(req.Name)
	for _, pr := range res.Ports {
		res.SetPort(pr, rec.Allocations[pr.Key])
	}

	files, err := res.Files()
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	err = o.deps.ValidateCompose(ctx, compose.ValidateOptions{
		ProjectName: engine.Slugify(req.Name),
		WorkingDir:  dir,
		Base:        files.Base,
		Overlay:     files.DevOverlay,
		Environment: res.EnvVars,
	})
	if err != nil {
		return nil, fmt.Errorf("validate compose: %w", err)
	}

	staged, err := project.Stage(dir, project.Artifacts{Base: files.Base, DevOverlay: files.DevOverlay, Env: files.Env})
	if err != nil {
		return nil, err
	}
	gate := docker.Project{
		Name:       engine.Slugify(req.Name),
		Dir:        dir,
		ProjectDir: dir,
		Files: []string{
			filepath.Join(staged.Dir(), project.BaseFile),
			filepath.Join(staged.Dir(), project.DevFile),
		},
		EnvFile: filepath.Join(staged.Dir(), project.EnvFile),
	}
	if _, err := o.deps.Tool.Config(ctx, gate); err != nil {
		_ = staged.Discard()
		return nil, fmt.Errorf("validate compose: %w", err)
	}
	if err := staged.Promote(); err != nil {
		return nil, err
	}

	services := make([]string, 0, len(selection))
	for _, id := range selection {
		services = append(services, id.String())
	}
	cfg := &project.Config{
		ID:           rec.ID,
		Name:         req.Name,
		Type:         rec.Type,
		Stack:        rec.Stack,
		Domain:       domain,
		App:          req.App,
		Environment:  environment,
		Services:     services,
		Vars:         req.Vars,
		RouteService: "app",
		RoutePort:    80,
		Ports:        ports,
	}
	p = &Project{Dir: dir, Config: cfg}
	if err := o.mirror(p, rec); err != nil {
		return nil, err
	}
	o.logger.Info("project initialized", "project", req.Name, "dir", dir, "stack", rec.Stack, "services", len(services))
	return p, nil
}

func selectServices(resolved *manifest.Resolved, req InitRequest) ([]manifest.ServiceID, error) {
	if len(req.Services) == 0 {
		return resolved.DefaultSelection(req.IncludeOptional), nil
	}
	return manifest.ParseServiceIDs(req.Services)
}

func (o *Orchestrator) unregister(ctx context.Context, name string) {
	_, err := o.deps.Store.Update(ctx, func(reg *registry.Registry) error {
		reg.Remove(name)
		return nil
	})
	if err != nil {
		o.logger.Warn("failed to remove registry record", "project", name, "error", err)
	}
}

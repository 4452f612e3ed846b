// Package lifecycle drives projects through their lifecycle states: it
// initializes the compose artifacts, starts and stops the stack through the
// container tool, and keeps the registry and the local config in step.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/engine"
	"github.com/codex-k8s/devstack/internal/logging"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/project"
	"github.com/codex-k8s/devstack/internal/proxy"
	"github.com/codex-k8s/devstack/internal/registry"
	"github.com/codex-k8s/devstack/internal/state"
)

// DefaultDomainSuffix is appended to the project slug when no domain is given.
const DefaultDomainSuffix = ".localhost"

// Store is the registry persistence the orchestrator needs.
type Store interface {
	Load(ctx context.Context) (*registry.Registry, error)
	Update(ctx context.Context, fn func(*registry.Registry) error) (*registry.Registry, error)
}

// Tool is the container tool surface the orchestrator drives.
type Tool interface {
	Up(ctx context.Context, p docker.Project, services ...string) (docker.Result, error)
	Down(ctx context.Context, p docker.Project, opts docker.DownOptions) (docker.Result, error)
	Build(ctx context.Context, p docker.Project, opts docker.BuildOptions) (docker.Result, error)
	Config(ctx context.Context, p docker.Project) (docker.Result, error)
	Status(ctx context.Context, p docker.Project) ([]docker.ServiceStatus, error)
}

// Proxy is the reverse proxy surface the orchestrator drives.
type Proxy interface {
	EnsureReady(ctx context.Context) error
	WriteRoute(r proxy.Route) error
	RemoveRoute(project string) error
}

// Deployer publishes a running project somewhere else.
type Deployer interface {
	Deploy(ctx context.Context, p *Project) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Resolver  *manifest.Resolver
	Engine    *engine.Engine
	Store     Store
	Allocator *registry.Allocator
	Tool      Tool
	Proxy     Proxy
	Clock     Clock
	Readiness ReadinessOptions
	Logger    *slog.Logger
	// DomainSuffix defaults to DefaultDomainSuffix.
	DomainSuffix string
	// ValidateCompose defaults to compose.ValidateProject.
	ValidateCompose func(ctx context.Context, opts compose.ValidateOptions) error
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Orchestrator executes lifecycle operations.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

// New validates deps and returns an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("lifecycle: registry store is required")
	case deps.Tool == nil:
		return nil, errors.New("lifecycle: container tool is required")
	case deps.Proxy == nil:
		return nil, errors.New("lifecycle: proxy manager is required")
	}
	if deps.Allocator == nil {
		deps.Allocator = registry.NewAllocator()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.DomainSuffix == "" {
		deps.DomainSuffix = DefaultDomainSuffix
	}
	if deps.ValidateCompose == nil {
		deps.ValidateCompose = compose.ValidateProject
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Orchestrator{deps: deps, logger: logging.OrDiscard(deps.Logger)}, nil
}

// Project is an initialized project directory.
type Project struct {
	Dir    string
	Config *project.Config
}

// Name returns the registry name of the project.
func (p *Project) Name() string {
	return p.Config.Name
}

// ComposeName returns the compose project name.
func (p *Project) ComposeName() string {
	return engine.Slugify(p.Config.Name)
}

// Compose returns the compose invocation for the project's live files.
func (p *Project) Compose() docker.Project {
	files := make([]string, 0, 2)
	for _, name := range project.ComposeFiles() {
		files = append(files, filepath.Join(p.Dir, name))
	}
	return docker.Project{
		Name:    p.ComposeName(),
		Dir:     p.Dir,
		Files:   files,
		EnvFile: filepath.Join(p.Dir, project.EnvFile),
	}
}

// Open loads the project at dir. A project whose registry record is missing
// is registered again from its local config.
func (o *Orchestrator) Open(ctx context.Context, dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	cfg, err := project.LoadConfig(abs)
	if err != nil {
		return nil, err
	}
	p := &Project{Dir: abs, Config: cfg}

	reg, err := o.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if rec, ok := reg.Get(cfg.Name); ok {
		if rec.Path != abs {
			return nil, fmt.Errorf("project name %q is registered for %s", cfg.Name, rec.Path)
		}
		return p, nil
	}

	o.logger.Info("registry record missing, registering from local config", "project", cfg.Name)
	_, err = o.deps.Store.Update(ctx, func(reg *registry.Registry) error {
		if _, ok := reg.Get(cfg.Name); ok {
			return nil
		}
		now := o.deps.Clock.Now().UTC()
		st := cfg.State
		if st == "" || st.Active() || st == state.Stopping || st == state.Deploying {
			st = state.Ready
		}
		allocations := make(map[string]int, len(cfg.Allocations))
		for k, v := range cfg.Allocations {
			allocations[k] = v
		}
		return reg.Put(&registry.ProjectRecord{
			ID:             cfg.ID,
			Name:           cfg.Name,
			Path:           abs,
			Type:           cfg.Type,
			Stack:          cfg.Stack,
			Host:           cfg.Domain,
			State:          st,
			Allocations:    allocations,
			CreatedAt:      now,
			LastAccessedAt: now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("register project: %w", err)
	}
	return p, nil
}

// Record returns the registry record of p.
func (o *Orchestrator) Record(ctx context.Context, p *Project) (*registry.ProjectRecord, error) {
	reg, err := o.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := reg.Get(p.Name())
	if !ok {
		return nil, &registry.ProjectNotFoundError{Name: p.Name()}
	}
	return rec, nil
}

// transition moves p to the target state in the registry, applying mutate to
// the record in the same update, and mirrors the result to the local config.
func (o *Orchestrator) transition(ctx context.Context, p *Project, to state.State, mutate func(*registry.Registry, *registry.ProjectRecord) error) error {
	var from state.State
	reg, err := o.deps.Store.Update(ctx, func(reg *registry.Registry) error {
		rec, ok := reg.Get(p.Name())
		if !ok {
			return &registry.ProjectNotFoundError{Name: p.Name()}
		}
		from = rec.State
		next, err := state.Transition(p.Name(), rec.State, to)
		if err != nil {
			return err
		}
		rec.State = next
		rec.LastAccessedAt = o.deps.Clock.Now().UTC()
		if mutate != nil {
			return mutate(reg, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec, _ := reg.Get(p.Name())
	o.logger.Debug("project state changed", "project", p.Name(), "from", from, "to", to)
	return o.mirror(p, rec)
}

func (o *Orchestrator) mirror(p *Project, rec *registry.ProjectRecord) error {
	p.Config.State = rec.State
	p.Config.Allocations = make(map[string]int, len(rec.Allocations))
	for k, v := range rec.Allocations {
		p.Config.Allocations[k] = v
	}
	if err := project.SaveConfig(p.Dir, p.Config); err != nil {
		return fmt.Errorf("mirror project config: %w", err)
	}
	return nil
}

// fail moves p to the error state and returns cause. The state is recorded
// even when ctx is already cancelled. Failures of the transition itself are
// logged.
func (o *Orchestrator) fail(ctx context.Context, p *Project, cause error) error {
	if err := o.transition(context.WithoutCancel(ctx), p, state.Error, nil); err != nil {
		o.logger.Warn("failed to record error state", "project", p.Name(), "error", err)
	}
	return cause
}

func portRequests(ports []project.Port) []registry.Request {
	out := make([]registry.Request, 0, len(ports))
	for _, port := range ports {
		out = append(out, registry.Request{Key: port.Key, Preferred: port.Preferred})
	}
	return out
}

func (o *Orchestrator) route(p *Project) proxy.Route {
	service := p.Config.RouteService
	if service == "" {
		service = "app"
	}
	port := p.Config.RoutePort
	if port == 0 {
		port = 80
	}
	return proxy.Route{Project: p.ComposeName(), Domain: p.Config.Domain, Service: service, Port: port}
}

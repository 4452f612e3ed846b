package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"

	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/env"
	"github.com/codex-k8s/devstack/internal/project"
	"github.com/codex-k8s/devstack/internal/registry"
	"github.com/codex-k8s/devstack/internal/state"
)

// Start brings the project's containers up, publishes its proxy route and
// waits for services that declare a health check.
func (o *Orchestrator) Start(ctx context.Context, p *Project) error {
	previous := maps.Clone(p.Config.Allocations)
	err := o.transition(ctx, p, state.Starting, func(reg *registry.Registry, _ *registry.ProjectRecord) error {
		if _, err := o.deps.Allocator.AllocateAll(reg, p.Name(), portRequests(p.Config.Ports)); err != nil {
			return fmt.Errorf("allocate ports: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !maps.Equal(previous, p.Config.Allocations) {
		o.logger.Info("host ports changed, rewriting env file", "project", p.Name())
		if err := o.rewritePorts(p); err != nil {
			return o.fail(ctx, p, fmt.Errorf("start: %w", err))
		}
	}
	if err := o.deps.Proxy.EnsureReady(ctx); err != nil {
		return o.fail(ctx, p, fmt.Errorf("start: %w", err))
	}
	if _, err := o.deps.Tool.Up(ctx, p.Compose()); err != nil {
		return o.fail(ctx, p, fmt.Errorf("start: %w", err))
	}

	err = o.transition(context.WithoutCancel(ctx), p, state.Running, func(_ *registry.Registry, rec *registry.ProjectRecord) error {
		now := o.deps.Clock.Now().UTC()
		rec.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.deps.Proxy.WriteRoute(o.route(p)); err != nil {
		o.logger.Warn("failed to publish proxy route", "project", p.Name(), "error", err)
	}
	return o.awaitReady(ctx, p)
}

func (o *Orchestrator) rewritePorts(p *Project) error {
	path := filepath.Join(p.Dir, project.EnvFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", project.EnvFile, err)
	}
	vars, err := env.Parse(string(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", project.EnvFile, err)
	}
	for _, port := range p.Config.Ports {
		if allocated, ok := p.Config.Allocations[port.Key]; ok && port.EnvVar != "" {
			vars[port.EnvVar] = strconv.Itoa(allocated)
		}
	}
	return project.WriteEnv(p.Dir, []byte(env.Marshal(vars)))
}

// awaitReady supervises the base services that declare a health check.
func (o *Orchestrator) awaitReady(ctx context.Context, p *Project) error {
	data, err := os.ReadFile(filepath.Join(p.Dir, project.BaseFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", project.BaseFile, err)
	}
	doc, err := compose.Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", project.BaseFile, err)
	}
	var services []string
	healthChecked := make(map[string]bool)
	for _, name := range doc.ServiceNames() {
		svc, _ := doc.Service(name)
		if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
			services = append(services, name)
			healthChecked[name] = true
		}
	}
	if len(services) == 0 {
		return nil
	}

	supervisor := Supervisor{Clock: o.deps.Clock, Options: o.deps.Readiness, Logger: o.logger}
	target := p.Compose()
	elapsed, err := supervisor.WaitForReady(ctx, services, healthChecked, func(ctx context.Context) ([]docker.ServiceStatus, error) {
		return o.deps.Tool.Status(ctx, target)
	})
	if err != nil {
		return fmt.Errorf("wait for services: %w", err)
	}
	o.logger.Info("services ready", "project", p.Name(), "elapsed", elapsed)
	return nil
}

// Stop takes the project's containers down and retracts its proxy route.
// Port allocations are kept.
func (o *Orchestrator) Stop(ctx context.Context, p *Project) error {
	if err := o.transition(ctx, p, state.Stopping, nil); err != nil {
		return err
	}
	if _, err := o.deps.Tool.Down(ctx, p.Compose(), docker.DownOptions{}); err != nil {
		return o.fail(ctx, p, fmt.Errorf("stop: %w", err))
	}
	err := o.transition(context.WithoutCancel(ctx), p, state.Ready, func(_ *registry.Registry, rec *registry.ProjectRecord) error {
		rec.StartedAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	o.retractRoute(p)
	return nil
}

func (o *Orchestrator) retractRoute(p *Project) {
	if err := o.deps.Proxy.RemoveRoute(p.ComposeName()); err != nil {
		o.logger.Warn("failed to retract proxy route", "project", p.Name(), "error", err)
	}
}

// RebuildOptions configures Rebuild.
type RebuildOptions struct {
	NoCache bool
}

// Rebuild stops a running project, rebuilds its images and starts it again.
func (o *Orchestrator) Rebuild(ctx context.Context, p *Project, opts RebuildOptions) error {
	rec, err := o.Record(ctx, p)
	if err != nil {
		return err
	}
	if rec.State == state.Running || rec.State == state.Deployed {
		if err := o.Stop(ctx, p); err != nil {
			o.logger.Warn("stop before rebuild failed", "project", p.Name(), "error", err)
		}
	}
	if _, err := o.deps.Tool.Build(ctx, p.Compose(), docker.BuildOptions{NoCache: opts.NoCache}); err != nil {
		return &StageError{Stage: "build", Err: err}
	}
	if err := o.Start(ctx, p); err != nil {
		return &StageError{Stage: "start", Err: err}
	}
	return nil
}

// Repair returns a project in the error state to ready. A project left in a
// transitional state by an interrupted command is moved to error first.
func (o *Orchestrator) Repair(ctx context.Context, p *Project) error {
	rec, err := o.Record(ctx, p)
	if err != nil {
		return err
	}
	if rec.State.Transitional() {
		o.logger.Warn("project was left mid-command, marking it failed", "project", p.Name(), "state", rec.State)
		if err := o.transition(ctx, p, state.Error, nil); err != nil {
			return err
		}
	} else if rec.State != state.Error {
		return &state.StateTransitionError{Project: p.Name(), From: rec.State, To: state.Ready}
	}
	if _, err := o.deps.Tool.Down(ctx, p.Compose(), docker.DownOptions{RemoveOrphans: true}); err != nil {
		o.logger.Warn("cleanup before repair failed", "project", p.Name(), "error", err)
	}
	err = o.transition(ctx, p, state.Ready, func(_ *registry.Registry, rec *registry.ProjectRecord) error {
		rec.StartedAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	o.retractRoute(p)
	return nil
}

// Deploy hands a running project to d. The project returns to running when
// the deployer fails.
func (o *Orchestrator) Deploy(ctx context.Context, p *Project, d Deployer) error {
	if err := o.transition(ctx, p, state.Deploying, nil); err != nil {
		return err
	}
	if err := d.Deploy(ctx, p); err != nil {
		if rbErr := o.transition(context.WithoutCancel(ctx), p, state.Running, nil); rbErr != nil {
			o.logger.Warn("failed to roll back deploy state", "project", p.Name(), "error", rbErr)
		}
		return fmt.Errorf("deploy: %w", err)
	}
	return o.transition(ctx, p, state.Deployed, nil)
}

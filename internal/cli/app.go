package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/codex-k8s/devstack/internal/catalog"
	"github.com/codex-k8s/devstack/internal/config"
	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/engine"
	"github.com/codex-k8s/devstack/internal/lifecycle"
	"github.com/codex-k8s/devstack/internal/logging"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/proxy"
	"github.com/codex-k8s/devstack/internal/registry"
)

// app wires the components a command needs from the global settings.
type app struct {
	settings *config.Settings
	logger   *slog.Logger
	tool     *docker.ComposeTool
	proxy    *proxy.Manager
	store    *registry.FileStore
	engine   *engine.Engine
	resolver *manifest.Resolver
	orch     *lifecycle.Orchestrator
}

// newApp loads the settings and builds the full component graph. Tool output
// goes to output when set and to the logger otherwise.
func newApp(ctx context.Context, output io.Writer) (*app, error) {
	logger := LoggerFromContext(ctx)
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}

	src := settings.Templates()
	cat, err := catalog.Load(src)
	if err != nil {
		return nil, fmt.Errorf("load service catalog: %w", err)
	}
	if output == nil {
		output = logging.NewWriter(logger, logging.LevelInfo, "compose")
	}
	tool, err := docker.NewComposeTool(docker.ExecRunner{}, docker.Options{
		ComposeCommand: settings.ComposeCommand,
		Docker:         settings.Docker,
		Timeout:        settings.CommandTimeout,
		Logger:         logger,
		Output:         output,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		settings: settings,
		logger:   logger,
		tool:     tool,
		proxy: proxy.NewManager(tool, proxy.Options{
			Dir:     settings.ProxyPath(),
			Network: settings.ProxyNetwork,
			Image:   settings.ProxyImage,
			Logger:  logger,
		}),
		store:    registry.NewFileStore(settings.RegistryPath(), registry.WithLockTimeout(settings.LockTimeout)),
		engine:   engine.New(src, cat, engine.Options{ProxyNetwork: settings.ProxyNetwork, Logger: logger}),
		resolver: manifest.NewResolver(src),
	}
	allocator := registry.NewAllocator()
	allocator.HostBusy = registry.PortInUse
	a.orch, err = lifecycle.New(lifecycle.Deps{
		Resolver:     a.resolver,
		Engine:       a.engine,
		Store:        a.store,
		Allocator:    allocator,
		Tool:         tool,
		Proxy:        a.proxy,
		Readiness:    lifecycle.DefaultReadiness(),
		Logger:       logger,
		DomainSuffix: settings.DomainSuffix,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// open loads the project at opts.Dir.
func (a *app) open(ctx context.Context, opts *Options) (*lifecycle.Project, error) {
	return a.orch.Open(ctx, opts.Dir)
}

// Package config loads the machine-wide devstack settings from DEVSTACK_*
// environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"

	"github.com/codex-k8s/devstack/internal/templates"
)

const (
	// RegistryFile is the registry file name inside Home.
	RegistryFile = "projects.json"
	// ProxyDir is the reverse proxy directory inside Home.
	ProxyDir = "proxy"
)

// Settings are the global defaults shared by every command.
type Settings struct {
	// Home is the devstack state directory from DEVSTACK_HOME.
	Home string `env:"DEVSTACK_HOME" envDefault:"~/.devstack"`
	// StacksDir replaces the embedded templates from DEVSTACK_STACKS_DIR.
	StacksDir string `env:"DEVSTACK_STACKS_DIR"`
	// ComposeCommand is the compose invocation from DEVSTACK_COMPOSE_COMMAND.
	ComposeCommand string `env:"DEVSTACK_COMPOSE_COMMAND" envDefault:"docker compose"`
	// Docker is the docker binary from DEVSTACK_DOCKER.
	Docker string `env:"DEVSTACK_DOCKER" envDefault:"docker"`
	// ProxyNetwork is the shared proxy network from DEVSTACK_PROXY_NETWORK.
	ProxyNetwork string `env:"DEVSTACK_PROXY_NETWORK" envDefault:"devstack-proxy"`
	// ProxyImage is the Traefik image from DEVSTACK_PROXY_IMAGE.
	ProxyImage string `env:"DEVSTACK_PROXY_IMAGE" envDefault:"traefik:v3.1"`
	// DomainSuffix builds default project domains from DEVSTACK_DOMAIN_SUFFIX.
	DomainSuffix string `env:"DEVSTACK_DOMAIN_SUFFIX" envDefault:".localhost"`
	// CommandTimeout bounds container tool calls from DEVSTACK_COMMAND_TIMEOUT.
	CommandTimeout time.Duration `env:"DEVSTACK_COMMAND_TIMEOUT" envDefault:"10m"`
	// LockTimeout bounds registry lock waits from DEVSTACK_LOCK_TIMEOUT.
	LockTimeout time.Duration `env:"DEVSTACK_LOCK_TIMEOUT" envDefault:"10s"`
	// LogLevel is the default log level from DEVSTACK_LOG_LEVEL.
	LogLevel string `env:"DEVSTACK_LOG_LEVEL" envDefault:"info"`
}

// Load parses Settings from the process environment and expands ~ in paths.
func Load() (*Settings, error) {
	var s Settings
	if err := envparse.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse DEVSTACK_* settings: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) normalize() error {
	home, err := homedir.Expand(strings.TrimSpace(s.Home))
	if err != nil {
		return fmt.Errorf("expand DEVSTACK_HOME: %w", err)
	}
	if home == "" {
		return fmt.Errorf("DEVSTACK_HOME is empty")
	}
	s.Home = filepath.Clean(home)

	if dir := strings.TrimSpace(s.StacksDir); dir != "" {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			return fmt.Errorf("expand DEVSTACK_STACKS_DIR: %w", err)
		}
		s.StacksDir = filepath.Clean(expanded)
	}
	if s.CommandTimeout <= 0 {
		return fmt.Errorf("DEVSTACK_COMMAND_TIMEOUT must be positive, got %s", s.CommandTimeout)
	}
	if s.LockTimeout <= 0 {
		return fmt.Errorf("DEVSTACK_LOCK_TIMEOUT must be positive, got %s", s.LockTimeout)
	}
	return nil
}

// RegistryPath returns the global registry file.
func (s *Settings) RegistryPath() string {
	return filepath.Join(s.Home, RegistryFile)
}

// ProxyPath returns the directory holding the reverse proxy files.
func (s *Settings) ProxyPath() string {
	return filepath.Join(s.Home, ProxyDir)
}

// Templates returns the on-disk template tree when StacksDir is set and the
// embedded defaults otherwise.
func (s *Settings) Templates() templates.Source {
	if s.StacksDir != "" {
		return templates.NewDirSource(s.StacksDir)
	}
	return templates.Embedded()
}

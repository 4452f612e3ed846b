// Package project manages the files devstack keeps inside a project
// directory: the local config, the compose artifacts and their staging area.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/devstack/internal/fsutil"
	"github.com/codex-k8s/devstack/internal/state"
)

const (
	// DirName is the per-project metadata directory.
	DirName = ".devstack"
	// ConfigFile is the local config file name inside DirName.
	ConfigFile = "project.yaml"
	// BaseFile is the base compose document.
	BaseFile = "docker-compose.yml"
	// DevFile is the dev overlay compose document.
	DevFile = "docker-compose.dev.yml"
	// EnvFile is the generated environment file.
	EnvFile = ".env"
	// StagingDir holds artifacts awaiting validation, inside DirName.
	StagingDir = "staging"
)

// ErrNotInitialized is returned when a directory has no local config.
var ErrNotInitialized = errors.New("project is not initialized (run devstack init)")

// Config is the project's local copy of its registration.
type Config struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type,omitempty"`
	Stack       string            `yaml:"stack"`
	Domain      string            `yaml:"domain,omitempty"`
	App         string            `yaml:"app,omitempty"`
	Environment string            `yaml:"environment,omitempty"`
	Services    []string          `yaml:"services"`
	Vars        map[string]string `yaml:"vars,omitempty"`

	// RouteService and RoutePort are the reverse proxy target.
	RouteService string `yaml:"route_service,omitempty"`
	RoutePort    int    `yaml:"route_port,omitempty"`

	// Ports lists the host ports the project asks for, in allocation order.
	Ports       []Port         `yaml:"ports,omitempty"`
	State       state.State    `yaml:"state,omitempty"`
	Allocations map[string]int `yaml:"allocations,omitempty"`
}

// Port is a host port request recorded at init.
type Port struct {
	Key       string `yaml:"key"`
	Service   string `yaml:"service"`
	Preferred int    `yaml:"preferred"`
	EnvVar    string `yaml:"env_var,omitempty"`
}

// ConfigPath returns the local config path of the project at dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, DirName, ConfigFile)
}

// LoadConfig reads the local config of the project at dir.
func LoadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotInitialized)
	}
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigPath(dir), err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("%s: name is required", ConfigPath(dir))
	}
	return &cfg, nil
}

// SaveConfig writes cfg atomically.
func SaveConfig(dir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode project config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(ConfigPath(dir), data, 0o644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	return nil
}

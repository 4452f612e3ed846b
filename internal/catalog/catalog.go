// Package catalog loads the service registry: every infrastructure service a
// stack can select, with its image, default port, env defaults and health check.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/templates"
)

// Entry describes one service available to stacks.
type Entry struct {
	// ID is the category.service-id key of the entry.
	ID string `yaml:"-"`
	// Name is the compose service name; defaults to the service part of ID.
	Name string `yaml:"name,omitempty"`
	// Image is the image reference; may contain build-time placeholders.
	Image string `yaml:"image,omitempty"`
	// Port is the preferred host port published for the service (0 for none).
	Port int `yaml:"port,omitempty"`
	// PortVar is the env var the stub's port mapping reads the host port from.
	PortVar string `yaml:"port_var,omitempty"`
	// Env holds default env vars written to the project .env file.
	Env map[string]string `yaml:"env,omitempty"`
	// Vars holds default values for build-time placeholders.
	Vars map[string]string `yaml:"vars,omitempty"`
	// HealthCheck is applied to the service when its stub does not declare one.
	HealthCheck *compose.HealthCheck `yaml:"healthcheck,omitempty"`
}

// Category returns the category part of the entry ID.
func (e Entry) Category() string {
	category, _, _ := strings.Cut(e.ID, ".")
	return category
}

// Catalog is the set of known services keyed by category.service-id.
type Catalog struct {
	entries map[string]Entry
}

// UnknownServiceError is returned when a service id is not in the catalog.
type UnknownServiceError struct {
	ID        string
	Available []string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown service %q (available: %s)", e.ID, strings.Join(e.Available, ", "))
}

// IsUnknownServiceError reports whether err is or wraps an UnknownServiceError.
func IsUnknownServiceError(err error) bool {
	var target *UnknownServiceError
	return errors.As(err, &target)
}

// Load reads and parses the catalog of a template source.
func Load(src templates.Source) (*Catalog, error) {
	data, err := src.Catalog()
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	raw := make(map[string]Entry)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse service catalog: %w", err)
	}

	entries := make(map[string]Entry, len(raw))
	for id, entry := range raw {
		category, name, ok := strings.Cut(id, ".")
		if !ok || category == "" || name == "" {
			return nil, fmt.Errorf("catalog entry %q: id must be category.service", id)
		}
		if entry.Port < 0 || entry.Port > 65535 {
			return nil, fmt.Errorf("catalog entry %q: port %d out of range", id, entry.Port)
		}
		if entry.Port > 0 && strings.TrimSpace(entry.PortVar) == "" {
			return nil, fmt.Errorf("catalog entry %q: port_var is required when port is set", id)
		}
		entry.ID = id
		if entry.Name == "" {
			entry.Name = name
		}
		entries[id] = entry
	}
	return &Catalog{entries: entries}, nil
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (Entry, error) {
	if c != nil {
		if entry, ok := c.entries[id]; ok {
			return entry, nil
		}
	}
	return Entry{}, &UnknownServiceError{ID: id, Available: c.IDs()}
}

// IDs returns every known service id in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

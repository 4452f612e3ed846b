// Package manifest loads stack manifests, resolves their inheritance chain and
// validates the resulting service groups.
package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceGroup is the set of interchangeable services of one category.
type ServiceGroup struct {
	Options []string `yaml:"options,omitempty"`
	Default string   `yaml:"default,omitempty"`
}

// Has reports whether service is one of the group's options.
func (g ServiceGroup) Has(service string) bool {
	return slices.Contains(g.Options, service)
}

// Manifest is a stack description as written on disk.
type Manifest struct {
	Name      string `yaml:"name,omitempty"`
	Type      string `yaml:"type,omitempty"`
	Framework string `yaml:"framework,omitempty"`
	Extends   string `yaml:"extends,omitempty"`

	RequiredServices map[string]ServiceGroup `yaml:"required_services,omitempty"`
	OptionalServices map[string]ServiceGroup `yaml:"optional_services,omitempty"`

	// Overrides maps a field path onto a replacement value.
	Overrides map[string]any `yaml:"overrides,omitempty"`
	// ServiceOverrides maps category.service-id onto env var patches.
	ServiceOverrides map[string]map[string]string `yaml:"service_overrides,omitempty"`
}

// Parse decodes a manifest. JSON manifests are accepted as YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse stack manifest: %w", err)
	}
	return &m, nil
}

// Clone returns a deep copy of m.
func (m Manifest) Clone() Manifest {
	out := m
	out.RequiredServices = cloneGroups(m.RequiredServices)
	out.OptionalServices = cloneGroups(m.OptionalServices)
	if m.Overrides != nil {
		out.Overrides = make(map[string]any, len(m.Overrides))
		for k, v := range m.Overrides {
			out.Overrides[k] = v
		}
	}
	if m.ServiceOverrides != nil {
		out.ServiceOverrides = make(map[string]map[string]string, len(m.ServiceOverrides))
		for k, patch := range m.ServiceOverrides {
			cp := make(map[string]string, len(patch))
			for name, value := range patch {
				cp[name] = value
			}
			out.ServiceOverrides[k] = cp
		}
	}
	return out
}

func cloneGroups(in map[string]ServiceGroup) map[string]ServiceGroup {
	if in == nil {
		return nil
	}
	out := make(map[string]ServiceGroup, len(in))
	for k, g := range in {
		out[k] = ServiceGroup{Options: slices.Clone(g.Options), Default: g.Default}
	}
	return out
}

// ServiceID identifies a service as category.service-id.
type ServiceID struct {
	Category string
	Service  string
}

// ParseServiceID parses "category.service".
func ParseServiceID(s string) (ServiceID, error) {
	category, service, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || category == "" || service == "" || strings.Contains(service, ".") {
		return ServiceID{}, fmt.Errorf("invalid service id %q: expected category.service", s)
	}
	return ServiceID{Category: category, Service: service}, nil
}

// ParseServiceIDs parses a list of service ids.
func ParseServiceIDs(values []string) ([]ServiceID, error) {
	out := make([]ServiceID, 0, len(values))
	for _, v := range values {
		id, err := ParseServiceID(v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (id ServiceID) String() string {
	return id.Category + "." + id.Service
}

// Resolved is a manifest with its inheritance chain flattened.
type Resolved struct {
	Manifest Manifest
	// Chain lists the stack ids from the requested stack to its root ancestor.
	Chain []string
}

// StackID returns the id the manifest was resolved from.
func (r *Resolved) StackID() string {
	if len(r.Chain) == 0 {
		return r.Manifest.Name
	}
	return r.Chain[0]
}

// Group returns the service group of category and whether it is required.
func (r *Resolved) Group(category string) (ServiceGroup, bool, bool) {
	if g, ok := r.Manifest.RequiredServices[category]; ok {
		return g, true, true
	}
	if g, ok := r.Manifest.OptionalServices[category]; ok {
		return g, false, true
	}
	return ServiceGroup{}, false, false
}

// DefaultSelection returns the default service of every required category,
// followed by optional defaults when includeOptional is set. Categories are
// visited in sorted order.
func (r *Resolved) DefaultSelection(includeOptional bool) []ServiceID {
	var out []ServiceID
	for _, category := range sortedKeys(r.Manifest.RequiredServices) {
		if def := r.Manifest.RequiredServices[category].Default; def != "" {
			out = append(out, ServiceID{Category: category, Service: def})
		}
	}
	if !includeOptional {
		return out
	}
	for _, category := range sortedKeys(r.Manifest.OptionalServices) {
		if def := r.Manifest.OptionalServices[category].Default; def != "" {
			out = append(out, ServiceID{Category: category, Service: def})
		}
	}
	return out
}

// Validate checks a service selection against the manifest: every id must be
// an option of its category, no id may repeat, and every required category
// needs a selection.
func (r *Resolved) Validate(selection []ServiceID) error {
	seen := make(map[ServiceID]struct{}, len(selection))
	covered := make(map[string]struct{})
	for _, id := range selection {
		field := "services." + id.String()
		if _, dup := seen[id]; dup {
			return invalid(field, "selected more than once")
		}
		seen[id] = struct{}{}
		group, _, ok := r.Group(id.Category)
		if !ok {
			return invalid(field, "stack %q has no %q category", r.StackID(), id.Category)
		}
		if !group.Has(id.Service) {
			return invalid(field, "not an option of %s (options: %s)", id.Category, strings.Join(group.Options, ", "))
		}
		covered[id.Category] = struct{}{}
	}
	for _, category := range sortedKeys(r.Manifest.RequiredServices) {
		if _, ok := covered[category]; !ok {
			return invalid("required_services."+category, "no service selected")
		}
	}
	return nil
}

// Marshal encodes the resolved manifest. Map keys are sorted, so equal
// manifests always encode to identical bytes.
func (r *Resolved) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r.Manifest); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package manifest

import (
	"fmt"
	"slices"
	"strings"

	"github.com/codex-k8s/devstack/internal/templates"
)

// Resolver flattens stack inheritance chains loaded from a template source.
type Resolver struct {
	source templates.Source
}

// NewResolver returns a Resolver reading manifests from src.
func NewResolver(src templates.Source) *Resolver {
	return &Resolver{source: src}
}

// Resolve loads stackID, resolves its extends chain and validates the result.
func (r *Resolver) Resolve(stackID string) (*Resolved, error) {
	if r == nil || r.source == nil {
		return nil, fmt.Errorf("manifest resolver has no template source")
	}

	var visiting []string
	var resolve func(id string) (Manifest, []string, error)

	resolve = func(id string) (Manifest, []string, error) {
		if slices.Contains(visiting, id) {
			return Manifest{}, nil, &CyclicInheritanceError{Chain: append(slices.Clone(visiting), id)}
		}
		visiting = append(visiting, id)

		data, err := r.source.Manifest(id)
		if err != nil {
			return Manifest{}, nil, err
		}
		m, err := Parse(data)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("stack %q: %w", id, err)
		}
		if m.Name == "" {
			m.Name = id
		}

		merged := m.Clone()
		chain := []string{id}
		if parentID := strings.TrimSpace(m.Extends); parentID != "" {
			parent, parentChain, err := resolve(parentID)
			if err != nil {
				return Manifest{}, nil, err
			}
			merged = mergeManifest(parent, m.Clone())
			chain = append(chain, parentChain...)
		}

		merged, err = applyOverrides(merged, m.Overrides)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("stack %q: %w", id, err)
		}
		return merged, chain, nil
	}

	merged, chain, err := resolve(stackID)
	if err != nil {
		return nil, err
	}
	if err := validate(merged); err != nil {
		return nil, fmt.Errorf("stack %q: %w", stackID, err)
	}
	return &Resolved{Manifest: merged, Chain: chain}, nil
}

// mergeManifest lays child onto parent. Overrides are applied separately.
func mergeManifest(parent, child Manifest) Manifest {
	out := parent.Clone()
	if child.Name != "" {
		out.Name = child.Name
	}
	if child.Type != "" {
		out.Type = child.Type
	}
	if child.Framework != "" {
		out.Framework = child.Framework
	}
	out.Extends = child.Extends
	out.RequiredServices = mergeGroups(out.RequiredServices, child.RequiredServices)
	out.OptionalServices = mergeGroups(out.OptionalServices, child.OptionalServices)
	out.ServiceOverrides = mergeServiceOverrides(out.ServiceOverrides, child.ServiceOverrides)
	out.Overrides = nil
	return out
}

func mergeGroups(parent, child map[string]ServiceGroup) map[string]ServiceGroup {
	if len(child) == 0 {
		return parent
	}
	if parent == nil {
		parent = make(map[string]ServiceGroup, len(child))
	}
	for category, g := range child {
		cur := parent[category]
		cur.Options = appendMissing(cur.Options, g.Options)
		if g.Default != "" {
			cur.Default = g.Default
		}
		parent[category] = cur
	}
	return parent
}

func mergeServiceOverrides(parent, child map[string]map[string]string) map[string]map[string]string {
	if len(child) == 0 {
		return parent
	}
	if parent == nil {
		parent = make(map[string]map[string]string, len(child))
	}
	for key, patch := range child {
		cur := parent[key]
		if cur == nil {
			cur = make(map[string]string, len(patch))
		}
		for name, value := range patch {
			cur[name] = value
		}
		parent[key] = cur
	}
	return parent
}

func applyOverrides(m Manifest, overrides map[string]any) (Manifest, error) {
	for _, path := range sortedKeys(overrides) {
		ov, err := ParseOverride(path, overrides[path])
		if err != nil {
			return Manifest{}, err
		}
		m = ov.Apply(m)
	}
	m.Overrides = nil
	return m, nil
}

func validate(m Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return invalid("name", "must not be empty")
	}
	for _, category := range sortedKeys(m.RequiredServices) {
		g := m.RequiredServices[category]
		field := "required_services." + category
		if len(g.Options) == 0 {
			return invalid(field+".options", "must list at least one service")
		}
		if g.Default == "" {
			return invalid(field+".default", "must be set")
		}
		if !g.Has(g.Default) {
			return invalid(field+".default", "%q is not one of the options (%s)", g.Default, strings.Join(g.Options, ", "))
		}
	}
	for _, category := range sortedKeys(m.OptionalServices) {
		g := m.OptionalServices[category]
		field := "optional_services." + category
		if _, dup := m.RequiredServices[category]; dup {
			return invalid(field, "category is also required")
		}
		if g.Default != "" && !g.Has(g.Default) {
			return invalid(field+".default", "%q is not one of the options (%s)", g.Default, strings.Join(g.Options, ", "))
		}
	}
	for _, key := range sortedKeys(m.ServiceOverrides) {
		field := "service_overrides." + key
		id, err := ParseServiceID(key)
		if err != nil {
			return invalid(field, "expected category.service")
		}
		g, ok := m.RequiredServices[id.Category]
		if !ok {
			g, ok = m.OptionalServices[id.Category]
		}
		if !ok {
			return invalid(field, "unknown category %q", id.Category)
		}
		if !g.Has(id.Service) {
			return invalid(field, "%q is not an option of %s", id.Service, id.Category)
		}
	}
	return nil
}

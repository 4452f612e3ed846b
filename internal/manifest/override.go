package manifest

import (
	"fmt"
	"strings"
)

// OverrideKind is the field an Override replaces.
type OverrideKind int

const (
	OverrideName OverrideKind = iota + 1
	OverrideType
	OverrideFramework
	OverrideDefault
	OverrideOptions
)

// GroupKind selects required or optional service groups.
type GroupKind int

const (
	RequiredGroup GroupKind = iota + 1
	OptionalGroup
)

func (g GroupKind) String() string {
	if g == OptionalGroup {
		return "optional_services"
	}
	return "required_services"
}

// Override is one parsed entry of a manifest's overrides block.
type Override struct {
	Path     string
	Kind     OverrideKind
	Group    GroupKind
	Category string
	Value    string
	Options  []string
}

// ParseOverride converts a field path and raw value into a typed Override.
// Supported paths are name, type, framework and
// {required,optional}_services.<category>.{default,options}.
func ParseOverride(path string, value any) (Override, error) {
	field := "overrides." + path
	ov := Override{Path: path}

	switch path {
	case "name", "type", "framework":
		s, ok := value.(string)
		if !ok {
			return Override{}, invalid(field, "expected a string, got %T", value)
		}
		ov.Value = s
		ov.Kind = map[string]OverrideKind{"name": OverrideName, "type": OverrideType, "framework": OverrideFramework}[path]
		return ov, nil
	}

	parts := strings.Split(path, ".")
	if len(parts) != 3 || parts[1] == "" {
		return Override{}, invalid(field, "unsupported override path")
	}
	switch parts[0] {
	case "required_services":
		ov.Group = RequiredGroup
	case "optional_services":
		ov.Group = OptionalGroup
	default:
		return Override{}, invalid(field, "unsupported override path")
	}
	ov.Category = parts[1]

	switch parts[2] {
	case "default":
		s, ok := value.(string)
		if !ok || s == "" {
			return Override{}, invalid(field, "expected a service id string")
		}
		ov.Kind = OverrideDefault
		ov.Value = s
	case "options":
		opts, err := stringList(value)
		if err != nil {
			return Override{}, invalid(field, "%v", err)
		}
		ov.Kind = OverrideOptions
		ov.Options = opts
	default:
		return Override{}, invalid(field, "unsupported override path")
	}
	return ov, nil
}

// Apply returns m with the override applied. Options overrides append missing
// entries and never remove existing ones.
func (o Override) Apply(m Manifest) Manifest {
	switch o.Kind {
	case OverrideName:
		m.Name = o.Value
	case OverrideType:
		m.Type = o.Value
	case OverrideFramework:
		m.Framework = o.Value
	case OverrideDefault, OverrideOptions:
		groups := &m.RequiredServices
		if o.Group == OptionalGroup {
			groups = &m.OptionalServices
		}
		if *groups == nil {
			*groups = make(map[string]ServiceGroup)
		}
		g := (*groups)[o.Category]
		if o.Kind == OverrideDefault {
			g.Default = o.Value
		} else {
			g.Options = appendMissing(g.Options, o.Options)
		}
		(*groups)[o.Category] = g
	}
	return m
}

func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("options must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of service ids, got %T", value)
	}
}

func appendMissing(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, cur := range dst {
			if cur == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

package compose

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service is a compose service definition. Keys without a dedicated field are
// kept verbatim in Extra.
type Service struct {
	Image         string          `yaml:"image,omitempty"`
	Build         any             `yaml:"build,omitempty"`
	ContainerName string          `yaml:"container_name,omitempty"`
	Command       any             `yaml:"command,omitempty"`
	Entrypoint    any             `yaml:"entrypoint,omitempty"`
	Restart       string          `yaml:"restart,omitempty"`
	Environment   Mapping         `yaml:"environment,omitempty"`
	Ports         []any           `yaml:"ports,omitempty"`
	Volumes       []any           `yaml:"volumes,omitempty"`
	Networks      ServiceNetworks `yaml:"networks,omitempty"`
	DependsOn     DependsOn       `yaml:"depends_on,omitempty"`
	HealthCheck   *HealthCheck    `yaml:"healthcheck,omitempty"`
	Labels        Mapping         `yaml:"labels,omitempty"`
	Extra         map[string]any  `yaml:",inline"`
}

// HealthCheck mirrors the compose healthcheck block.
type HealthCheck struct {
	Test        any    `yaml:"test,omitempty"`
	Interval    string `yaml:"interval,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	Retries     int    `yaml:"retries,omitempty"`
	StartPeriod string `yaml:"start_period,omitempty"`
	Disable     bool   `yaml:"disable,omitempty"`
}

// Volume is a top-level named volume declaration.
type Volume struct {
	Name     string            `yaml:"name,omitempty"`
	Driver   string            `yaml:"driver,omitempty"`
	External bool              `yaml:"external,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
	Extra    map[string]any    `yaml:",inline"`
}

// Network is a top-level network declaration.
type Network struct {
	Name     string            `yaml:"name,omitempty"`
	Driver   string            `yaml:"driver,omitempty"`
	External bool              `yaml:"external,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
	Extra    map[string]any    `yaml:",inline"`
}

// Mapping is a string map that accepts both the compose mapping form and the
// KEY=VALUE list form.
type Mapping map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mapping) UnmarshalYAML(node *yaml.Node) error {
	node = resolveAlias(node)
	out := make(Mapping)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], resolveAlias(node.Content[i+1])
			if key.Value == "<<" {
				var merged Mapping
				if err := val.Decode(&merged); err != nil {
					return err
				}
				for k, v := range merged {
					if _, ok := out[k]; !ok {
						out[k] = v
					}
				}
				continue
			}
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: value of %q must be a scalar", val.Line, key.Value)
			}
			if val.Tag == "!!null" {
				out[key.Value] = ""
				continue
			}
			out[key.Value] = val.Value
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			item = resolveAlias(item)
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list entries must be KEY=VALUE strings", item.Line)
			}
			key, value, _ := strings.Cut(item.Value, "=")
			out[key] = value
		}
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			return fmt.Errorf("line %d: expected mapping or list", node.Line)
		}
	}
	*m = out
	return nil
}

// ServiceNetworks is the set of networks a service joins. Per-network options
// (aliases, ipv4_address) are kept; a nil value means no options.
type ServiceNetworks map[string]map[string]any

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *ServiceNetworks) UnmarshalYAML(node *yaml.Node) error {
	node = resolveAlias(node)
	out := make(ServiceNetworks)
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			out[resolveAlias(item).Value] = nil
		}
	case yaml.MappingNode:
		raw := make(map[string]map[string]any)
		if err := node.Decode(&raw); err != nil {
			return err
		}
		for k, v := range raw {
			out[k] = v
		}
	}
	*n = out
	return nil
}

// MarshalYAML emits the list form when no network carries options.
func (n ServiceNetworks) MarshalYAML() (any, error) {
	names := make([]string, 0, len(n))
	plain := true
	for name, opts := range n {
		names = append(names, name)
		if len(opts) > 0 {
			plain = false
		}
	}
	sort.Strings(names)
	if plain {
		return names, nil
	}
	return map[string]map[string]any(n), nil
}

// Dependency is one depends_on entry.
type Dependency struct {
	Condition string `yaml:"condition,omitempty"`
	Restart   bool   `yaml:"restart,omitempty"`
	Required  *bool  `yaml:"required,omitempty"`
}

// DependsOn maps a service name onto its start condition.
type DependsOn map[string]Dependency

// UnmarshalYAML accepts both the short list form and the long mapping form.
func (d *DependsOn) UnmarshalYAML(node *yaml.Node) error {
	node = resolveAlias(node)
	out := make(DependsOn)
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			out[resolveAlias(item).Value] = Dependency{Condition: "service_started"}
		}
	case yaml.MappingNode:
		raw := make(map[string]Dependency)
		if err := node.Decode(&raw); err != nil {
			return err
		}
		for k, v := range raw {
			if v.Condition == "" {
				v.Condition = "service_started"
			}
			out[k] = v
		}
	}
	*d = out
	return nil
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	return node
}

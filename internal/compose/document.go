// Package compose models the compose documents devstack synthesizes, merges
// them with extend-only semantics and validates their references.
package compose

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a compose file with services kept in insertion order.
type Document struct {
	services map[string]*Service
	order    []string

	Volumes    map[string]*Volume
	Networks   map[string]*Network
	Extensions map[string]any
	Extra      map[string]any
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		services:   make(map[string]*Service),
		Volumes:    make(map[string]*Volume),
		Networks:   make(map[string]*Network),
		Extensions: make(map[string]any),
		Extra:      make(map[string]any),
	}
}

// Parse decodes a compose document.
func Parse(data []byte) (*Document, error) {
	doc := NewDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ServiceNames returns service names in insertion order.
func (d *Document) ServiceNames() []string {
	return append([]string(nil), d.order...)
}

// Service returns the named service.
func (d *Document) Service(name string) (*Service, bool) {
	svc, ok := d.services[name]
	return svc, ok
}

// HasService reports whether the document defines name.
func (d *Document) HasService(name string) bool {
	_, ok := d.services[name]
	return ok
}

// Len returns the number of services.
func (d *Document) Len() int {
	return len(d.order)
}

// SetService adds or replaces a service, keeping its original position on replace.
func (d *Document) SetService(name string, svc *Service) {
	if svc == nil {
		svc = &Service{}
	}
	if _, ok := d.services[name]; !ok {
		d.order = append(d.order, name)
	}
	d.services[name] = svc
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	if d.services == nil {
		*d = *NewDocument()
	}
	node = resolveAlias(node)
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: compose document must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, resolveAlias(node.Content[i+1])
		switch {
		case key == "services":
			if err := d.decodeServices(val); err != nil {
				return err
			}
		case key == "volumes":
			if err := decodeNamed(val, d.Volumes); err != nil {
				return fmt.Errorf("volumes: %w", err)
			}
		case key == "networks":
			if err := decodeNamed(val, d.Networks); err != nil {
				return fmt.Errorf("networks: %w", err)
			}
		case strings.HasPrefix(key, "x-"):
			var ext any
			if err := val.Decode(&ext); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			d.Extensions[key] = ext
		default:
			var extra any
			if err := val.Decode(&extra); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			d.Extra[key] = extra
		}
	}
	return nil
}

func (d *Document) decodeServices(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: services must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if d.HasService(name) {
			return fmt.Errorf("line %d: service %q defined twice", node.Content[i].Line, name)
		}
		svc := &Service{}
		val := resolveAlias(node.Content[i+1])
		if !(val.Kind == yaml.ScalarNode && val.Tag == "!!null") {
			if err := val.Decode(svc); err != nil {
				return fmt.Errorf("service %q: %w", name, err)
			}
		}
		d.SetService(name, svc)
	}
	return nil
}

func decodeNamed[T any](node *yaml.Node, into map[string]*T) error {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			item := new(T)
			val := resolveAlias(node.Content[i+1])
			if !(val.Kind == yaml.ScalarNode && val.Tag == "!!null") {
				if err := val.Decode(item); err != nil {
					return fmt.Errorf("%q: %w", node.Content[i].Value, err)
				}
			}
			into[node.Content[i].Value] = item
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			into[resolveAlias(item).Value] = new(T)
		}
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			return fmt.Errorf("line %d: expected mapping", node.Line)
		}
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler with a fixed key order: extensions,
// services (insertion order), volumes, networks, then any other keys.
func (d *Document) MarshalYAML() (any, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	add := func(key string, value any) error {
		var val yaml.Node
		if err := val.Encode(value); err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &val)
		return nil
	}

	for _, key := range sortedKeys(d.Extensions) {
		if err := add(key, d.Extensions[key]); err != nil {
			return nil, err
		}
	}

	services := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range d.order {
		var val yaml.Node
		if err := val.Encode(d.services[name]); err != nil {
			return nil, fmt.Errorf("encode service %q: %w", name, err)
		}
		services.Content = append(services.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, &val)
	}
	root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: "services"}, services)

	if len(d.Volumes) > 0 {
		if err := add("volumes", d.Volumes); err != nil {
			return nil, err
		}
	}
	if len(d.Networks) > 0 {
		if err := add("networks", d.Networks); err != nil {
			return nil, err
		}
	}
	for _, key := range sortedKeys(d.Extra) {
		if err := add(key, d.Extra[key]); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Encode renders the document as YAML with two-space indentation.
func (d *Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("encode compose document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize compose document: %w", err)
	}
	return buf.Bytes(), nil
}

// Conflict records a key an extending merge refused to replace.
type Conflict struct {
	Service string
	Key     string
}

func (c Conflict) String() string {
	if c.Service == "" {
		return c.Key
	}
	return fmt.Sprintf("services.%s.%s", c.Service, c.Key)
}

// Merge extends d with src. New services are appended in src order; existing
// services gain keys, list entries and map entries they lack, but keep every
// value already set. Values src could not apply are returned as conflicts.
func (d *Document) Merge(src *Document) []Conflict {
	if src == nil {
		return nil
	}
	var conflicts []Conflict
	for _, name := range src.order {
		incoming := src.services[name]
		existing, ok := d.services[name]
		if !ok {
			d.SetService(name, cloneService(incoming))
			continue
		}
		conflicts = append(conflicts, mergeService(name, existing, incoming)...)
	}
	for name, vol := range src.Volumes {
		if _, ok := d.Volumes[name]; !ok {
			d.Volumes[name] = vol
		}
	}
	for name, nw := range src.Networks {
		if _, ok := d.Networks[name]; !ok {
			d.Networks[name] = nw
		}
	}
	for key, ext := range src.Extensions {
		if cur, ok := d.Extensions[key]; !ok {
			d.Extensions[key] = ext
		} else if !reflect.DeepEqual(cur, ext) {
			conflicts = append(conflicts, Conflict{Key: key})
		}
	}
	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].String() < conflicts[j].String() })
	return conflicts
}

func mergeService(name string, dst, src *Service) []Conflict {
	var conflicts []Conflict
	conflict := func(key string) { conflicts = append(conflicts, Conflict{Service: name, Key: key}) }

	mergeString := func(key string, dstVal *string, srcVal string) {
		switch {
		case srcVal == "" || *dstVal == srcVal:
		case *dstVal == "":
			*dstVal = srcVal
		default:
			conflict(key)
		}
	}
	mergeAny := func(key string, dstVal *any, srcVal any) {
		switch {
		case srcVal == nil || reflect.DeepEqual(*dstVal, srcVal):
		case *dstVal == nil:
			*dstVal = srcVal
		default:
			conflict(key)
		}
	}

	mergeString("image", &dst.Image, src.Image)
	mergeString("container_name", &dst.ContainerName, src.ContainerName)
	mergeString("restart", &dst.Restart, src.Restart)
	mergeAny("build", &dst.Build, src.Build)
	mergeAny("command", &dst.Command, src.Command)
	mergeAny("entrypoint", &dst.Entrypoint, src.Entrypoint)

	if src.HealthCheck != nil {
		switch {
		case dst.HealthCheck == nil:
			hc := *src.HealthCheck
			dst.HealthCheck = &hc
		case !reflect.DeepEqual(dst.HealthCheck, src.HealthCheck):
			conflict("healthcheck")
		}
	}

	dst.Environment = mergeMapping(dst.Environment, src.Environment, func(k string) { conflict("environment." + k) })
	dst.Labels = mergeMapping(dst.Labels, src.Labels, func(k string) { conflict("labels." + k) })
	dst.Ports = appendUnique(dst.Ports, src.Ports)
	dst.Volumes = appendUnique(dst.Volumes, src.Volumes)

	for nw, opts := range src.Networks {
		if dst.Networks == nil {
			dst.Networks = make(ServiceNetworks)
		}
		if cur, ok := dst.Networks[nw]; !ok {
			dst.Networks[nw] = opts
		} else if len(opts) > 0 && !reflect.DeepEqual(cur, opts) {
			conflict("networks." + nw)
		}
	}
	for dep, cond := range src.DependsOn {
		if dst.DependsOn == nil {
			dst.DependsOn = make(DependsOn)
		}
		if cur, ok := dst.DependsOn[dep]; !ok {
			dst.DependsOn[dep] = cond
		} else if !reflect.DeepEqual(cur, cond) {
			conflict("depends_on." + dep)
		}
	}
	for key, val := range src.Extra {
		if dst.Extra == nil {
			dst.Extra = make(map[string]any)
		}
		if cur, ok := dst.Extra[key]; !ok {
			dst.Extra[key] = val
		} else if !reflect.DeepEqual(cur, val) {
			conflict(key)
		}
	}
	return conflicts
}

func mergeMapping(dst, src Mapping, onConflict func(string)) Mapping {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(Mapping, len(src))
	}
	for _, k := range sortedKeys(src) {
		if cur, ok := dst[k]; !ok {
			dst[k] = src[k]
		} else if cur != src[k] {
			onConflict(k)
		}
	}
	return dst
}

func appendUnique(dst, src []any) []any {
	for _, item := range src {
		found := false
		for _, cur := range dst {
			if reflect.DeepEqual(cur, item) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

func cloneService(svc *Service) *Service {
	if svc == nil {
		return &Service{}
	}
	out := *svc
	out.Environment = mergeMapping(nil, svc.Environment, func(string) {})
	out.Labels = mergeMapping(nil, svc.Labels, func(string) {})
	out.Ports = append([]any(nil), svc.Ports...)
	out.Volumes = append([]any(nil), svc.Volumes...)
	if svc.Networks != nil {
		out.Networks = make(ServiceNetworks, len(svc.Networks))
		for k, v := range svc.Networks {
			out.Networks[k] = v
		}
	}
	if svc.DependsOn != nil {
		out.DependsOn = make(DependsOn, len(svc.DependsOn))
		for k, v := range svc.DependsOn {
			out.DependsOn[k] = v
		}
	}
	if svc.Extra != nil {
		out.Extra = make(map[string]any, len(svc.Extra))
		for k, v := range svc.Extra {
			out.Extra[k] = v
		}
	}
	if svc.HealthCheck != nil {
		hc := *svc.HealthCheck
		out.HealthCheck = &hc
	}
	return &out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseVolumes decodes a top-level volumes fragment in mapping or list form.
func ParseVolumes(data []byte) (map[string]*Volume, error) {
	out := make(map[string]*Volume)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return out, nil
	}
	if err := decodeNamed(resolveAlias(node.Content[0]), out); err != nil {
		return nil, err
	}
	return out, nil
}

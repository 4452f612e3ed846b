package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/devstack/internal/catalog"
	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/env"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/stub"
)

// Synthesize builds the compose artifacts for the selected services. Services
// are merged in request order; a later stub extends an earlier service but
// never replaces a value it already set.
func (e *Engine) Synthesize(req Request) (*Result, error) {
	if req.Manifest == nil {
		return nil, fmt.Errorf("synthesize: manifest is nil")
	}
	if err := req.Manifest.Validate(req.Services); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	environment := req.Environment
	if environment == "" {
		environment = DefaultEnvironment
	}

	s := &synthesis{
		engine: e,
		req:    req,
		result: &Result{
			Base:       compose.NewDocument(),
			DevOverlay: compose.NewDocument(),
			EnvVars:    make(env.Vars),
		},
		envSource: make(map[string]string),
		volumes:   make(map[string]*compose.Volume),
		builtins:  e.builtins(req.Project, environment),
	}

	if err := s.seed(); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	for _, id := range req.Services {
		if err := s.addService(id); err != nil {
			return nil, fmt.Errorf("synthesize: service %s: %w", id, err)
		}
	}
	s.applyServiceOverrides()
	if err := s.finish(); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	for _, w := range s.result.Warnings {
		e.logger.Warn("synthesis warning", "project", req.Project.Name, "warning", w)
	}
	return s.result, nil
}

type synthesis struct {
	engine *Engine
	req    Request
	result *Result

	prelude   []preludeEntry
	builtins  map[string]string
	envSource map[string]string
	volumes   map[string]*compose.Volume
}

func (e *Engine) builtins(p ProjectConfig, environment string) map[string]string {
	domain := p.Domain
	if domain == "" {
		domain = p.Slug() + ".localhost"
	}
	return map[string]string{
		"PROJECT_NAME":   p.Name,
		"PROJECT_SLUG":   p.Slug(),
		"PROJECT_DOMAIN": domain,
		"ENVIRONMENT":    environment,
		"PROXY_NETWORK":  e.proxyNetwork,
	}
}

func (s *synthesis) seed() error {
	stackID, data, err := s.engine.baseTemplate(s.req.Manifest.Chain)
	if err != nil {
		return err
	}
	seed, err := stub.Parse(stackID, string(data))
	if err != nil {
		return fmt.Errorf("base template %s: %w", stackID, err)
	}
	vars := mergeVars(s.builtins, s.req.Project.Vars)

	baseText, err := seed.Render(stub.SectionBase, vars)
	if err != nil {
		return err
	}
	base, err := compose.Parse([]byte(baseText))
	if err != nil {
		return fmt.Errorf("base template %s section base: %w", stackID, err)
	}
	s.prelude, err = anchorPrelude([]byte(baseText))
	if err != nil {
		return fmt.Errorf("base template %s anchors: %w", stackID, err)
	}
	s.result.Base = base

	if seed.Has(stub.SectionDev) {
		devText, err := seed.Render(stub.SectionDev, vars)
		if err != nil {
			return err
		}
		dev, err := s.decode(devText)
		if err != nil {
			return fmt.Errorf("base template %s section dev: %w", stackID, err)
		}
		s.result.DevOverlay = dev
	}
	if err := s.mergeVolumes(seed, vars); err != nil {
		return err
	}
	return s.mergeEnv(seed, nil, vars, "base template "+stackID)
}

func (s *synthesis) addService(id manifest.ServiceID) error {
	entry, err := s.engine.catalog.Lookup(id.String())
	if err != nil {
		return err
	}
	data, err := s.engine.source.Stub(id.String())
	if err != nil {
		return err
	}
	st, err := stub.Parse(id.String(), string(data))
	if err != nil {
		return err
	}

	vars, err := s.serviceVars(entry)
	if err != nil {
		return err
	}

	if st.Has(stub.SectionBase) {
		text, err := st.Render(stub.SectionBase, vars)
		if err != nil {
			return err
		}
		doc, err := s.decode(text)
		if err != nil {
			return fmt.Errorf("section base: %w", err)
		}
		s.warnConflicts(id, s.result.Base.Merge(doc))
	}
	if svc, ok := s.result.Base.Service(entry.Name); ok && svc.HealthCheck == nil && entry.HealthCheck != nil {
		hc := *entry.HealthCheck
		svc.HealthCheck = &hc
	}
	if st.Has(stub.SectionDev) {
		text, err := st.Render(stub.SectionDev, vars)
		if err != nil {
			return err
		}
		doc, err := s.decode(text)
		if err != nil {
			return fmt.Errorf("section dev: %w", err)
		}
		s.warnConflicts(id, s.result.DevOverlay.Merge(doc))
	}
	if err := s.mergeVolumes(st, vars); err != nil {
		return err
	}

	if entry.Port > 0 {
		key := entry.Name
		if s.req.Project.App != "" {
			key = s.req.Project.App + "." + entry.Name
		}
		pr := PortRequest{Key: key, Service: entry.Name, Preferred: entry.Port, EnvVar: entry.PortVar}
		s.result.Ports = append(s.result.Ports, pr)
		s.result.SetPort(pr, entry.Port)
	}
	return s.mergeEnv(st, entry.Env, vars, id.String())
}

func (s *synthesis) serviceVars(entry catalog.Entry) (map[string]string, error) {
	vars := mergeVars(s.builtins, entry.Vars, s.req.Project.Vars)
	image, err := stub.Substitute(entry.Image, vars)
	if err != nil {
		return nil, fmt.Errorf("catalog image %q: %w", entry.Image, err)
	}
	vars["SERVICE_NAME"] = entry.Name
	vars["SERVICE_IMAGE"] = image
	vars["SERVICE_PORT"] = strconv.Itoa(entry.Port)
	// Catalog and project vars still win over the per-service builtins.
	for _, layer := range []map[string]string{entry.Vars, s.req.Project.Vars} {
		for k, v := range layer {
			vars[k] = v
		}
	}
	return vars, nil
}

// decode parses a stub section with the seed's shared anchors in scope and
// drops the anchors from the result. A top-level x-* key the section defines
// itself shadows the seed key of the same name.
func (s *synthesis) decode(text string) (*compose.Document, error) {
	prelude, keys, err := encodePrelude(s.prelude, topLevelKeys(text))
	if err != nil {
		return nil, err
	}
	doc, err := compose.Parse([]byte(prelude + text))
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		delete(doc.Extensions, key)
	}
	return doc, nil
}

func (s *synthesis) mergeVolumes(st *stub.Stub, vars map[string]string) error {
	if !st.Has(stub.SectionVolumes) {
		return nil
	}
	text, err := st.Render(stub.SectionVolumes, vars)
	if err != nil {
		return err
	}
	vols, err := compose.ParseVolumes([]byte(text))
	if err != nil {
		return fmt.Errorf("stub %s section volumes: %w", st.ID, err)
	}
	for name, vol := range vols {
		if _, ok := s.volumes[name]; !ok {
			s.volumes[name] = vol
		}
	}
	return nil
}

func (s *synthesis) mergeEnv(st *stub.Stub, defaults map[string]string, vars map[string]string, source string) error {
	s.setEnv(defaults, source)
	if !st.Has(stub.SectionEnv) {
		return nil
	}
	text, err := st.Render(stub.SectionEnv, vars)
	if err != nil {
		return err
	}
	parsed, err := env.Parse(text)
	if err != nil {
		return fmt.Errorf("stub %s section env: %w", st.ID, err)
	}
	s.setEnv(parsed, source)
	return nil
}

func (s *synthesis) setEnv(vars map[string]string, source string) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := vars[k]
		if prev, ok := s.result.EnvVars[k]; ok && prev != v {
			s.result.Warnings = append(s.result.Warnings,
				fmt.Sprintf("env %s=%q from %s overrides %q from %s", k, v, source, prev, s.envSource[k]))
		}
		s.result.EnvVars[k] = v
		s.envSource[k] = source
	}
}

func (s *synthesis) warnConflicts(id manifest.ServiceID, conflicts []compose.Conflict) {
	for _, c := range conflicts {
		s.result.Warnings = append(s.result.Warnings,
			fmt.Sprintf("%s: kept existing value, ignored value from %s", c, id))
	}
}

func (s *synthesis) applyServiceOverrides() {
	for _, id := range s.req.Services {
		patch := s.req.Manifest.Manifest.ServiceOverrides[id.String()]
		keys := make([]string, 0, len(patch))
		for k := range patch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.result.EnvVars[k] = patch[k]
			s.envSource[k] = "service_overrides." + id.String()
		}
	}
}

func (s *synthesis) finish() error {
	base := s.result.Base

	for name, vol := range s.volumes {
		if _, ok := base.Volumes[name]; !ok {
			base.Volumes[name] = vol
		}
	}
	names := make([]string, 0, len(base.Volumes))
	for name := range base.Volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	s.result.Volumes = names

	network := s.engine.proxyNetwork
	nw, ok := base.Networks[network]
	if !ok {
		nw = &compose.Network{}
		base.Networks[network] = nw
	}
	nw.External = true
	nw.Name = network

	if err := compose.CheckOverlay(base, s.result.DevOverlay); err != nil {
		return err
	}
	return base.CheckReferences()
}

type preludeEntry struct {
	key   *yaml.Node
	value *yaml.Node
}

// anchorPrelude collects the top-level x-* keys of a document, anchors
// included, so they can be prepended to other fragments.
func anchorPrelude(data []byte) ([]preludeEntry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil
	}
	root := doc.Content[0]
	var entries []preludeEntry
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if !strings.HasPrefix(key.Value, "x-") {
			continue
		}
		entries = append(entries, preludeEntry{key: key, value: root.Content[i+1]})
	}
	return entries, nil
}

// encodePrelude renders the entries whose keys are not in skip and returns
// the rendered keys.
func encodePrelude(entries []preludeEntry, skip map[string]bool) (string, []string, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	var keys []string
	for _, e := range entries {
		if skip[e.key.Value] {
			continue
		}
		node.Content = append(node.Content, e.key, e.value)
		keys = append(keys, e.key.Value)
	}
	if len(keys) == 0 {
		return "", nil, nil
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return "", nil, err
	}
	return string(out), keys, nil
}

var topLevelKey = regexp.MustCompile(`(?m)^(x-[^\s:#]+)\s*:`)

// topLevelKeys returns the x-* keys a fragment defines at column zero. The
// fragment is not decoded because it may alias anchors it does not define.
func topLevelKeys(text string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range topLevelKey.FindAllStringSubmatch(text, -1) {
		out[m[1]] = true
	}
	return out
}

func mergeVars(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Package engine synthesizes the compose artifacts of a project: a base
// document, a dev overlay, the named volume set, the .env variables and the
// host ports the services want published.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/codex-k8s/devstack/internal/catalog"
	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/env"
	"github.com/codex-k8s/devstack/internal/logging"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/templates"
)

// DefaultProxyNetwork is the shared external network the reverse proxy joins.
const DefaultProxyNetwork = "devstack-proxy"

// DefaultEnvironment is used when a request leaves Environment empty.
const DefaultEnvironment = "local"

// Engine turns resolved manifests into compose artifacts.
type Engine struct {
	source       templates.Source
	catalog      *catalog.Catalog
	proxyNetwork string
	logger       *slog.Logger
}

// Options configures an Engine.
type Options struct {
	ProxyNetwork string
	Logger       *slog.Logger
}

// New constructs an Engine reading stubs from src and service metadata from cat.
func New(src templates.Source, cat *catalog.Catalog, opts Options) *Engine {
	network := strings.TrimSpace(opts.ProxyNetwork)
	if network == "" {
		network = DefaultProxyNetwork
	}
	return &Engine{
		source:       src,
		catalog:      cat,
		proxyNetwork: network,
		logger:       logging.OrDiscard(opts.Logger),
	}
}

// ProjectConfig carries the per-project values available to placeholders.
type ProjectConfig struct {
	Name   string
	Domain string
	// App namespaces port allocation keys as app.service when set.
	App  string
	Vars map[string]string
}

// Slug returns the project name lowercased with runs of other characters
// collapsed to single dashes.
func (p ProjectConfig) Slug() string {
	return Slugify(p.Name)
}

// Request is the input of Synthesize.
type Request struct {
	Manifest    *manifest.Resolved
	Services    []manifest.ServiceID
	Project     ProjectConfig
	Environment string
}

// PortRequest asks the allocator for a host port.
type PortRequest struct {
	// Key is the allocation key: the service name, or app.service.
	Key       string
	Service   string
	Preferred int
	// EnvVar receives the allocated port in the .env file.
	EnvVar string
}

// Result holds the synthesized artifacts.
type Result struct {
	Base       *compose.Document
	DevOverlay *compose.Document
	Volumes    []string
	EnvVars    env.Vars
	Ports      []PortRequest
	Warnings   []string
}

// Files is the encoded form of a Result.
type Files struct {
	Base       []byte
	DevOverlay []byte
	Env        []byte
}

// Files encodes both documents and the .env content.
func (r *Result) Files() (Files, error) {
	base, err := r.Base.Encode()
	if err != nil {
		return Files{}, fmt.Errorf("base document: %w", err)
	}
	dev, err := r.DevOverlay.Encode()
	if err != nil {
		return Files{}, fmt.Errorf("dev overlay: %w", err)
	}
	return Files{Base: base, DevOverlay: dev, Env: []byte(env.Marshal(r.EnvVars))}, nil
}

// HealthChecked returns the base services that declare a health check, sorted.
func (r *Result) HealthChecked() []string {
	var out []string
	for _, name := range r.Base.ServiceNames() {
		svc, _ := r.Base.Service(name)
		if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SetPort records an allocated port into the env vars of the request's EnvVar.
func (r *Result) SetPort(req PortRequest, port int) {
	if req.EnvVar == "" {
		return
	}
	if r.EnvVars == nil {
		r.EnvVars = make(env.Vars)
	}
	r.EnvVars[req.EnvVar] = fmt.Sprintf("%d", port)
}

// Slugify lowercases s and replaces every run of characters outside [a-z0-9]
// with a single dash.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func (e *Engine) baseTemplate(chain []string) (string, []byte, error) {
	for _, id := range chain {
		data, err := e.source.BaseTemplate(id)
		if errors.Is(err, templates.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return id, data, nil
	}
	return "", nil, fmt.Errorf("no base template found in stack chain %s", strings.Join(chain, " -> "))
}

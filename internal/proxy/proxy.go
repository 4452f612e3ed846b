// Package proxy manages the single shared Traefik instance and the per-project
// route fragments it watches.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/fsutil"
	"github.com/codex-k8s/devstack/internal/logging"
)

const (
	// ProjectName is the compose project of the proxy.
	ProjectName = "devstack-proxy"
	// DefaultImage is the Traefik image used when none is configured.
	DefaultImage = "traefik:v3.1"

	composeFile = "docker-compose.yml"
	dynamicDir  = "dynamic"
	serviceName = "traefik"
)

// Tool is the subset of docker.ComposeTool the manager uses.
type Tool interface {
	Up(ctx context.Context, p docker.Project, services ...string) (docker.Result, error)
	Down(ctx context.Context, p docker.Project, opts docker.DownOptions) (docker.Result, error)
	Status(ctx context.Context, p docker.Project) ([]docker.ServiceStatus, error)
	EnsureNetwork(ctx context.Context, name string) error
}

// Options configures a Manager.
type Options struct {
	// Dir holds the proxy compose file and the dynamic route directory.
	Dir     string
	Network string
	Image   string
	Logger  *slog.Logger
}

// Manager owns the proxy installation.
type Manager struct {
	tool    Tool
	dir     string
	network string
	image   string
	logger  *slog.Logger
}

// NewManager returns a Manager driving the proxy through tool.
func NewManager(tool Tool, opts Options) *Manager {
	image := strings.TrimSpace(opts.Image)
	if image == "" {
		image = DefaultImage
	}
	network := strings.TrimSpace(opts.Network)
	if network == "" {
		network = ProjectName
	}
	return &Manager{
		tool:    tool,
		dir:     opts.Dir,
		network: network,
		image:   image,
		logger:  logging.OrDiscard(opts.Logger),
	}
}

// Dir returns the proxy installation directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Network returns the shared proxy network.
func (m *Manager) Network() string {
	return m.network
}

func (m *Manager) project() docker.Project {
	return docker.Project{Name: ProjectName, Dir: m.dir, Files: []string{filepath.Join(m.dir, composeFile)}}
}

// EnsureReady installs the proxy compose file and network if missing and
// starts the proxy unless it already runs.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if err := m.install(); err != nil {
		return err
	}
	if err := m.tool.EnsureNetwork(ctx, m.network); err != nil {
		return fmt.Errorf("proxy network: %w", err)
	}
	running, err := m.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		m.logger.Debug("proxy already running")
		return nil
	}
	m.logger.Info("starting reverse proxy", "dir", m.dir)
	if _, err := m.tool.Up(ctx, m.project()); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	return nil
}

// Running reports whether the proxy container is running.
func (m *Manager) Running(ctx context.Context) (bool, error) {
	if !fsutil.Exists(filepath.Join(m.dir, composeFile)) {
		return false, nil
	}
	statuses, err := m.tool.Status(ctx, m.project())
	if err != nil {
		return false, fmt.Errorf("proxy status: %w", err)
	}
	for _, st := range statuses {
		if st.Service == serviceName && st.Running() {
			return true, nil
		}
	}
	return false, nil
}

// Down stops the proxy. Route fragments are kept.
func (m *Manager) Down(ctx context.Context) error {
	if !fsutil.Exists(filepath.Join(m.dir, composeFile)) {
		return nil
	}
	if _, err := m.tool.Down(ctx, m.project(), docker.DownOptions{RemoveOrphans: true}); err != nil {
		return fmt.Errorf("stop proxy: %w", err)
	}
	return nil
}

func (m *Manager) install() error {
	if err := os.MkdirAll(filepath.Join(m.dir, dynamicDir), 0o755); err != nil {
		return fmt.Errorf("create proxy dir: %w", err)
	}
	path := filepath.Join(m.dir, composeFile)
	if fsutil.Exists(path) {
		return nil
	}
	data, err := m.composeDocument().Encode()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write proxy compose file: %w", err)
	}
	m.logger.Info("installed reverse proxy", "path", path)
	return nil
}

func (m *Manager) composeDocument() *compose.Document {
	doc := compose.NewDocument()
	doc.SetService(serviceName, &compose.Service{
		Image:   m.image,
		Restart: "unless-stopped",
		Command: []string{
			"--providers.file.directory=/etc/traefik/dynamic",
			"--providers.file.watch=true",
			"--entrypoints.web.address=:80",
			"--api.dashboard=true",
			"--api.insecure=true",
		},
		Ports:    []any{"80:80", "8080:8080"},
		Volumes:  []any{"./" + dynamicDir + ":/etc/traefik/dynamic:ro"},
		Networks: compose.ServiceNetworks{m.network: nil},
	})
	doc.Networks[m.network] = &compose.Network{Name: m.network, External: true}
	return doc
}

// Route binds a domain to a project's service.
type Route struct {
	// Project is the compose project name.
	Project string
	Domain  string
	Service string
	Port    int
}

// Target returns the upstream URL of the route.
func (r Route) Target() string {
	return fmt.Sprintf("http://%s-%s-1:%d", r.Project, r.Service, r.Port)
}

func (r Route) validate() error {
	var errs []error
	if r.Project == "" || strings.ContainsAny(r.Project, `/\`) {
		errs = append(errs, fmt.Errorf("invalid project name %q", r.Project))
	}
	if r.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	}
	if r.Service == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if r.Port <= 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", r.Port))
	}
	return errors.Join(errs...)
}

type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers  map[string]router  `yaml:"routers"`
	Services map[string]backend `yaml:"services"`
}

type router struct {
	Rule        string   `yaml:"rule"`
	EntryPoints []string `yaml:"entryPoints"`
	Service     string   `yaml:"service"`
}

type backend struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []server `yaml:"servers"`
}

type server struct {
	URL string `yaml:"url"`
}

// RoutePath returns the fragment path of project.
func (m *Manager) RoutePath(project string) string {
	return filepath.Join(m.dir, dynamicDir, project+".yml")
}

// WriteRoute writes the route fragment of r.Project atomically.
func (m *Manager) WriteRoute(r Route) error {
	if err := r.validate(); err != nil {
		return fmt.Errorf("route: %w", err)
	}
	cfg := dynamicConfig{HTTP: httpConfig{
		Routers: map[string]router{r.Project: {
			Rule:        fmt.Sprintf("Host(`%s`)", r.Domain),
			EntryPoints: []string{"web"},
			Service:     r.Project,
		}},
		Services: map[string]backend{r.Project: {
			LoadBalancer: loadBalancer{Servers: []server{{URL: r.Target()}}},
		}},
	}}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	if err := fsutil.WriteFileAtomic(m.RoutePath(r.Project), data, 0o644); err != nil {
		return fmt.Errorf("write route: %w", err)
	}
	m.logger.Debug("wrote proxy route", "project", r.Project, "domain", r.Domain, "target", r.Target())
	return nil
}

// RemoveRoute deletes the route fragment of project. Removing a missing
// route is not an error.
func (m *Manager) RemoveRoute(project string) error {
	err := os.Remove(m.RoutePath(project))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove route: %w", err)
	}
	return nil
}

// Routes lists the projects that have a route fragment, sorted.
func (m *Manager) Routes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, dynamicDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".yml"))
	}
	sort.Strings(out)
	return out, nil
}

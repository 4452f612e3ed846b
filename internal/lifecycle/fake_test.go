package lifecycle

import (
	"context"
	"time"

	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/proxy"
)

type fakeClock struct {
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps++
	c.now = c.now.Add(d)
	return nil
}

type fakeTool struct {
	calls     []string
	projects  []docker.Project
	upErr     error
	downErr   error
	buildErr  error
	configErr error
	statuses  []docker.ServiceStatus
	// duringUp runs inside Up before the context is checked.
	duringUp func()
}

func (f *fakeTool) record(name string, p docker.Project) {
	f.calls = append(f.calls, name)
	f.projects = append(f.projects, p)
}

func (f *fakeTool) Up(ctx context.Context, p docker.Project, _ ...string) (docker.Result, error) {
	f.record("up", p)
	if f.duringUp != nil {
		f.duringUp()
	}
	if err := ctx.Err(); err != nil {
		return docker.Result{}, err
	}
	return docker.Result{}, f.upErr
}

func (f *fakeTool) Down(_ context.Context, p docker.Project, _ docker.DownOptions) (docker.Result, error) {
	f.record("down", p)
	return docker.Result{}, f.downErr
}

func (f *fakeTool) Build(_ context.Context, p docker.Project, _ docker.BuildOptions) (docker.Result, error) {
	f.record("build", p)
	return docker.Result{}, f.buildErr
}

func (f *fakeTool) Config(_ context.Context, p docker.Project) (docker.Result, error) {
	f.record("config", p)
	return docker.Result{}, f.configErr
}

func (f *fakeTool) Status(_ context.Context, p docker.Project) ([]docker.ServiceStatus, error) {
	f.record("status", p)
	return f.statuses, nil
}

type fakeProxy struct {
	ensured   int
	ensureErr error
	routes    map[string]proxy.Route
	removed   []string
}

func (f *fakeProxy) EnsureReady(context.Context) error {
	f.ensured++
	return f.ensureErr
}

func (f *fakeProxy) WriteRoute(r proxy.Route) error {
	if f.routes == nil {
		f.routes = make(map[string]proxy.Route)
	}
	f.routes[r.Project] = r
	return nil
}

func (f *fakeProxy) RemoveRoute(project string) error {
	delete(f.routes, project)
	f.removed = append(f.removed, project)
	return nil
}

type deployerFunc func(ctx context.Context, p *Project) error

func (f deployerFunc) Deploy(ctx context.Context, p *Project) error {
	return f(ctx, p)
}

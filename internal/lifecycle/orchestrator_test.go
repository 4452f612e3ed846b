package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/devstack/internal/catalog"
	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/engine"
	"github.com/codex-k8s/devstack/internal/env"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/project"
	"github.com/codex-k8s/devstack/internal/registry"
	"github.com/codex-k8s/devstack/internal/state"
	"github.com/codex-k8s/devstack/internal/templates"
)

type harness struct {
	orch        *Orchestrator
	tool        *fakeTool
	proxy       *fakeProxy
	clock       *fakeClock
	store       *registry.FileStore
	validated   []compose.ValidateOptions
	validateErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src := templates.Embedded()
	cat, err := catalog.Load(src)
	require.NoError(t, err)

	h := &harness{
		tool:  &fakeTool{},
		proxy: &fakeProxy{},
		clock: newFakeClock(),
		store: registry.NewFileStore(filepath.Join(t.TempDir(), "projects.json")),
	}
	h.orch, err = New(Deps{
		Resolver:  manifest.NewResolver(src),
		Engine:    engine.New(src, cat, engine.Options{}),
		Store:     h.store,
		Allocator: &registry.Allocator{},
		Tool:      h.tool,
		Proxy:     h.proxy,
		Clock:     h.clock,
		Readiness: ReadinessOptions{Interval: 500 * time.Millisecond, MaxAttempts: 5, StablePolls: 1},
		ValidateCompose: func(_ context.Context, opts compose.ValidateOptions) error {
			h.validated = append(h.validated, opts)
			return h.validateErr
		},
		NewID: func() string { return "id-1" },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) init(t *testing.T, dir string) *Project {
	t.Helper()
	p, err := h.orch.Init(context.Background(), InitRequest{Dir: dir, Name: "Demo Shop", Stack: "base-stack"})
	require.NoError(t, err)
	return p
}

func (h *harness) record(t *testing.T, name string) *registry.ProjectRecord {
	t.Helper()
	reg, err := h.store.Load(context.Background())
	require.NoError(t, err)
	rec, ok := reg.Get(name)
	require.True(t, ok, "record %s", name)
	return rec
}

func healthyStatuses() []docker.ServiceStatus {
	return []docker.ServiceStatus{
		{Service: "app", State: "running"},
		{Service: "postgres", State: "running", Health: "healthy"},
	}
}

func readEnv(t *testing.T, dir string) env.Vars {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, project.EnvFile))
	require.NoError(t, err)
	vars, err := env.Parse(string(data))
	require.NoError(t, err)
	return vars
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestInitWritesArtifactsAndRegisters(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(t.TempDir(), "shop")

	p := h.init(t, dir)

	for _, name := range []string{project.BaseFile, project.DevFile, project.EnvFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.NoDirExists(t, filepath.Join(dir, project.DirName, project.StagingDir))

	cfg, err := project.LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "id-1", cfg.ID)
	assert.Equal(t, "base-stack", cfg.Stack)
	assert.Equal(t, "demo-shop.localhost", cfg.Domain)
	assert.Equal(t, []string{"databases.postgres"}, cfg.Services)
	assert.Equal(t, state.Ready, cfg.State)
	assert.Equal(t, map[string]int{"postgres": 5432}, cfg.Allocations)
	assert.Equal(t, "demo-shop", p.ComposeName())

	rec := h.record(t, "Demo Shop")
	assert.Equal(t, state.Ready, rec.State)
	assert.Equal(t, dir, rec.Path)
	assert.Equal(t, map[string]int{"postgres": 5432}, rec.Allocations)

	assert.Equal(t, "5432", readEnv(t, dir)["FORWARD_DB_PORT"])
	require.Len(t, h.validated, 1)
	assert.Equal(t, "demo-shop", h.validated[0].ProjectName)

	require.Equal(t, []string{"config"}, h.tool.calls)
	gate := h.tool.projects[0]
	assert.Equal(t, dir, gate.ProjectDir)
	assert.Equal(t, filepath.Join(dir, project.DirName, project.StagingDir, project.BaseFile), gate.Files[0])
}

func TestInitLayersEnvFiles(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.env"), []byte("APP_ENV=staging\nFORWARD_DB_PORT=9999\n"), 0o644))

	_, err := h.orch.Init(context.Background(), InitRequest{
		Dir: dir, Name: "Demo Shop", Stack: "base-stack", EnvFiles: []string{"local.env"},
	})
	require.NoError(t, err)

	vars := readEnv(t, dir)
	assert.Equal(t, "staging", vars["APP_ENV"])
	assert.Equal(t, "5432", vars["FORWARD_DB_PORT"])
	assert.Equal(t, "staging", h.validated[0].Environment["APP_ENV"])
}

func TestInitMissingEnvFileLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	_, err := h.orch.Init(context.Background(), InitRequest{
		Dir: dir, Name: "Demo Shop", Stack: "base-stack", EnvFiles: []string{"absent.env"},
	})
	require.Error(t, err)
	assert.NoFileExists(t, project.ConfigPath(dir))
	reg, err := h.store.Load(context.Background())
	require.NoError(t, err)
	_, ok := reg.Get("Demo Shop")
	assert.False(t, ok)
}

func TestInitAllocatesAroundOtherProjects(t *testing.T) {
	h := newHarness(t)
	h.init(t, filepath.Join(t.TempDir(), "shop"))

	p, err := h.orch.Init(context.Background(), InitRequest{
		Dir:   filepath.Join(t.TempDir(), "blog"),
		Name:  "blog",
		Stack: "base-stack",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"postgres": 5433}, p.Config.Allocations)
	assert.Equal(t, "5433", readEnv(t, p.Dir)["FORWARD_DB_PORT"])
}

func TestInitFailureLeavesNothingBehind(t *testing.T) {
	t.Run("offline validation", func(t *testing.T) {
		h := newHarness(t)
		h.validateErr = errors.New("services.app.ports must be a list")
		dir := filepath.Join(t.TempDir(), "shop")

		_, err := h.orch.Init(context.Background(), InitRequest{Dir: dir, Name: "Demo Shop", Stack: "base-stack"})
		require.ErrorContains(t, err, "validate compose")
		assert.NoDirExists(t, dir)

		reg, err := h.store.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, reg.Projects)
	})

	t.Run("config gate in existing dir", func(t *testing.T) {
		h := newHarness(t)
		h.tool.configErr = &docker.ExternalToolError{Command: "docker compose config --quiet", ExitCode: 15}
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# shop\n"), 0o644))

		_, err := h.orch.Init(context.Background(), InitRequest{Dir: dir, Name: "Demo Shop", Stack: "base-stack"})
		require.Error(t, err)
		assert.True(t, docker.IsExternalToolError(err))

		assert.FileExists(t, filepath.Join(dir, "README.md"))
		assert.NoFileExists(t, filepath.Join(dir, project.BaseFile))
		assert.NoFileExists(t, filepath.Join(dir, project.EnvFile))
		assert.NoDirExists(t, filepath.Join(dir, project.DirName))

		reg, err := h.store.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, reg.Projects)
	})

	t.Run("invalid selection", func(t *testing.T) {
		h := newHarness(t)
		dir := filepath.Join(t.TempDir(), "shop")
		_, err := h.orch.Init(context.Background(), InitRequest{
			Dir:      dir,
			Name:     "Demo Shop",
			Stack:    "base-stack",
			Services: []string{"cache.redis"},
		})
		require.Error(t, err)
		assert.True(t, manifest.IsValidationError(err))
		assert.NoDirExists(t, dir)
	})
}

func TestInitRejectsInitializedDir(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(t.TempDir(), "shop")
	h.init(t, dir)

	_, err := h.orch.Init(context.Background(), InitRequest{Dir: dir, Name: "Other", Stack: "base-stack"})
	require.ErrorContains(t, err, "already initialized")
	assert.FileExists(t, filepath.Join(dir, project.BaseFile))
}

func TestStartRunsAndPublishesRoute(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()

	require.NoError(t, h.orch.Start(context.Background(), p))

	rec := h.record(t, "Demo Shop")
	assert.Equal(t, state.Running, rec.State)
	require.NotNil(t, rec.StartedAt)
	assert.True(t, h.clock.now.Add(-500*time.Millisecond).Equal(*rec.StartedAt))
	assert.Equal(t, state.Running, p.Config.State)

	assert.Equal(t, 1, h.proxy.ensured)
	route := h.proxy.routes["demo-shop"]
	assert.Equal(t, "demo-shop.localhost", route.Domain)
	assert.Equal(t, "http://demo-shop-app-1:80", route.Target())

	assert.Equal(t, []string{"config", "up", "status"}, h.tool.calls)
	up := h.tool.projects[1]
	assert.Equal(t, "demo-shop", up.Name)
	assert.Equal(t, []string{filepath.Join(p.Dir, project.BaseFile), filepath.Join(p.Dir, project.DevFile)}, up.Files)
	assert.Equal(t, filepath.Join(p.Dir, project.EnvFile), up.EnvFile)
}

func TestStartReallocatesTakenPort(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()

	_, err := h.store.Update(context.Background(), func(reg *registry.Registry) error {
		return reg.Put(&registry.ProjectRecord{
			Name:        "other",
			Path:        t.TempDir(),
			State:       state.Running,
			Allocations: map[string]int{"db": 5432},
		})
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Start(context.Background(), p))
	assert.Equal(t, 5433, h.record(t, "Demo Shop").Allocations["postgres"])
	assert.Equal(t, "5433", readEnv(t, p.Dir)["FORWARD_DB_PORT"])
	assert.Equal(t, "local", readEnv(t, p.Dir)["APP_ENV"])
}

func TestStartFailureRecordsErrorState(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.upErr = &docker.ExternalToolError{
		Command:  "docker compose up -d",
		ExitCode: 1,
		Tail:     []string{"Error: port is already allocated"},
	}

	err := h.orch.Start(context.Background(), p)
	require.Error(t, err)
	var toolErr *docker.ExternalToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, []string{"Error: port is already allocated"}, toolErr.Tail)
	assert.ErrorContains(t, err, "start")

	assert.Equal(t, state.Error, h.record(t, "Demo Shop").State)
	cfg, err := project.LoadConfig(p.Dir)
	require.NoError(t, err)
	assert.Equal(t, state.Error, cfg.State)
	assert.Empty(t, h.proxy.routes)
}

func TestStartReportsReadinessTimeoutAndStaysRunning(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = []docker.ServiceStatus{
		{Service: "app", State: "running"},
		{Service: "postgres", State: "running", Health: "starting"},
	}

	err := h.orch.Start(context.Background(), p)
	require.Error(t, err)
	assert.True(t, IsReadinessTimeoutError(err))
	assert.Equal(t, state.Running, h.record(t, "Demo Shop").State)
}

func TestStartSupervisesOnlyHealthCheckedServices(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Readiness.StablePolls = 10
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = []docker.ServiceStatus{
		{Service: "app", State: "exited"},
		{Service: "postgres", State: "running", Health: "healthy"},
	}

	require.NoError(t, h.orch.Start(context.Background(), p))
	assert.Equal(t, []string{"config", "up", "status"}, h.tool.calls)
	assert.Equal(t, 1, h.clock.sleeps)
}

func TestStartRejectsRunningProject(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))

	err := h.orch.Start(context.Background(), p)
	require.Error(t, err)
	assert.True(t, state.IsStateTransitionError(err))
}

func TestStopRetractsRouteAndKeepsPorts(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))

	require.NoError(t, h.orch.Stop(context.Background(), p))

	rec := h.record(t, "Demo Shop")
	assert.Equal(t, state.Ready, rec.State)
	assert.Nil(t, rec.StartedAt)
	assert.Equal(t, map[string]int{"postgres": 5432}, rec.Allocations)
	assert.Empty(t, h.proxy.routes)
	assert.Equal(t, []string{"demo-shop"}, h.proxy.removed)
}

func TestStopRequiresRunning(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))

	err := h.orch.Stop(context.Background(), p)
	var transition *state.StateTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, state.Ready, transition.From)
	assert.Equal(t, state.Stopping, transition.To)
	assert.Empty(t, h.tool.calls[1:])
}

func TestStopFailureRecordsErrorState(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))

	h.tool.downErr = &docker.ExternalToolError{Command: "docker compose down", ExitCode: 1}
	require.Error(t, h.orch.Stop(context.Background(), p))
	assert.Equal(t, state.Error, h.record(t, "Demo Shop").State)
}

func TestRebuildNamesFailingStage(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))

	h.tool.buildErr = &docker.ExternalToolError{Command: "docker compose build", ExitCode: 17}
	err := h.orch.Rebuild(context.Background(), p, RebuildOptions{NoCache: true})

	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, "build", stage.Stage)
	assert.True(t, docker.IsExternalToolError(err))
	assert.Equal(t, state.Ready, h.record(t, "Demo Shop").State)

	h.tool.buildErr = nil
	h.tool.upErr = errors.New("daemon unreachable")
	err = h.orch.Rebuild(context.Background(), p, RebuildOptions{})
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, "start", stage.Stage)
	assert.Equal(t, state.Error, h.record(t, "Demo Shop").State)
}

func TestRebuildRestartsProject(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))

	require.NoError(t, h.orch.Rebuild(context.Background(), p, RebuildOptions{}))
	assert.Equal(t, []string{"config", "up", "status", "down", "build", "up", "status"}, h.tool.calls)
	assert.Equal(t, state.Running, h.record(t, "Demo Shop").State)
}

func TestRepairReturnsToReady(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))

	err := h.orch.Repair(context.Background(), p)
	require.Error(t, err)
	assert.True(t, state.IsStateTransitionError(err))

	h.tool.upErr = errors.New("boom")
	require.Error(t, h.orch.Start(context.Background(), p))

	h.tool.downErr = errors.New("nothing to remove")
	require.NoError(t, h.orch.Repair(context.Background(), p))
	assert.Equal(t, state.Ready, h.record(t, "Demo Shop").State)
	assert.Equal(t, "down", h.tool.calls[len(h.tool.calls)-1])
}

func TestStartCancelledDuringUpRecordsErrorState(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.tool.duringUp = cancel

	err := h.orch.Start(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, state.Error, h.record(t, "Demo Shop").State)

	h.tool.duringUp = nil
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))
	assert.Equal(t, state.Running, h.record(t, "Demo Shop").State)
}

func TestRepairRecoversInterruptedCommands(t *testing.T) {
	for _, st := range []state.State{state.Starting, state.Stopping, state.Deploying} {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t)
			p := h.init(t, filepath.Join(t.TempDir(), "shop"))
			_, err := h.store.Update(context.Background(), func(reg *registry.Registry) error {
				rec, _ := reg.Get("Demo Shop")
				rec.State = st
				return nil
			})
			require.NoError(t, err)

			err = h.orch.Start(context.Background(), p)
			require.Error(t, err)
			assert.True(t, state.IsStateTransitionError(err))
			assert.Contains(t, err.Error(), "interrupted")

			require.NoError(t, h.orch.Repair(context.Background(), p))
			assert.Equal(t, state.Ready, h.record(t, "Demo Shop").State)

			h.tool.statuses = healthyStatuses()
			require.NoError(t, h.orch.Start(context.Background(), p))
			assert.Equal(t, state.Running, h.record(t, "Demo Shop").State)
		})
	}
}

func TestDeployRollsBackToRunning(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()
	require.NoError(t, h.orch.Start(context.Background(), p))

	var seen state.State
	failing := deployerFunc(func(_ context.Context, p *Project) error {
		seen = p.Config.State
		return errors.New("registry rejected push")
	})
	require.ErrorContains(t, h.orch.Deploy(context.Background(), p, failing), "registry rejected push")
	assert.Equal(t, state.Deploying, seen)
	assert.Equal(t, state.Running, h.record(t, "Demo Shop").State)

	ok := deployerFunc(func(context.Context, *Project) error { return nil })
	require.NoError(t, h.orch.Deploy(context.Background(), p, ok))
	assert.Equal(t, state.Deployed, h.record(t, "Demo Shop").State)

	require.NoError(t, h.orch.Stop(context.Background(), p))
	assert.Equal(t, state.Ready, h.record(t, "Demo Shop").State)
}

func TestOpenReregistersMissingRecord(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(t.TempDir(), "shop")
	h.init(t, dir)

	_, err := h.store.Update(context.Background(), func(reg *registry.Registry) error {
		reg.Remove("Demo Shop")
		return nil
	})
	require.NoError(t, err)

	p, err := h.orch.Open(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "Demo Shop", p.Name())

	rec := h.record(t, "Demo Shop")
	assert.Equal(t, "id-1", rec.ID)
	assert.Equal(t, state.Ready, rec.State)
	assert.Equal(t, map[string]int{"postgres": 5432}, rec.Allocations)
}

func TestOpenUninitializedDir(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Open(context.Background(), t.TempDir())
	require.ErrorIs(t, err, project.ErrNotInitialized)
}

func TestListAndCleanupStaleProjects(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(t.TempDir(), "shop")
	h.init(t, dir)
	keep := h.init2(t)

	require.NoError(t, os.RemoveAll(dir))

	list, err := h.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Projects, 2)
	assert.Equal(t, "Demo Shop", list.Projects[0].Name)
	assert.True(t, list.Projects[0].Stale)
	assert.False(t, list.Projects[1].Stale)
	assert.True(t, h.record(t, "Demo Shop").Stale)

	removed, err := h.orch.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Demo Shop"}, removed)
	assert.Contains(t, h.proxy.removed, "demo-shop")

	reg, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{keep.Name()}, reg.Names())
}

func (h *harness) init2(t *testing.T) *Project {
	t.Helper()
	p, err := h.orch.Init(context.Background(), InitRequest{
		Dir:      filepath.Join(t.TempDir(), "blog"),
		Name:     "blog",
		Stack:    "base-stack",
		Services: []string{"databases.mysql"},
	})
	require.NoError(t, err)
	return p
}

func TestStatusCombinesRecordAndContainers(t *testing.T) {
	h := newHarness(t)
	p := h.init(t, filepath.Join(t.TempDir(), "shop"))
	h.tool.statuses = healthyStatuses()

	st, err := h.orch.Status(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, state.Ready, st.Record.State)
	assert.Len(t, st.Services, 2)
}

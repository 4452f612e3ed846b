package engine

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/devstack/internal/catalog"
	"github.com/codex-k8s/devstack/internal/compose"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/stub"
	"github.com/codex-k8s/devstack/internal/templates"
)

func newEmbeddedEngine(t *testing.T) (*Engine, *manifest.Resolver) {
	t.Helper()
	src := templates.Embedded()
	cat, err := catalog.Load(src)
	require.NoError(t, err)
	return New(src, cat, Options{}), manifest.NewResolver(src)
}

func ids(t *testing.T, values ...string) []manifest.ServiceID {
	t.Helper()
	out, err := manifest.ParseServiceIDs(values)
	require.NoError(t, err)
	return out
}

func TestSynthesizeBaseStack(t *testing.T) {
	eng, resolver := newEmbeddedEngine(t)
	resolved, err := resolver.Resolve("base-stack")
	require.NoError(t, err)

	res, err := eng.Synthesize(Request{
		Manifest: resolved,
		Services: ids(t, "databases.postgres", "cache.redis"),
		Project:  ProjectConfig{Name: "Demo Shop"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"app", "postgres", "redis"}, res.Base.ServiceNames())
	assert.Contains(t, res.Volumes, "postgres-data")
	assert.Contains(t, res.Base.Volumes, "postgres-data")

	app, _ := res.Base.Service("app")
	assert.Equal(t, "demo-shop-app:dev", app.Image)
	assert.Equal(t, "http://demo-shop.localhost", app.Environment["APP_URL"])
	assert.Equal(t, "${APP_ENV:-local}", app.Environment["APP_ENV"])
	assert.Equal(t, "service_healthy", app.DependsOn["postgres"].Condition)
	assert.Equal(t, "service_healthy", app.DependsOn["redis"].Condition)

	pg, _ := res.Base.Service("postgres")
	assert.Equal(t, "postgres:16-alpine", pg.Image)
	assert.Equal(t, "unless-stopped", pg.Restart)
	require.NotNil(t, pg.HealthCheck)
	assert.Equal(t, []any{"${FORWARD_DB_PORT:-5432}:5432"}, pg.Ports)

	proxy := res.Base.Networks[DefaultProxyNetwork]
	require.NotNil(t, proxy)
	assert.True(t, proxy.External)

	assert.Equal(t, []string{"postgres", "redis"}, res.HealthChecked())

	assert.Equal(t, []PortRequest{
		{Key: "postgres", Service: "postgres", Preferred: 5432, EnvVar: "FORWARD_DB_PORT"},
		{Key: "redis", Service: "redis", Preferred: 6379, EnvVar: "FORWARD_REDIS_PORT"},
	}, res.Ports)
	assert.Equal(t, "5432", res.EnvVars["FORWARD_DB_PORT"])
	assert.Equal(t, "postgres", res.EnvVars["DB_HOST"])
	assert.Equal(t, "app", res.EnvVars["DB_DATABASE"])
	assert.Empty(t, res.Warnings)
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	eng, resolver := newEmbeddedEngine(t)
	resolved, err := resolver.Resolve("laravel")
	require.NoError(t, err)
	req := Request{
		Manifest: resolved,
		Services: ids(t, "databases.mysql", "cache.redis", "search.meilisearch", "mail.mailpit"),
		Project:  ProjectConfig{Name: "shop", App: "web"},
	}

	first, err := eng.Synthesize(req)
	require.NoError(t, err)
	second, err := eng.Synthesize(req)
	require.NoError(t, err)

	a, err := first.Files()
	require.NoError(t, err)
	b, err := second.Files()
	require.NoError(t, err)
	assert.Equal(t, string(a.Base), string(b.Base))
	assert.Equal(t, string(a.DevOverlay), string(b.DevOverlay))
	assert.Equal(t, string(a.Env), string(b.Env))

	assert.Equal(t, "web.mysql", first.Ports[0].Key)
	assert.Equal(t, "laravel", first.EnvVars["DB_DATABASE"])

	for _, name := range first.DevOverlay.ServiceNames() {
		assert.True(t, first.Base.HasService(name), "overlay service %s missing from base", name)
	}
	app, _ := first.DevOverlay.Service("app")
	assert.Equal(t, "dev@shop.localhost", app.Environment["MAIL_FROM_ADDRESS"])
}

func TestSynthesizedFilesPassComposeValidation(t *testing.T) {
	eng, resolver := newEmbeddedEngine(t)
	resolved, err := resolver.Resolve("laravel")
	require.NoError(t, err)
	res, err := eng.Synthesize(Request{
		Manifest: resolved,
		Services: ids(t, "databases.postgres", "cache.redis", "search.meilisearch"),
		Project:  ProjectConfig{Name: "shop"},
	})
	require.NoError(t, err)
	files, err := res.Files()
	require.NoError(t, err)

	err = compose.ValidateProject(t.Context(), compose.ValidateOptions{
		ProjectName: "shop",
		WorkingDir:  t.TempDir(),
		Base:        files.Base,
		Overlay:     files.DevOverlay,
		Environment: res.EnvVars,
	})
	assert.NoError(t, err)
}

func TestSynthesizeRejectsUnselectableService(t *testing.T) {
	eng, resolver := newEmbeddedEngine(t)
	resolved, err := resolver.Resolve("node")
	require.NoError(t, err)

	_, err = eng.Synthesize(Request{
		Manifest: resolved,
		Services: ids(t, "databases.mongodb"),
		Project:  ProjectConfig{Name: "api"},
	})
	require.Error(t, err)
	assert.True(t, manifest.IsValidationError(err))
}

func testSource(files map[string]string) templates.Source {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return templates.NewFSSource(fsys)
}

const testCatalog = `
db.main:
  name: db
  image: db:{{DB_VERSION}}
  port: 5000
  port_var: FORWARD_DB_PORT
  env:
    DB_HOST: db
    SHARED: from-catalog
queue.main:
  name: queue
  image: queue:1
`

func synthesizeFrom(t *testing.T, files map[string]string, project ProjectConfig, services ...string) (*Result, error) {
	t.Helper()
	files["services/catalog.yaml"] = testCatalog
	if _, ok := files["stacks/s/stack.yaml"]; !ok {
		files["stacks/s/stack.yaml"] = "name: s\noptional_services:\n  db:\n    options: [main]\n  queue:\n    options: [main]\n"
	}
	if _, ok := files["stacks/s/base.stub"]; !ok {
		files["stacks/s/base.stub"] = "# @section: base\nservices:\n  app:\n    image: app\n"
	}
	src := testSource(files)
	cat, err := catalog.Load(src)
	require.NoError(t, err)
	resolved, err := manifest.NewResolver(src).Resolve("s")
	require.NoError(t, err)
	return New(src, cat, Options{ProxyNetwork: "edge"}).Synthesize(Request{
		Manifest: resolved,
		Services: ids(t, services...),
		Project:  project,
	})
}

func TestSynthesizeMissingVariable(t *testing.T) {
	_, err := synthesizeFrom(t, map[string]string{
		"services/db/main.stub": "# @section: base\nservices:\n  db:\n    image: {{SERVICE_IMAGE}}\n",
	}, ProjectConfig{Name: "p"}, "db.main")
	require.Error(t, err)
	assert.True(t, stub.IsMissingVariableError(err))
	assert.Contains(t, err.Error(), "DB_VERSION")

	res, err := synthesizeFrom(t, map[string]string{
		"services/db/main.stub": "# @section: base\nservices:\n  db:\n    image: {{SERVICE_IMAGE}}\n    labels:\n      tier: {{TIER}}\n",
	}, ProjectConfig{Name: "p", Vars: map[string]string{"DB_VERSION": "2", "TIER": "gold"}}, "db.main")
	require.NoError(t, err)
	db, _ := res.Base.Service("db")
	assert.Equal(t, "db:2", db.Image)
	assert.Equal(t, "gold", db.Labels["tier"])
}

func TestSynthesizeSharedAnchors(t *testing.T) {
	res, err := synthesizeFrom(t, map[string]string{
		"stacks/s/base.stub":       "# @section: base\nx-defaults: &defaults\n  restart: always\nservices:\n  app:\n    image: app\n",
		"services/queue/main.stub": "# @section: base\nservices:\n  queue:\n    <<: *defaults\n    image: queue:1\n",
	}, ProjectConfig{Name: "p"}, "queue.main")
	require.NoError(t, err)

	q, ok := res.Base.Service("queue")
	require.True(t, ok)
	assert.Equal(t, "always", q.Restart)
	assert.Equal(t, []string{"x-defaults"}, keysOf(res.Base.Extensions))
}

func TestSynthesizeStubShadowsSeedAnchor(t *testing.T) {
	res, err := synthesizeFrom(t, map[string]string{
		"stacks/s/base.stub":       "# @section: base\nx-defaults: &defaults\n  restart: always\nservices:\n  app:\n    image: app\n",
		"services/queue/main.stub": "# @section: base\nx-defaults: &defaults\n  restart: \"no\"\nservices:\n  queue:\n    <<: *defaults\n    image: queue:1\n",
	}, ProjectConfig{Name: "p"}, "queue.main")
	require.NoError(t, err)

	q, ok := res.Base.Service("queue")
	require.True(t, ok)
	assert.Equal(t, "no", q.Restart)
	assert.Equal(t, []string{"x-defaults"}, keysOf(res.Base.Extensions))
}

func TestSynthesizeRejectsOrphanOverlayService(t *testing.T) {
	_, err := synthesizeFrom(t, map[string]string{
		"services/queue/main.stub": "# @section: dev\nservices:\n  worker:\n    image: w\n",
	}, ProjectConfig{Name: "p"}, "queue.main")
	require.Error(t, err)
	assert.True(t, compose.IsOrphanServiceError(err))
}

func TestSynthesizeRejectsDanglingReferences(t *testing.T) {
	_, err := synthesizeFrom(t, map[string]string{
		"services/queue/main.stub": "# @section: base\nservices:\n  queue:\n    image: q\n    volumes:\n      - queue-data:/data\n",
	}, ProjectConfig{Name: "p"}, "queue.main")
	require.Error(t, err)
	var refErr *compose.ReferenceError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, "queue-data", refErr.Name)
}

func TestSynthesizeEnvPrecedence(t *testing.T) {
	res, err := synthesizeFrom(t, map[string]string{
		"stacks/s/stack.yaml": "name: s\noptional_services:\n  db:\n    options: [main]\n  queue:\n    options: [main]\nservice_overrides:\n  db.main:\n    DB_HOST: override-host\n",
		"services/db/main.stub": "# @section: base\nservices:\n  db:\n    image: x\n# @section: env\nSHARED=from-stub\n",
		"services/queue/main.stub": "# @section: env\nSHARED=from-queue\n",
	}, ProjectConfig{Name: "p", Vars: map[string]string{"DB_VERSION": "1"}}, "db.main", "queue.main")
	require.NoError(t, err)

	assert.Equal(t, "override-host", res.EnvVars["DB_HOST"])
	assert.Equal(t, "from-queue", res.EnvVars["SHARED"])
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "SHARED")
	assert.Contains(t, res.Warnings[1], "queue.main")

	proxy := res.Base.Networks["edge"]
	require.NotNil(t, proxy)
	assert.True(t, proxy.External)
}

func TestSynthesizeMergeConflictsBecomeWarnings(t *testing.T) {
	res, err := synthesizeFrom(t, map[string]string{
		"services/queue/main.stub": "# @section: base\nservices:\n  app:\n    image: other\n    environment:\n      QUEUE: \"on\"\n",
	}, ProjectConfig{Name: "p"}, "queue.main")
	require.NoError(t, err)

	app, _ := res.Base.Service("app")
	assert.Equal(t, "app", app.Image)
	assert.Equal(t, "on", app.Environment["QUEUE"])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "services.app.image")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "demo-shop", Slugify("  Demo Shop!! "))
	assert.Equal(t, "a-b-c", Slugify("a__b--c"))
}

func keysOf[V any](m map[string]V) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

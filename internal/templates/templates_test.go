package templates

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSSourceLayout(t *testing.T) {
	src := NewFSSource(fstest.MapFS{
		"stacks/web/stack.yaml":         {Data: []byte("name: web\n")},
		"stacks/api/stack.json":         {Data: []byte(`{"name":"api"}`)},
		"stacks/web/base.stub":          {Data: []byte("# @section: base\n")},
		"services/catalog.yaml":         {Data: []byte("{}\n")},
		"services/cache/redis.stub":     {Data: []byte("# @section: base\n")},
		"services/databases/mysql.stub": {Data: []byte("# @section: env\n")},
	})

	data, err := src.Manifest("web")
	require.NoError(t, err)
	assert.Equal(t, "name: web\n", string(data))

	data, err = src.Manifest("api")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"api"`)

	_, err = src.BaseTemplate("api")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = src.Stub("cache.redis")
	assert.NoError(t, err)

	_, err = src.Stub("cache.memcached")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = src.Stub("../etc.passwd")
	assert.Error(t, err)

	_, err = src.Catalog()
	assert.NoError(t, err)
}

func TestEmbeddedDefaultsPresent(t *testing.T) {
	src := Embedded()
	for _, id := range []string{"base-stack", "laravel", "node"} {
		_, err := src.Manifest(id)
		assert.NoError(t, err, id)
	}
	_, err := src.BaseTemplate("base-stack")
	assert.NoError(t, err)
	_, err = src.Catalog()
	assert.NoError(t, err)
	_, err = src.Stub("databases.postgres")
	assert.NoError(t, err)
}

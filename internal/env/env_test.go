package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInlineVars(t *testing.T) {
	vars, err := ParseInlineVars("A=1, B = two ,,C=")
	require.NoError(t, err)
	assert.Equal(t, Vars{"A": "1", "B": "two", "C": ""}, vars)

	_, err = ParseInlineVars("broken")
	assert.Error(t, err)

	_, err = ParseInlineVars("=value")
	assert.Error(t, err)
}

func TestMergeLaterWins(t *testing.T) {
	merged := Merge(Vars{"A": "1", "B": "1"}, nil, Vars{"B": "2"})
	assert.Equal(t, Vars{"A": "1", "B": "2"}, merged)
}

func TestParseKeepsRuntimeReferences(t *testing.T) {
	vars, err := Parse("# comment\nDB_HOST=postgres\nDB_URL=pgsql://${DB_HOST:-localhost}:${DB_PORT}\nexport QUOTED=\"a b\"\nNOTE=x # trailing")
	require.NoError(t, err)
	assert.Equal(t, "postgres", vars["DB_HOST"])
	assert.Equal(t, "pgsql://${DB_HOST:-localhost}:${DB_PORT}", vars["DB_URL"])
	assert.Equal(t, "a b", vars["QUOTED"])
	assert.Equal(t, "x", vars["NOTE"])

	_, err = Parse("NOT A PAIR")
	assert.Error(t, err)
}

func TestMarshalIsSortedAndLoadable(t *testing.T) {
	out := Marshal(Vars{"ZETA": "last word", "ALPHA": "first", "PORT": "5432"})
	assert.Equal(t, "ALPHA=first\nPORT=5432\nZETA=\"last word\"\n", out)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	loaded, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, Vars{"ZETA": "last word", "ALPHA": "first", "PORT": "5432"}, loaded)
}

func TestMarshalParseRoundTripIsStable(t *testing.T) {
	vars := Vars{
		"MSG":  `say "hi"`,
		"PATH": `C:\dev tools\`,
		"RAW":  `a\b`,
		"NOTE": "x # y",
	}
	first := Marshal(vars)
	parsed, err := Parse(first)
	require.NoError(t, err)
	assert.Equal(t, vars, parsed)

	for range 3 {
		again, err := Parse(Marshal(parsed))
		require.NoError(t, err)
		parsed = again
	}
	assert.Equal(t, first, Marshal(parsed))
}

func TestLoadEnvFilesLayersInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.env"), []byte("A=1\nB=base\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.env"), []byte("B=local\nC=${A}-x\n"), 0o644))

	vars, err := LoadEnvFiles(dir, []string{"base.env", "", "local.env"})
	require.NoError(t, err)
	assert.Equal(t, "1", vars["A"])
	assert.Equal(t, "local", vars["B"])
	assert.Contains(t, vars, "C")

	_, err = LoadEnvFiles(dir, []string{"missing.env"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.env")
}

func TestLoadVarFileMixedSyntax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars")
	require.NoError(t, os.WriteFile(path, []byte("# vars\nAPP_KEY: \"secret\"\nPHP_VERSION=8.3\n"), 0o644))
	vars, err := LoadVarFile(path)
	require.NoError(t, err)
	assert.Equal(t, Vars{"APP_KEY": "secret", "PHP_VERSION": "8.3"}, vars)
}

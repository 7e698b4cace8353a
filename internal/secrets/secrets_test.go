package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("NIXMOX_TEST_SECRET", "s3cret")

	r := NewResolver()
	value, err := r.Resolve("env:NIXMOX_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve("env:NIXMOX_DEFINITELY_UNSET")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not set")
}

func TestResolveDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("DB_PASSWORD=hunter2\nAPI_TOKEN=tok\n"), 0o600))

	r := NewResolver()
	value, err := r.Resolve("file:" + path + "#DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	// Second lookup hits the cache; same answer.
	value, err = r.Resolve("file:" + path + "#API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "tok", value)
}

func TestResolveFileMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("A=1\n"), 0o600))

	r := NewResolver()
	_, err := r.Resolve("file:" + path + "#MISSING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestResolveRejectsMalformedRefs(t *testing.T) {
	r := NewResolver()
	for _, ref := range []string{"no-scheme", "vault:path", "file:/etc/secrets.env"} {
		_, err := r.Resolve(ref)
		assert.Error(t, err, "ref %q", ref)
	}
}

func TestResolveAll(t *testing.T) {
	t.Setenv("NIXMOX_A", "1")
	t.Setenv("NIXMOX_B", "2")

	out, err := ResolveAll(NewResolver(), map[string]string{
		"a": "env:NIXMOX_A",
		"b": "env:NIXMOX_B",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, out)

	_, err = ResolveAll(NewResolver(), map[string]string{"x": "env:NIXMOX_UNSET_X"})
	assert.Error(t, err)
}

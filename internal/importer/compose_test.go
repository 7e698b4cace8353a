package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const composeFixture = `
services:
  db:
    image: postgres:16
    ports:
      - "5432:5432"
  web:
    image: nginx:latest
    ports:
      - "8080:80"
    depends_on:
      - db
`

func TestFromCompose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "homelab")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(composeFixture), 0o644))

	m, err := FromCompose(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "homelab.lan", m.Network.Domain)
	require.Len(t, m.Services, 2)

	db := m.Services["db"]
	require.NotNil(t, db)
	assert.Equal(t, []int{5432}, db.Ports)
	assert.Empty(t, db.DependsOn)
	require.NotNil(t, db.Interface.Terraform)
	assert.Equal(t, "postgres:16", db.Interface.Terraform.Variables["image"])

	web := m.Services["web"]
	require.NotNil(t, web)
	assert.Equal(t, []string{"db"}, web.DependsOn)
	assert.Equal(t, []int{8080}, web.Ports)

	// Numeric identifiers are seeded deterministically (lexicographic).
	assert.Equal(t, 900, db.VMID)
	assert.Equal(t, 901, web.VMID)
}

func TestRenderYAMLRoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stack")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(composeFixture), 0o644))

	m, err := FromCompose(context.Background(), path)
	require.NoError(t, err)

	out, err := RenderYAML(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), "services:")
	assert.Contains(t, string(out), "depends_on:")
	assert.Contains(t, string(out), "deployment_phases:")
}

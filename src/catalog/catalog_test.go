package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaifyworker/src/model"
)

const sample = `
servers:
  - id: 1
    uuid: srv-1
    name: builder
    ip: 10.0.0.5
    private_key_path: /keys/id_ed25519
    concurrent_builds: 2
  - id: 2
    uuid: srv-2
    name: local
    transport: docker
    docker_host: unix:///var/run/docker.sock
applications:
  - id: 42
    uuid: app-42
    name: shop
    server_id: 1
    git_repository: acme/shop
    watch_paths: ["src/**", "go.mod"]
    deploy_commands: ["docker compose up -d"]
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	s, ok := c.ServerByUUID("srv-1")
	require.True(t, ok)
	assert.Equal(t, model.TransportSSH, s.Transport)
	assert.Equal(t, 2, s.ConcurrentBuilds)
	assert.Equal(t, "10.0.0.5:22", s.Address())

	s, ok = c.ServerByID(2)
	require.True(t, ok)
	assert.Equal(t, model.TransportDocker, s.Transport)

	a, ok := c.ApplicationByID(42)
	require.True(t, ok)
	assert.Equal(t, []string{"src/**", "go.mod"}, a.WatchPaths)
	assert.True(t, a.IsDeployable())
	assert.Len(t, c.Servers(), 2)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("servers:\n  - id: 1\n"))
	assert.ErrorContains(t, err, "no uuid")

	_, err = Parse([]byte("applications:\n  - id: 1\n    server_id: 9\n"))
	assert.ErrorContains(t, err, "unknown server 9")

	_, err = Parse([]byte("servers: [:"))
	assert.ErrorContains(t, err, "parsing catalog")
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "catalog.yaml"))
	require.NoError(t, err)
	assert.Empty(t, c.Servers())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers: []\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, func() { reloaded <- struct{}{} }) }()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
	require.Eventually(t, func() bool {
		_, ok := c.ApplicationByID(42)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

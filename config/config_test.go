package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guseggert/workerhost/ipc"
	"github.com/guseggert/workerhost/supervisor"
	"github.com/guseggert/workerhost/transport"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workerhost.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultMatchesLibraryDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, ipc.DefaultConfig(), cfg.ClientConfig())

	sc := cfg.SupervisorConfig()
	assert.Equal(t, supervisor.DefaultConfig(), sc)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[worker]
path = "/opt/workerhost/workerhost-worker"
args = ["--engine", "docker"]
env = ["TARGET_ENV=staging"]
transport = "ws"

[ipc]
requestTimeout = "2m"
maxEventsPerRequest = 500

[supervisor]
heartbeatInterval = "2s"
heartbeatTimeout = "6s"
maxRestartAttempts = 5

[log]
level = "debug"
format = "json"
outputs = ["stderr", "/var/log/workerhost.log"]

[log.rotation]
enable = true
maxSizeMB = 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/workerhost/workerhost-worker", cfg.Worker.Path)
	assert.Equal(t, 2*time.Minute, cfg.IPC.RequestTimeout)
	assert.Equal(t, 500, cfg.IPC.MaxEventsPerRequest)
	// unset values keep their defaults
	assert.Equal(t, ipc.DefaultConfig().HandshakeTimeout, cfg.IPC.HandshakeTimeout)
	assert.True(t, cfg.Log.Rotation.Enable)
	assert.Equal(t, 50, cfg.Log.Rotation.MaxSizeMB)

	sc := cfg.SupervisorConfig()
	assert.Equal(t, transport.KindWS, sc.Transport)
	assert.Equal(t, []string{"--engine", "docker"}, sc.Args)
	assert.Equal(t, []string{"TARGET_ENV=staging"}, sc.Env)
	assert.Equal(t, 2*time.Second, sc.HeartbeatInterval)
	assert.Equal(t, 6*time.Second, sc.HeartbeatTimeout)
	assert.Equal(t, 5, sc.MaxRestartAttempts)
	assert.Equal(t, 3, sc.MissedHeartbeatThreshold)

	assert.Equal(t, 2*time.Minute, cfg.ClientConfig().RequestTimeout)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		errMsg   string
	}{
		{
			name:     "unknown key",
			contents: "[worker]\nnmae = \"x\"\n",
			errMsg:   "unknown keys worker.nmae",
		},
		{
			name:     "bad transport",
			contents: "[worker]\ntransport = \"carrier-pigeon\"\n",
			errMsg:   "worker.transport",
		},
		{
			name:     "bad duration",
			contents: "[supervisor]\nheartbeatInterval = \"soon\"\n",
			errMsg:   "decoding",
		},
		{
			name:     "timeout shorter than interval",
			contents: "[supervisor]\nheartbeatInterval = \"10s\"\nheartbeatTimeout = \"1s\"\n",
			errMsg:   "must not be shorter than heartbeatInterval",
		},
		{
			name:     "bad log level",
			contents: "[log]\nlevel = \"loud\"\n",
			errMsg:   "log.level",
		},
		{
			name:     "not toml",
			contents: "this is not toml",
			errMsg:   "decoding",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.contents))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("caps.yaml", []byte("property_id: p1\nhost_id: h1\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, "p1", cfg.PropertyID)
	assert.Equal(t, "h1", cfg.HostID)
	assert.Equal(t, "caps.db", cfg.DatabasePath)
	assert.Equal(t, ":8420", cfg.Listen)
	assert.Equal(t, Locks{TTL: 300 * time.Second, SweepInterval: 30 * time.Second}, cfg.Locks)
	assert.Equal(t, Connectivity{
		HeartbeatInterval: 15 * time.Second,
		ProbeTimeout:      5 * time.Second,
		CloudMisses:       3,
		LANMisses:         3,
		PeerTimeout:       45 * time.Second,
		AlarmAfter:        5 * time.Minute,
	}, cfg.Connectivity)
	assert.Equal(t, Queue{BaseBackoff: 10 * time.Second, MaxAttempts: 12}, cfg.Queue)
	assert.Equal(t, Replay{Interval: 5 * time.Second, BatchSize: 50}, cfg.Replay)
	assert.Equal(t, Cloud{RequestTimeout: 10 * time.Second, MinVersion: 1}, cfg.Cloud)
}

func TestParse_Overrides(t *testing.T) {
	src := `
property_id: p1
host_id: h1
locks:
  ttl: 2m
connectivity:
  heartbeat_interval: 10s
  cloud_misses: 12
replay:
  batch_size: 5
`
	cfg, err := Parse("caps.yml", []byte(src), nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Locks.TTL)
	assert.Equal(t, 10*time.Second, cfg.Connectivity.HeartbeatInterval)
	assert.Equal(t, 12, cfg.Connectivity.CloudMisses)
	assert.Equal(t, 5, cfg.Replay.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Locks.SweepInterval)
}

func TestParse_CUE(t *testing.T) {
	src := `
property_id: "p1"
host_id:     "h1"
queue: max_attempts: 4
`
	cfg, err := Parse("caps.cue", []byte(src), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.MaxAttempts)
}

func TestParse_Env(t *testing.T) {
	src := "property_id: p1\nhost_id: h1\ncloud:\n  url: wss://file.example\n"
	cfg, err := Parse("caps.yaml", []byte(src), env(map[string]string{
		EnvDB:          "/tmp/other.db",
		EnvListen:      "127.0.0.1:9000",
		EnvCloudURL:    "wss://env.example",
		EnvCloudSecret: "s3cret",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "wss://env.example", cfg.Cloud.URL)
	assert.Equal(t, "s3cret", cfg.Cloud.Secret)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing property", "host_id: h1\n"},
		{"empty host", "property_id: p1\nhost_id: \"\"\n"},
		{"unknown field", "property_id: p1\nhost_id: h1\ncolour: blue\n"},
		{"unknown nested field", "property_id: p1\nhost_id: h1\nlocks:\n  tll: 5m\n"},
		{"bad duration", "property_id: p1\nhost_id: h1\nlocks:\n  ttl: five minutes\n"},
		{"zero duration", "property_id: p1\nhost_id: h1\nreplay:\n  interval: 0s\n"},
		{"threshold below one", "property_id: p1\nhost_id: h1\nconnectivity:\n  cloud_misses: 0\n"},
		{"timeout not below ttl", "property_id: p1\nhost_id: h1\nlocks:\n  ttl: 10s\ncloud:\n  request_timeout: 10s\n"},
		{"cloud without secret", "property_id: p1\nhost_id: h1\ncloud:\n  url: wss://x\n"},
		{"not yaml", "property_id: [p1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("caps.yaml", []byte(tt.src), nil)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "caps.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "prop-downtown", cfg.PropertyID)
	assert.Less(t, cfg.Cloud.RequestTimeout, cfg.Locks.TTL)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

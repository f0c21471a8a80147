package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadNodeConfigDefaults(t *testing.T) {
	cfg, err := LoadNodeConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultNodeConfig(), cfg)
	assert.Equal(t, 300*time.Second, cfg.TTL.Duration)
	assert.Equal(t, backendPeer, cfg.DHT)
}

func TestLoadNodeConfigMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
id = "node2"
cluster = "prod"
shard = 1
expected_shards = 4
peers = ["10.0.0.1:7000", "10.0.0.2:7000"]
ttl = "2m"

[redis]
addrs = ["127.0.0.1:6379"]
`)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node2", cfg.ID)
	assert.Equal(t, "prod", cfg.Cluster)
	assert.Equal(t, 1, cfg.ShardID)
	assert.Equal(t, 4, cfg.ExpectedShards)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.Peers)
	assert.Equal(t, 2*time.Minute, cfg.TTL.Duration)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)

	// Unset keys come from the defaults
	assert.Equal(t, 32, cfg.TotalLayers)
	assert.Equal(t, 60*time.Second, cfg.RefreshInterval.Duration)
	assert.Equal(t, 1, cfg.Quorum)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
}

func TestLoadNodeConfigErrors(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "open config")

	_, err = LoadNodeConfig(writeConfig(t, `shards = 3`))
	assert.ErrorContains(t, err, "decode config")

	_, err = LoadNodeConfig(writeConfig(t, `ttl = "soon"`))
	assert.ErrorContains(t, err, "decode config")
}

func TestApplyFlags(t *testing.T) {
	cfg, err := LoadNodeConfig(writeConfig(t, `
id = "from-file"
shard = 2
gpu = true
quorum = 2
`))
	require.NoError(t, err)

	flags := NodeConfig{
		ID:         "from-flag",
		ShardID:    0,
		GPU:        false,
		HopTimeout: Duration{time.Second},
	}
	changed := map[string]bool{"id": true, "shard": true, "gpu": true, "hop-timeout": true}
	require.NoError(t, cfg.ApplyFlags(flags, func(name string) bool { return changed[name] }))

	assert.Equal(t, "from-flag", cfg.ID)
	assert.Equal(t, 0, cfg.ShardID, "explicit --shard 0 overrides the file")
	assert.False(t, cfg.GPU, "explicit --gpu=false overrides the file")
	assert.Equal(t, time.Second, cfg.HopTimeout.Duration)
	assert.Equal(t, 2, cfg.Quorum, "unset flags keep the file value")
}

func TestValidate(t *testing.T) {
	valid := DefaultNodeConfig()
	valid.ID = "node1"
	valid.DataDir = t.TempDir()
	valid.ExpectedShards = 2
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *NodeConfig)
		want   string
	}{
		{"missing id", func(c *NodeConfig) { c.ID = "" }, "missing required flag: --id"},
		{"missing dir", func(c *NodeConfig) { c.DataDir = "" }, "missing required flag: --dir"},
		{"shard out of range", func(c *NodeConfig) { c.ShardID = 2 }, "--shard 2 is outside the 2 expected shards"},
		{"too many shards", func(c *NodeConfig) { c.ExpectedShards = 64 }, "--expected-shards must not exceed --total-layers"},
		{"unknown backend", func(c *NodeConfig) { c.DHT = "etcd" }, `unknown --dht backend "etcd"`},
		{"redis without addrs", func(c *NodeConfig) { c.DHT = backendRedis }, "--dht redis requires --redis-addrs"},
		{"refresh not shorter than ttl", func(c *NodeConfig) { c.RefreshInterval = c.TTL }, "--refresh-interval must be shorter than --ttl"},
		{"negative overlap", func(c *NodeConfig) { c.Overlap = -1 }, "--overlap must not be negative"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}

func TestValidateJoinsAllErrors(t *testing.T) {
	c := NodeConfig{DHT: backendPeer}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required flag: --id; missing required flag: --cluster")
	assert.Contains(t, err.Error(), "--total-layers must be positive")
}

func TestParsePeers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"127.0.0.1:7001", []string{"127.0.0.1:7001"}},
		{"a=127.0.0.1:7001, b=127.0.0.1:7002", []string{"127.0.0.1:7001", "127.0.0.1:7002"}},
		{" ,127.0.0.1:7001,,", []string{"127.0.0.1:7001"}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parsePeers(tc.in), "parsePeers(%q)", tc.in)
	}
}

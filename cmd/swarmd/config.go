package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
	"github.com/salahayoub/swarm/pkg/discovery"
	"github.com/salahayoub/swarm/pkg/fragment"
	"github.com/salahayoub/swarm/pkg/pipeline"
)

// DHT backends selectable with --dht.
const (
	backendPeer  = "peer"
	backendRedis = "redis"
)

// Duration is a time.Duration written as "30s" in TOML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// RedisConfig selects the redis backend's servers.
type RedisConfig struct {
	Addrs     []string `toml:"addrs"`
	Password  string   `toml:"password"`
	KeyPrefix string   `toml:"key_prefix"`
}

// NodeConfig holds everything `swarmd run` needs. Values come from the
// defaults, then the optional TOML file, then command-line flags.
type NodeConfig struct {
	ID             string   `toml:"id"`
	Cluster        string   `toml:"cluster"`
	Model          string   `toml:"model"`
	ShardID        int      `toml:"shard"`
	ExpectedShards int      `toml:"expected_shards"`
	TotalLayers    int      `toml:"total_layers"`
	Listen         string   `toml:"listen"`
	HTTP           string   `toml:"http"`
	DataDir        string   `toml:"dir"`
	Peers          []string `toml:"peers"`

	DHT         string      `toml:"dht"`
	Redis       RedisConfig `toml:"redis"`
	Quorum      int         `toml:"quorum"`
	Replication int         `toml:"replication"`

	TTL             Duration `toml:"ttl"`
	RefreshInterval Duration `toml:"refresh_interval"`
	PollInterval    Duration `toml:"poll_interval"`
	FallbackDelay   Duration `toml:"fallback_delay"`

	HopTimeout       Duration `toml:"hop_timeout"`
	FragmentTimeout  Duration `toml:"fragment_timeout"`
	FragmentAttempts int      `toml:"fragment_attempts"`
	Overlap          int      `toml:"overlap"`

	MaxConcurrent int    `toml:"max_concurrent"`
	MemoryMB      uint64 `toml:"memory_mb"`
	GPU           bool   `toml:"gpu"`
	GPUMemoryMB   uint64 `toml:"gpu_memory_mb"`

	// LoadDelay simulates the time it takes to load the local shard; the
	// node announces itself unloaded until it passes.
	LoadDelay Duration `toml:"load_delay"`
	// ExecDelay is added to every task the echo executor runs.
	ExecDelay Duration `toml:"exec_delay"`
}

// DefaultNodeConfig returns the built-in defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Cluster:          "swarm",
		Model:            "echo",
		TotalLayers:      32,
		Listen:           "127.0.0.1:7000",
		HTTP:             "127.0.0.1:8000",
		DHT:              backendPeer,
		Quorum:           1,
		Replication:      3,
		TTL:              Duration{discovery.DefaultTTL},
		RefreshInterval:  Duration{discovery.DefaultRefreshInterval},
		PollInterval:     Duration{discovery.DefaultPollInterval},
		FallbackDelay:    Duration{discovery.DefaultFallbackDelay},
		HopTimeout:       Duration{pipeline.DefaultHopTimeout},
		FragmentTimeout:  Duration{fragment.DefaultFragmentTimeout},
		FragmentAttempts: fragment.DefaultMaxAttempts,
	}
}

// LoadNodeConfig reads path (if any) and fills every unset field from the
// defaults. Unknown keys in the file are an error.
func LoadNodeConfig(path string) (NodeConfig, error) {
	defaults := DefaultNodeConfig()
	if path == "" {
		return defaults, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg NodeConfig
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return NodeConfig{}, fmt.Errorf("merge config defaults: %w", err)
	}
	return cfg, nil
}

// ApplyFlags copies the flag values the user actually set over c.
// Fields whose zero value is meaningful are copied explicitly; the rest
// go through mergo so only non-empty values override.
func (c *NodeConfig) ApplyFlags(flags NodeConfig, changed func(name string) bool) error {
	if err := mergo.Merge(c, flags, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge flags: %w", err)
	}
	if changed("shard") {
		c.ShardID = flags.ShardID
	}
	if changed("gpu") {
		c.GPU = flags.GPU
	}
	if changed("overlap") {
		c.Overlap = flags.Overlap
	}
	if changed("load-delay") {
		c.LoadDelay = flags.LoadDelay
	}
	return nil
}

// parsePeers splits a comma-separated peer list. Entries are either
// "host:port" or "id=host:port"; only the address is kept.
func parsePeers(peersStr string) []string {
	if peersStr == "" {
		return nil
	}
	parts := strings.Split(peersStr, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if idx := strings.Index(trimmed, "="); idx != -1 {
			trimmed = strings.TrimSpace(trimmed[idx+1:])
		}
		if trimmed != "" {
			peers = append(peers, trimmed)
		}
	}
	return peers
}

// Validate reports every problem in c at once.
func (c *NodeConfig) Validate() error {
	var errs []string

	if c.ID == "" {
		errs = append(errs, "missing required flag: --id")
	}
	if c.Cluster == "" {
		errs = append(errs, "missing required flag: --cluster")
	}
	if c.Listen == "" {
		errs = append(errs, "missing required flag: --listen")
	}
	if c.ShardID < 0 {
		errs = append(errs, "--shard must not be negative")
	}
	if c.ExpectedShards < 0 {
		errs = append(errs, "--expected-shards must not be negative")
	}
	if c.ExpectedShards > 0 && c.ShardID >= c.ExpectedShards {
		errs = append(errs, fmt.Sprintf("--shard %d is outside the %d expected shards", c.ShardID, c.ExpectedShards))
	}
	if c.TotalLayers <= 0 {
		errs = append(errs, "--total-layers must be positive")
	} else if c.ExpectedShards > c.TotalLayers {
		errs = append(errs, "--expected-shards must not exceed --total-layers")
	}

	switch c.DHT {
	case backendPeer:
		if c.DataDir == "" {
			errs = append(errs, "missing required flag: --dir")
		}
	case backendRedis:
		if len(c.Redis.Addrs) == 0 {
			errs = append(errs, "--dht redis requires --redis-addrs")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown --dht backend %q: expected peer or redis", c.DHT))
	}

	if c.RefreshInterval.Duration >= c.TTL.Duration {
		errs = append(errs, "--refresh-interval must be shorter than --ttl")
	}
	if c.Quorum < 0 {
		errs = append(errs, "--quorum must not be negative")
	}
	if c.Overlap < 0 {
		errs = append(errs, "--overlap must not be negative")
	}
	if c.MaxConcurrent < 0 {
		errs = append(errs, "--max-concurrent must not be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

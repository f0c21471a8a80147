package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestClusterManager_NodeArgs(t *testing.T) {
	cm := NewClusterManager(ClusterConfig{
		NodeCount:    3,
		BasePort:     7001,
		BaseHTTPPort: 8001,
		DataDir:      "data",
		ClusterName:  "demo",
		TotalLayers:  32,
		ExtraArgs:    []string{"--log-level", "debug"},
	})

	got := strings.Join(cm.NodeArgs(2), " ")
	want := "run --id node2 --cluster demo --shard 1 --expected-shards 3 --total-layers 32" +
		" --listen 127.0.0.1:7002 --http 127.0.0.1:8002 --dir " + filepath.Join("data", "node2") +
		" --peers 127.0.0.1:7001,127.0.0.1:7003 --log-level debug"
	if got != want {
		t.Errorf("NodeArgs(2) =\n  %s\nwant\n  %s", got, want)
	}
}

func TestClusterManager_StartFailure(t *testing.T) {
	cm := NewClusterManager(ClusterConfig{NodeCount: 2, BasePort: 7001, BaseHTTPPort: 8001, DataDir: t.TempDir(), ClusterName: "demo", TotalLayers: 32})
	cm.SetServerPath(filepath.Join(t.TempDir(), "no-such-binary"))

	err := cm.Start()
	var startErr *ClusterStartError
	if !errors.As(err, &startErr) || len(startErr.Errors) != 2 {
		t.Fatalf("Expected ClusterStartError with 2 errors, got %v", err)
	}
	if got := cm.FormatStartupStatus(); got != "Failed to start any nodes (2 failed)" {
		t.Errorf("Unexpected status %q", got)
	}
	if pool := cm.FetcherPool(); pool.NodeCount() != 0 {
		t.Errorf("Expected no fetchers for failed nodes, got %d", pool.NodeCount())
	}
	if err := cm.Start(); err == nil {
		t.Error("Expected second Start to fail")
	}
	if err := cm.Stop(); err != nil {
		t.Errorf("Stop with no running nodes failed: %v", err)
	}
}

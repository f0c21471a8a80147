package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.NotZero(t, stdout.Len(), "expected help output on stdout")
}

func TestRootCommand_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"nonexistent"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), `unknown command "nonexistent"`)
}

func TestSubcommandRegistration(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "infer", "job", "cluster", "dashboard"} {
		assert.True(t, names[want], "subcommand %q not registered", want)
	}
}

func TestRunCommand_ValidationErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "--cluster", "demo"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "missing required flag: --id; missing required flag: --dir")
}

func TestRunCommand_InvalidLogFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"status", "--log-format", "xml"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "invalid --log-format")
}

func TestClusterCommand_RejectsSize(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"cluster", "12", "--dir", t.TempDir()}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "cluster size must be between 2 and 9")
}

func newCLITestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.NodeStatusResponse{
			NodeID:           "node1",
			ClusterName:      "demo",
			LocalShardLoaded: true,
			DiscoveredShards: 1,
			ExpectedShards:   2,
			MissingShards:    []int{1},
			ShardStatuses: map[string]types.ShardStatus{
				"0": {ShardID: 0, Discovered: true, ShardLoaded: true, PeerID: "node1", IsLocal: true, Replicas: 1},
				"1": {ShardID: 1},
			},
		})
	})
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		var req types.InferenceRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, pipeline.Result{
			RequestID: "req-1",
			Output:    strings.ToUpper(req.Prompt),
			Hops:      []pipeline.ShardLatency{{ShardID: 0, NodeID: "node1", LatencyMs: 3, Attempts: 1}},
		})
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, APIError{Error: "fragment 2 failed", Kind: kindFragmentFailure})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	srv := newCLITestServer(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"status", "--addr", srv.URL}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "Node:     node1 (cluster demo)")
	assert.Contains(t, out, "Pipeline: NOT READY, 1/2 shards discovered")
	assert.Contains(t, out, "Missing:  1")
	assert.Contains(t, out, "  shard 0: node1 replicas=1 (local)")
	assert.Contains(t, out, "  shard 1: missing")
}

func TestStatusCommand_CapabilitiesNeedGRPC(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"status", "--capabilities"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "--capabilities requires --grpc")
}

func TestInferCommand(t *testing.T) {
	srv := newCLITestServer(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"infer", "--addr", srv.URL, "hello", "swarm"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "HELLO SWARM\n")
	assert.Contains(t, stdout.String(), "shard 0 on node1: 3ms (1 attempts)")
}

func TestJobCommand_ReportsFailure(t *testing.T) {
	srv := newCLITestServer(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"job", "--addr", srv.URL, "abc"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "job failed: fragment 2 failed")
}

func TestJobInput(t *testing.T) {
	raw, err := jobInput(`say "hi"`, false)
	require.NoError(t, err)
	assert.Equal(t, `"say \"hi\""`, string(raw))

	raw, err = jobInput(`[1, 2, 3]`, true)
	require.NoError(t, err)
	assert.Equal(t, `[1, 2, 3]`, string(raw))

	_, err = jobInput(`{"a":1}`, true)
	assert.Error(t, err)
	_, err = jobInput(`[]`, true)
	assert.Error(t, err)
}

func TestDashboardPool(t *testing.T) {
	pool, err := dashboardPool("127.0.0.1:8000, b=http://10.0.0.2:8000")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "node1"}, pool.NodeIDs())

	_, err = dashboardPool(" , ")
	assert.Error(t, err)
}

package tui

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NodeProcess is one spawned swarmd node.
type NodeProcess struct {
	ID       string
	ShardID  int
	Port     int
	HTTPPort int
	DataDir  string
	Cmd      *exec.Cmd
	Started  time.Time
	Error    error // set if the node failed to start
}

// HTTPAddr returns the node's API base URL.
func (n *NodeProcess) HTTPAddr() string {
	return fmt.Sprintf("http://127.0.0.1:%d", n.HTTPPort)
}

// ClusterConfig describes a local demo swarm.
type ClusterConfig struct {
	// NodeCount is the number of nodes; node i hosts shard i-1, so it is
	// also the pipeline length.
	NodeCount    int
	BasePort     int
	BaseHTTPPort int
	DataDir      string
	ClusterName  string
	TotalLayers  int
	// ExtraArgs are appended to every node's command line.
	ExtraArgs []string
}

// ClusterManager spawns and stops the node processes of a local swarm.
type ClusterManager struct {
	cfg        ClusterConfig
	serverPath string

	mu      sync.RWMutex
	nodes   []*NodeProcess
	started bool
}

// NewClusterManager creates a manager that re-executes the current binary.
func NewClusterManager(cfg ClusterConfig) *ClusterManager {
	serverPath, err := os.Executable()
	if err != nil {
		serverPath = "swarmd"
	}
	return &ClusterManager{cfg: cfg, serverPath: serverPath}
}

// SetServerPath overrides the executable that is spawned.
func (cm *ClusterManager) SetServerPath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.serverPath = path
}

// NodeArgs returns the command line for node i (1-based).
func (cm *ClusterManager) NodeArgs(i int) []string {
	c := cm.cfg
	var peers []string
	for j := 1; j <= c.NodeCount; j++ {
		if j != i {
			peers = append(peers, "127.0.0.1:"+strconv.Itoa(c.BasePort+j-1))
		}
	}

	args := []string{
		"run",
		"--id", fmt.Sprintf("node%d", i),
		"--cluster", c.ClusterName,
		"--shard", strconv.Itoa(i - 1),
		"--expected-shards", strconv.Itoa(c.NodeCount),
		"--total-layers", strconv.Itoa(c.TotalLayers),
		"--listen", "127.0.0.1:" + strconv.Itoa(c.BasePort+i-1),
		"--http", "127.0.0.1:" + strconv.Itoa(c.BaseHTTPPort+i-1),
		"--dir", filepath.Join(c.DataDir, fmt.Sprintf("node%d", i)),
	}
	if len(peers) > 0 {
		args = append(args, "--peers", strings.Join(peers, ","))
	}
	return append(args, c.ExtraArgs...)
}

// Start spawns every node. Nodes that fail are recorded and reported in
// a ClusterStartError; the rest keep running.
func (cm *ClusterManager) Start() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.started {
		return fmt.Errorf("cluster already started")
	}

	var startErrors []error
	for i := 1; i <= cm.cfg.NodeCount; i++ {
		args := cm.NodeArgs(i)
		np := &NodeProcess{
			ID:       fmt.Sprintf("node%d", i),
			ShardID:  i - 1,
			Port:     cm.cfg.BasePort + i - 1,
			HTTPPort: cm.cfg.BaseHTTPPort + i - 1,
			DataDir:  filepath.Join(cm.cfg.DataDir, fmt.Sprintf("node%d", i)),
		}
		cm.nodes = append(cm.nodes, np)

		if err := os.MkdirAll(np.DataDir, 0o755); err != nil {
			np.Error = fmt.Errorf("failed to create data directory for %s: %w", np.ID, err)
			startErrors = append(startErrors, np.Error)
			continue
		}

		cmd := exec.Command(cm.serverPath, args...)
		np.Cmd = cmd
		np.Started = time.Now()
		if err := cmd.Start(); err != nil {
			np.Error = fmt.Errorf("failed to start %s: %w", np.ID, err)
			startErrors = append(startErrors, np.Error)
		}
	}

	cm.started = true
	if len(startErrors) > 0 {
		return &ClusterStartError{Errors: startErrors}
	}
	return nil
}

// Stop interrupts every node and kills those still running after 5s.
func (cm *ClusterManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var stopErrors []error
	for _, node := range cm.nodes {
		if node.Cmd == nil || node.Cmd.Process == nil {
			continue
		}
		if err := node.Cmd.Process.Signal(os.Interrupt); err != nil {
			if killErr := node.Cmd.Process.Kill(); killErr != nil {
				stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", node.ID, killErr))
				continue
			}
		}

		done := make(chan error, 1)
		go func(cmd *exec.Cmd) { done <- cmd.Wait() }(node.Cmd)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if err := node.Cmd.Process.Kill(); err != nil {
				stopErrors = append(stopErrors, fmt.Errorf("failed to force kill %s: %w", node.ID, err))
			}
		}
	}

	cm.started = false
	if len(stopErrors) > 0 {
		return &ClusterStartError{Errors: stopErrors, Stopping: true}
	}
	return nil
}

// GetNodes returns a copy of the managed node list.
func (cm *ClusterManager) GetNodes() []*NodeProcess {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*NodeProcess(nil), cm.nodes...)
}

// FetcherPool builds a pool with one HTTP fetcher per started node.
func (cm *ClusterManager) FetcherPool() *FetcherPool {
	pool := NewFetcherPool()
	for _, n := range cm.GetNodes() {
		if n.Error == nil {
			pool.AddFetcher(n.ID, NewHTTPDataFetcher(n.HTTPAddr(), n.ID))
		}
	}
	return pool
}

// FormatStartupStatus summarizes how many nodes started.
func (cm *ClusterManager) FormatStartupStatus() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	failed := 0
	for _, node := range cm.nodes {
		if node.Error != nil {
			failed++
		}
	}
	successful := len(cm.nodes) - failed

	switch {
	case failed == 0:
		return fmt.Sprintf("All %d nodes started successfully", successful)
	case successful == 0:
		return fmt.Sprintf("Failed to start any nodes (%d failed)", failed)
	default:
		return fmt.Sprintf("Started %d/%d nodes (%d failed)", successful, cm.cfg.NodeCount, failed)
	}
}

// ClusterStartError collects the per-node errors of Start or Stop.
type ClusterStartError struct {
	Errors   []error
	Stopping bool
}

func (e *ClusterStartError) Error() string {
	op := "start"
	if e.Stopping {
		op = "stop"
	}
	switch len(e.Errors) {
	case 0:
		return "cluster " + op + " failed"
	case 1:
		return e.Errors[0].Error()
	default:
		return fmt.Sprintf("cluster %s failed with %d errors: %v", op, len(e.Errors), e.Errors[0])
	}
}

func (e *ClusterStartError) Unwrap() []error { return e.Errors }

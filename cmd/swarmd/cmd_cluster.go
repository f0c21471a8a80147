package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/salahayoub/swarm/pkg/tui"
	"github.com/spf13/cobra"
)

const (
	minClusterNodes = 2
	maxClusterNodes = 9
)

func newClusterCmd(_, stderr io.Writer) *cobra.Command {
	cfg := tui.ClusterConfig{
		BasePort:     7000,
		BaseHTTPPort: 8000,
		ClusterName:  "demo",
		TotalLayers:  32,
	}
	var extra string
	cmd := &cobra.Command{
		Use:   "cluster <nodes>",
		Short: "Spawn a local swarm and watch it in the dashboard",
		Long: `Spawn a local swarm of 2-9 nodes, node i hosting shard i-1, and open
the dashboard on it. Quitting the dashboard stops every node.

Examples:
  swarmd cluster 3 --dir /tmp/swarm
  swarmd cluster 4 --extra "--load-delay 5s --exec-delay 200ms"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < minClusterNodes || n > maxClusterNodes {
				return fmt.Errorf("cluster size must be between %d and %d", minClusterNodes, maxClusterNodes)
			}
			if cfg.DataDir == "" {
				return errors.New("missing required flag: --dir")
			}
			cfg.NodeCount = n
			cfg.ExtraArgs = strings.Fields(extra)
			return runCluster(cfg, commandLogger(cmd, stderr))
		},
	}
	cmd.Flags().StringVar(&cfg.DataDir, "dir", "", "Parent data directory for the nodes (required)")
	cmd.Flags().IntVar(&cfg.BasePort, "port", cfg.BasePort, "gRPC port of node 1; node i uses port+i-1")
	cmd.Flags().IntVar(&cfg.BaseHTTPPort, "http-port", cfg.BaseHTTPPort, "HTTP port of node 1; node i uses http-port+i-1")
	cmd.Flags().StringVar(&cfg.ClusterName, "cluster", cfg.ClusterName, "Cluster name")
	cmd.Flags().IntVar(&cfg.TotalLayers, "total-layers", cfg.TotalLayers, "Total model layers")
	cmd.Flags().StringVar(&extra, "extra", "", "Extra arguments passed to every node's run command")
	return cmd
}

// runCluster starts the nodes, runs the dashboard until it exits or the
// process is signalled, then stops the nodes.
func runCluster(cfg tui.ClusterConfig, log zerolog.Logger) error {
	log.Info().Int("nodes", cfg.NodeCount).Msg("starting cluster mode")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	mgr := tui.NewClusterManager(cfg)
	if err := mgr.Start(); err != nil {
		// Keep going with the nodes that did start
		log.Warn().Err(err).Msg("cluster startup incomplete")
	}
	log.Info().Msg(mgr.FormatStartupStatus())

	pool := mgr.FetcherPool()
	if pool.NodeCount() == 0 {
		return errors.New("failed to start any nodes in the cluster")
	}

	// Give nodes time to bind their ports
	time.Sleep(500 * time.Millisecond)

	runErr := runDashboard(pool, log)

	// Terminate every cluster node
	log.Info().Msg("stopping all cluster nodes")
	if err := mgr.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping cluster nodes")
		if runErr == nil {
			runErr = err
		}
	} else {
		log.Info().Msg("all cluster nodes stopped")
	}
	return runErr
}

// runDashboard runs the TUI over pool until it exits or the process is
// signalled.
func runDashboard(pool *tui.FetcherPool, log zerolog.Logger) error {
	app := tui.NewApp(pool)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("stopping TUI")
		app.Stop()
		return <-errCh
	}
}

func newDashboardCmd(_, stderr io.Writer) *cobra.Command {
	var nodes string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Watch running nodes in the terminal dashboard",
		Long: `Open the dashboard on nodes that are already running.

Each entry of --nodes is a base URL, optionally prefixed with an id.

Examples:
  swarmd dashboard --nodes http://127.0.0.1:8000
  swarmd dashboard --nodes a=http://10.0.0.1:8000,b=http://10.0.0.2:8000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := dashboardPool(nodes)
			if err != nil {
				return err
			}
			return runDashboard(pool, commandLogger(cmd, stderr))
		},
	}
	cmd.Flags().StringVar(&nodes, "nodes", "http://127.0.0.1:8000", "Comma-separated node URLs, url or id=url")
	return cmd
}

// dashboardPool builds a fetcher pool from a --nodes list. Entries
// without an id are named node1, node2, ... in order.
func dashboardPool(nodes string) (*tui.FetcherPool, error) {
	pool := tui.NewFetcherPool()
	for i, entry := range strings.Split(nodes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id := fmt.Sprintf("node%d", i+1)
		url := entry
		if idx := strings.Index(entry, "="); idx != -1 {
			id, url = strings.TrimSpace(entry[:idx]), strings.TrimSpace(entry[idx+1:])
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "http://" + url
		}
		pool.AddFetcher(id, tui.NewHTTPDataFetcher(url, id))
	}
	if pool.NodeCount() == 0 {
		return nil, errors.New("--nodes is empty")
	}
	return pool, nil
}

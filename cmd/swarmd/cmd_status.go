package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/salahayoub/swarm/pkg/transport"
	"github.com/salahayoub/swarm/pkg/tui"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/spf13/cobra"
)

const (
	cliPeerID      = "swarmd-cli"
	commandTimeout = 5 * time.Second
)

func newStatusCmd(stdout, _ io.Writer) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		asJSON   bool
		caps     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a node's view of the swarm",
		Long: `Show a node's view of the swarm: which shards are discovered and
loaded, whether the pipeline is ready, and the node's request counters.

The status is read from the node's HTTP API, or with --grpc sent as a
GET_NODE_STATUS command over the peer transport.

Examples:
  swarmd status --addr http://127.0.0.1:8000
  swarmd status --grpc 127.0.0.1:7000 --capabilities`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if caps {
				if grpcAddr == "" {
					return errors.New("--capabilities requires --grpc")
				}
				c, err := queryCapabilities(cmd.Context(), grpcAddr)
				if err != nil {
					return err
				}
				return writeIndented(stdout, c)
			}

			st, err := fetchStatus(cmd.Context(), addr, grpcAddr)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(stdout, st)
			}
			renderStatus(stdout, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "Node HTTP API base URL")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Query the node's gRPC address instead of HTTP")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status JSON")
	cmd.Flags().BoolVar(&caps, "capabilities", false, "Print the node's capabilities (requires --grpc)")
	return cmd
}

func fetchStatus(ctx context.Context, addr, grpcAddr string) (*types.NodeStatusResponse, error) {
	if grpcAddr != "" {
		var st types.NodeStatusResponse
		if err := sendQuery(ctx, grpcAddr, types.CommandGetNodeStatus, &st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	st, err := tui.NewHTTPDataFetcher(addr, "").FetchStatus()
	if err != nil {
		return nil, fmt.Errorf("fetching status from %s: %w", addr, err)
	}
	return st, nil
}

func queryCapabilities(ctx context.Context, grpcAddr string) (*types.Capabilities, error) {
	var c types.Capabilities
	if err := sendQuery(ctx, grpcAddr, types.CommandGetCapabilities, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// sendQuery sends a parameterless command to target and decodes the result.
func sendQuery(ctx context.Context, target, name string, out any) error {
	tr, err := transport.NewGRPCTransport("127.0.0.1:0")
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	resp, err := tr.SendCommand(ctx, target, types.NewCommand(name, uuid.NewString(), cliPeerID, ""))
	if err != nil {
		return fmt.Errorf("%s to %s: %w", name, target, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%s to %s: %s", name, target, resp.Error)
	}
	return resp.DecodeResult(out)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderStatus prints a status report for humans.
func renderStatus(w io.Writer, st *types.NodeStatusResponse) {
	ready := "NOT READY"
	if st.SwarmReady {
		ready = "READY"
	}
	loaded := "loaded"
	if !st.LocalShardLoaded {
		loaded = "not loaded"
	}

	fmt.Fprintf(w, "Node:     %s (cluster %s)\n", st.NodeID, st.ClusterName)
	fmt.Fprintf(w, "Shard:    %d (%s)\n", st.LocalShardID, loaded)
	fmt.Fprintf(w, "Pipeline: %s, %d/%d shards discovered\n", ready, st.DiscoveredShards, st.ExpectedShards)
	if len(st.MissingShards) > 0 {
		fmt.Fprintf(w, "Missing:  %s\n", joinInts(st.MissingShards))
	}

	keys := make([]int, 0, len(st.ShardStatuses))
	for k := range st.ShardStatuses {
		if id, err := strconv.Atoi(k); err == nil {
			keys = append(keys, id)
		}
	}
	sort.Ints(keys)
	for _, id := range keys {
		ss := st.ShardStatuses[strconv.Itoa(id)]
		switch {
		case !ss.Discovered:
			fmt.Fprintf(w, "  shard %d: missing\n", id)
		default:
			line := fmt.Sprintf("  shard %d: %s replicas=%d", id, ss.PeerID, ss.Replicas)
			if ss.IsLocal {
				line += " (local)"
			}
			if !ss.ShardLoaded {
				line += " [not loaded]"
			}
			fmt.Fprintln(w, line)
		}
	}

	r := st.Requests
	fmt.Fprintf(w, "Tasks:    %d total, %d ok, %d failed, %d active\n", r.Total, r.Successful, r.Failed, r.Active)
	p := st.Pipeline
	fmt.Fprintf(w, "Requests: %d total, %d ok, %d failed, avg %.0fms\n",
		p.TotalRequests, p.SuccessfulRequests, p.FailedRequests, p.AverageLatencyMs)
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

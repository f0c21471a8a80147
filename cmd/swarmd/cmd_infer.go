package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/tui"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/spf13/cobra"
)

func newInferCmd(stdout, _ io.Writer) *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "infer <prompt>",
		Short: "Run a prompt through the shard pipeline",
		Long: `Submit a prompt to a node, which runs it through every shard in order
and prints the final shard's output.

Examples:
  swarmd infer --addr http://127.0.0.1:8000 "hello swarm"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			res, err := tui.NewHTTPDataFetcher(addr, "").ExecuteInfer(prompt)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(stdout, res)
			}
			renderResult(stdout, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "Node HTTP API base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result JSON")
	return cmd
}

func renderResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintln(w, res.Output)
	fmt.Fprintf(w, "request %s: %d tokens in %dms\n", res.RequestID, res.TokensProcessed, res.LatencyMs)
	for _, h := range res.Hops {
		fmt.Fprintf(w, "  shard %d on %s: %dms (%d attempts)\n", h.ShardID, h.NodeID, h.LatencyMs, h.Attempts)
	}
}

func newJobCmd(stdout, _ io.Writer) *cobra.Command {
	var (
		addr      string
		fragments int
		array     bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "job <input>",
		Short: "Split a job into fragments and process them across the swarm",
		Long: `Submit a job whose input is split into fragments, processed in parallel
on capable nodes, and merged back in order.

The input is text, or with --array a JSON array whose items are split.

Examples:
  swarmd job --fragments 3 "a long document"
  swarmd job --array '[1,2,3,4,5]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := jobInput(args[0], array)
			if err != nil {
				return err
			}
			res, err := tui.NewHTTPDataFetcher(addr, "").SubmitJob(types.Job{Input: input}, fragments)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(stdout, res)
			}
			fmt.Fprintln(stdout, res.CombinedOutput)
			fmt.Fprintf(stdout, "job %s: %d fragments, %d tokens, %dms total processing\n",
				res.JobID, res.FragmentsProcessed, res.TotalTokens, res.TotalProcessingTimeMs)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "Node HTTP API base URL")
	cmd.Flags().IntVar(&fragments, "fragments", defaultFragments, "Number of fragments")
	cmd.Flags().BoolVar(&array, "array", false, "Treat the input as a JSON array")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result JSON")
	return cmd
}

// jobInput encodes a command-line argument as a job input.
func jobInput(arg string, array bool) (json.RawMessage, error) {
	if !array {
		return json.Marshal(arg)
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(arg), &items); err != nil {
		return nil, fmt.Errorf("--array input is not a JSON array: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("--array input is empty")
	}
	return json.RawMessage(arg), nil
}

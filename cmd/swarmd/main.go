// swarmd runs a swarm node and the tools that talk to one.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit signals a non-zero exit after the command already reported
// its error.
var errExit = errors.New("exit")

// run executes the swarmd CLI with the given args.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "swarmd: %v\n", err)
		}
		return 1
	}
	return 0
}

// newRootCmd creates the root command with all subcommands.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmd",
		Short:         "Shard discovery and pipeline coordination for a sharded model swarm",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "swarmd: unknown command %q\n", args[0])
			return errExit
		},
	}
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "console", "Log format: console or json")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		_, err := newLogger(stderr, level, format)
		return err
	}
	root.AddCommand(
		newRunCmd(stdout, stderr),
		newStatusCmd(stdout, stderr),
		newInferCmd(stdout, stderr),
		newJobCmd(stdout, stderr),
		newClusterCmd(stdout, stderr),
		newDashboardCmd(stdout, stderr),
	)
	return root
}

// newLogger builds the process logger from --log-level and --log-format.
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	switch format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid --log-format %q: must be console or json", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// commandLogger returns the logger configured by the persistent flags.
func commandLogger(cmd *cobra.Command, stderr io.Writer) zerolog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	log, err := newLogger(stderr, level, format)
	if err != nil {
		return zerolog.Nop()
	}
	return log
}

package tui

import (
	"errors"
	"strings"
)

// CommandType represents the type of command.
type CommandType int

const (
	CommandInfer CommandType = iota
	CommandNode
	CommandHelp
)

// String returns a human-readable representation of the CommandType.
func (c CommandType) String() string {
	switch c {
	case CommandInfer:
		return "INFER"
	case CommandNode:
		return "NODE"
	case CommandHelp:
		return "HELP"
	default:
		return "UNKNOWN"
	}
}

// Command is a parsed command line.
type Command struct {
	Type CommandType
	// Arg is the prompt for INFER and the node id for NODE.
	Arg string
}

// Common parsing errors.
var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command: expected INFER, NODE or HELP")
	ErrMissingPrompt  = errors.New("missing prompt")
	ErrMissingNode    = errors.New("missing node id")
)

// helpText lists the commands the command panel accepts.
const helpText = "infer <prompt> | node <id> | help"

// ParseCommand parses a command line. Supported syntax:
//   - "INFER prompt text" submits the rest of the line as a prompt
//   - "NODE id" switches the dashboard to another node
//   - "HELP"
//
// Command names are case-insensitive.
func ParseCommand(input string) (*Command, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyCommand
	}

	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(name) {
	case "INFER":
		if rest == "" {
			return nil, ErrMissingPrompt
		}
		return &Command{Type: CommandInfer, Arg: rest}, nil
	case "NODE":
		if rest == "" {
			return nil, ErrMissingNode
		}
		return &Command{Type: CommandNode, Arg: strings.Fields(rest)[0]}, nil
	case "HELP":
		return &Command{Type: CommandHelp}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command names understood by swarm nodes.
const (
	CommandExecuteTask     = "EXECUTE_TASK"
	CommandGetNodeStatus   = "GET_NODE_STATUS"
	CommandGetCapabilities = "GET_CAPABILITIES"
)

// TaskTypeLlamaFragment is the task_type of both pipeline hops and split fragments.
const TaskTypeLlamaFragment = "llama_fragment"

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Validation limits applied at the message boundary.
const (
	MaxInputBytes    = 1_000_000
	MaxTokensLimit   = 100_000
	MaxShardID       = 1000
	MaxTemperature   = 2.0
	maxTimestampAge  = 5 * time.Minute
	maxTimestampSkew = time.Minute
)

var (
	// ErrInvalidCommand is returned when a command fails boundary validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnknownTaskType is returned for EXECUTE_TASK with an unsupported task_type.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Command is a request sent between peers.
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp int64           `json:"timestamp"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response answers a Command.
type Response struct {
	RequestID string          `json:"request_id"`
	From      string          `json:"from,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// GenerationParams are the sampling knobs carried by every task.
type GenerationParams struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// Task is the parsed form of a command. Exactly one of the variant types
// below implements it.
type Task interface {
	taskKind() string
}

// HopTask runs one shard's layers as part of a pipeline request.
type HopTask struct {
	ShardID         int
	LayerStart      int
	LayerEnd        int
	IsFinalShard    bool
	PreviousShardID *int
	InputData       string
	Params          GenerationParams
}

// FragmentTask processes one slice of a split job.
type FragmentTask struct {
	FragmentID         string
	JobID              string
	FragmentIndex      int
	TotalFragments     int
	ContextWindowStart int
	ContextWindowEnd   int
	InputData          string
	Params             GenerationParams
}

// StatusQuery asks for the node's local view of the swarm.
type StatusQuery struct{}

// CapabilitiesQuery asks for the node's resource snapshot.
type CapabilitiesQuery struct{}

func (HopTask) taskKind() string           { return "hop" }
func (FragmentTask) taskKind() string      { return "fragment" }
func (StatusQuery) taskKind() string       { return "status" }
func (CapabilitiesQuery) taskKind() string { return "capabilities" }

// hopParams and fragmentParams are the wire shapes of the two task variants.
type hopParams struct {
	TaskType        string `json:"task_type"`
	ShardID         int    `json:"shard_id"`
	LayerStart      int    `json:"layer_start"`
	LayerEnd        int    `json:"layer_end"`
	IsFinalShard    bool   `json:"is_final_shard"`
	PreviousShardID *int   `json:"previous_shard_id,omitempty"`
	InputData       string `json:"input_data"`
	GenerationParams
}

type fragmentParams struct {
	TaskType           string `json:"task_type"`
	FragmentID         string `json:"fragment_id"`
	JobID              string `json:"job_id"`
	FragmentIndex      int    `json:"fragment_index"`
	TotalFragments     int    `json:"total_fragments"`
	ContextWindowStart int    `json:"context_window_start"`
	ContextWindowEnd   int    `json:"context_window_end"`
	InputData          string `json:"input_data"`
	GenerationParams
}

// taskParams is used only for parsing; pointers record field presence.
type taskParams struct {
	TaskType           string   `json:"task_type"`
	InputData          *string  `json:"input_data"`
	ShardID            *int     `json:"shard_id"`
	LayerStart         *int     `json:"layer_start"`
	LayerEnd           *int     `json:"layer_end"`
	IsFinalShard       bool     `json:"is_final_shard"`
	PreviousShardID    *int     `json:"previous_shard_id"`
	FragmentID         *string  `json:"fragment_id"`
	JobID              string   `json:"job_id"`
	FragmentIndex      *int     `json:"fragment_index"`
	TotalFragments     *int     `json:"total_fragments"`
	ContextWindowStart int      `json:"context_window_start"`
	ContextWindowEnd   int      `json:"context_window_end"`
	MaxTokens          *int     `json:"max_tokens"`
	Temperature        *float64 `json:"temperature"`
	TopP               *float64 `json:"top_p"`
}

// NewCommand builds a command stamped with the current time.
func NewCommand(name, requestID, from, to string) *Command {
	return &Command{
		Command:   name,
		RequestID: requestID,
		From:      from,
		To:        to,
		Timestamp: time.Now().Unix(),
	}
}

// NewHopCommand builds an EXECUTE_TASK command for a pipeline hop.
func NewHopCommand(requestID, from, to string, hop HopTask) (*Command, error) {
	cmd := NewCommand(CommandExecuteTask, requestID, from, to)
	raw, err := json.Marshal(hopParams{
		TaskType:         TaskTypeLlamaFragment,
		ShardID:          hop.ShardID,
		LayerStart:       hop.LayerStart,
		LayerEnd:         hop.LayerEnd,
		IsFinalShard:     hop.IsFinalShard,
		PreviousShardID:  hop.PreviousShardID,
		InputData:        hop.InputData,
		GenerationParams: hop.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode hop params: %w", err)
	}
	cmd.Params = raw
	return cmd, nil
}

// NewFragmentCommand builds an EXECUTE_TASK command for one job fragment.
func NewFragmentCommand(requestID, from, to string, frag FragmentTask) (*Command, error) {
	cmd := NewCommand(CommandExecuteTask, requestID, from, to)
	raw, err := json.Marshal(fragmentParams{
		TaskType:           TaskTypeLlamaFragment,
		FragmentID:         frag.FragmentID,
		JobID:              frag.JobID,
		FragmentIndex:      frag.FragmentIndex,
		TotalFragments:     frag.TotalFragments,
		ContextWindowStart: frag.ContextWindowStart,
		ContextWindowEnd:   frag.ContextWindowEnd,
		InputData:          frag.InputData,
		GenerationParams:   frag.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode fragment params: %w", err)
	}
	cmd.Params = raw
	return cmd, nil
}

// Validate checks the envelope fields. now is the receiver's clock; the
// timestamp may lag it by five minutes or lead it by one.
func (c *Command) Validate(now time.Time) error {
	switch {
	case c.Command == "":
		return fmt.Errorf("%w: missing command", ErrInvalidCommand)
	case c.RequestID == "":
		return fmt.Errorf("%w: missing request_id", ErrInvalidCommand)
	case c.From == "":
		return fmt.Errorf("%w: missing from", ErrInvalidCommand)
	}

	ts := time.Unix(c.Timestamp, 0)
	if ts.After(now.Add(maxTimestampSkew)) {
		return fmt.Errorf("%w: timestamp %d is too far in the future", ErrInvalidCommand, c.Timestamp)
	}
	if ts.Before(now.Add(-maxTimestampAge)) {
		return fmt.Errorf("%w: timestamp %d is too far in the past", ErrInvalidCommand, c.Timestamp)
	}
	return nil
}

// ParseTask validates the command and decodes its params into a Task.
// This is the only place untyped params are inspected.
func ParseTask(c *Command, now time.Time) (Task, error) {
	if err := c.Validate(now); err != nil {
		return nil, err
	}

	switch c.Command {
	case CommandGetNodeStatus:
		return StatusQuery{}, nil
	case CommandGetCapabilities:
		return CapabilitiesQuery{}, nil
	case CommandExecuteTask:
		return parseExecuteTask(c.Params)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, c.Command)
	}
}

func parseExecuteTask(raw json.RawMessage) (Task, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: EXECUTE_TASK without params", ErrInvalidCommand)
	}
	var p taskParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed params: %v", ErrInvalidCommand, err)
	}

	if p.TaskType == "" {
		return nil, fmt.Errorf("%w: missing task_type", ErrInvalidCommand)
	}
	if p.TaskType != TaskTypeLlamaFragment {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, p.TaskType)
	}
	if p.InputData == nil {
		return nil, fmt.Errorf("%w: missing input_data", ErrInvalidCommand)
	}
	if len(*p.InputData) > MaxInputBytes {
		return nil, fmt.Errorf("%w: input_data length %d exceeds %d bytes", ErrInvalidCommand, len(*p.InputData), MaxInputBytes)
	}

	gen, err := p.generationParams()
	if err != nil {
		return nil, err
	}

	switch {
	case p.ShardID != nil:
		return p.hopTask(gen)
	case p.FragmentID != nil:
		return p.fragmentTask(gen)
	default:
		return nil, fmt.Errorf("%w: llama_fragment needs shard_id or fragment_id", ErrInvalidCommand)
	}
}

func (p *taskParams) generationParams() (GenerationParams, error) {
	var g GenerationParams
	if p.MaxTokens != nil {
		if *p.MaxTokens <= 0 || *p.MaxTokens > MaxTokensLimit {
			return g, fmt.Errorf("%w: max_tokens %d must be between 1 and %d", ErrInvalidCommand, *p.MaxTokens, MaxTokensLimit)
		}
		g.MaxTokens = *p.MaxTokens
	}
	if p.Temperature != nil {
		if *p.Temperature < 0 || *p.Temperature > MaxTemperature {
			return g, fmt.Errorf("%w: temperature %v must be between 0 and %v", ErrInvalidCommand, *p.Temperature, MaxTemperature)
		}
		g.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		if *p.TopP < 0 || *p.TopP > 1 {
			return g, fmt.Errorf("%w: top_p %v must be between 0 and 1", ErrInvalidCommand, *p.TopP)
		}
		g.TopP = *p.TopP
	}
	return g, nil
}

func (p *taskParams) hopTask(gen GenerationParams) (Task, error) {
	if *p.ShardID < 0 || *p.ShardID > MaxShardID {
		return nil, fmt.Errorf("%w: shard_id %d out of range", ErrInvalidCommand, *p.ShardID)
	}
	if p.LayerStart == nil || p.LayerEnd == nil {
		return nil, fmt.Errorf("%w: hop needs layer_start and layer_end", ErrInvalidCommand)
	}
	if *p.LayerStart >= *p.LayerEnd {
		return nil, fmt.Errorf("%w: layer_start %d must be below layer_end %d", ErrInvalidCommand, *p.LayerStart, *p.LayerEnd)
	}
	return HopTask{
		ShardID:         *p.ShardID,
		LayerStart:      *p.LayerStart,
		LayerEnd:        *p.LayerEnd,
		IsFinalShard:    p.IsFinalShard,
		PreviousShardID: p.PreviousShardID,
		InputData:       *p.InputData,
		Params:          gen,
	}, nil
}

func (p *taskParams) fragmentTask(gen GenerationParams) (Task, error) {
	if p.FragmentIndex == nil || p.TotalFragments == nil {
		return nil, fmt.Errorf("%w: fragment needs fragment_index and total_fragments", ErrInvalidCommand)
	}
	if *p.TotalFragments <= 0 || *p.FragmentIndex < 0 || *p.FragmentIndex >= *p.TotalFragments {
		return nil, fmt.Errorf("%w: fragment_index %d out of range for %d fragments", ErrInvalidCommand, *p.FragmentIndex, *p.TotalFragments)
	}
	if p.ContextWindowStart > p.ContextWindowEnd {
		return nil, fmt.Errorf("%w: context window [%d,%d) is inverted", ErrInvalidCommand, p.ContextWindowStart, p.ContextWindowEnd)
	}
	return FragmentTask{
		FragmentID:         *p.FragmentID,
		JobID:              p.JobID,
		FragmentIndex:      *p.FragmentIndex,
		TotalFragments:     *p.TotalFragments,
		ContextWindowStart: p.ContextWindowStart,
		ContextWindowEnd:   p.ContextWindowEnd,
		InputData:          *p.InputData,
		Params:             gen,
	}, nil
}

// TaskResult is the result payload of a successful EXECUTE_TASK.
type TaskResult struct {
	Output           string `json:"output"`
	TokensProcessed  int    `json:"tokens_processed"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	ShardID          *int   `json:"shard_id,omitempty"`
	FragmentIndex    *int   `json:"fragment_index,omitempty"`
	NodeID           string `json:"node_id,omitempty"`
}

// NewSuccessResponse encodes result as the response payload.
func NewSuccessResponse(c *Command, from string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Response{
		RequestID: c.RequestID,
		From:      from,
		Status:    StatusSuccess,
		Result:    raw,
		Timestamp: time.Now().Unix(),
	}, nil
}

// NewErrorResponse reports err back to the sender of c.
func NewErrorResponse(c *Command, from string, err error) *Response {
	return &Response{
		RequestID: c.RequestID,
		From:      from,
		Status:    StatusError,
		Error:     err.Error(),
		Timestamp: time.Now().Unix(),
	}
}

// OK reports whether the response carries a successful result.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// DecodeResult unmarshals the result payload into v.
func (r *Response) DecodeResult(v any) error {
	if !r.OK() {
		return fmt.Errorf("response %s: %s", r.RequestID, r.Error)
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response %s has no result", r.RequestID)
	}
	return json.Unmarshal(r.Result, v)
}

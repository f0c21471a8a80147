package types

import (
	"encoding/json"
	"time"
)

// Defaults for inference requests that leave sampling fields unset.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

// InferenceRequest is one call into the shard pipeline.
type InferenceRequest struct {
	RequestID   string    `json:"request_id,omitempty"`
	Prompt      string    `json:"prompt"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Priority    int       `json:"priority,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// WithDefaults fills unset sampling fields.
func (r InferenceRequest) WithDefaults() InferenceRequest {
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.TopP == 0 {
		r.TopP = DefaultTopP
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return r
}

// GenerationParams returns the sampling knobs carried to each hop.
func (r InferenceRequest) GenerationParams() GenerationParams {
	return GenerationParams{MaxTokens: r.MaxTokens, Temperature: r.Temperature, TopP: r.TopP}
}

// Job is an oversized unit of work to be split into fragments. Input is
// either a JSON string (split by characters) or a JSON array (split by items).
type Job struct {
	JobID  string           `json:"job_id,omitempty"`
	Input  json.RawMessage  `json:"input"`
	Params GenerationParams `json:"params"`
}

// Fragment is one immutable slice of a job.
type Fragment struct {
	FragmentID         string           `json:"fragment_id"`
	JobID              string           `json:"job_id"`
	FragmentIndex      int              `json:"fragment_index"`
	TotalFragments     int              `json:"total_fragments"`
	InputData          string           `json:"input_data"`
	ContextWindowStart int              `json:"context_window_start"`
	ContextWindowEnd   int              `json:"context_window_end"`
	Params             GenerationParams `json:"params"`
}

// Task converts the fragment into the task carried on the wire.
func (f Fragment) Task() FragmentTask {
	return FragmentTask{
		FragmentID:         f.FragmentID,
		JobID:              f.JobID,
		FragmentIndex:      f.FragmentIndex,
		TotalFragments:     f.TotalFragments,
		ContextWindowStart: f.ContextWindowStart,
		ContextWindowEnd:   f.ContextWindowEnd,
		InputData:          f.InputData,
		Params:             f.Params,
	}
}

// FragmentResult is the output one node produced for one fragment.
type FragmentResult struct {
	JobID            string `json:"job_id"`
	FragmentIndex    int    `json:"fragment_index"`
	Output           string `json:"output"`
	TokensGenerated  int    `json:"tokens_generated"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	NodeID           string `json:"node_id"`
}

// JobResult is the ordered merge of every fragment result of a job.
type JobResult struct {
	JobID                 string   `json:"job_id"`
	CombinedOutput        string   `json:"combined_output"`
	FragmentOutputs       []string `json:"fragment_outputs"`
	TotalTokens           int      `json:"total_tokens"`
	TotalProcessingTimeMs int64    `json:"total_processing_time_ms"`
	FragmentsProcessed    int      `json:"fragments_processed"`
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/salahayoub/swarm/pkg/fragment"
	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
)

const (
	defaultRecentRequests = 10
	maxRecentRequests     = 100
	defaultFragments      = 4
	maxBodyBytes          = 4 << 20
)

// Error kinds in API error bodies.
const (
	kindInvalidRequest  = "invalid_request"
	kindNotReady        = "not_ready"
	kindShardTimeout    = "shard_timeout"
	kindShardFailure    = "shard_failure"
	kindReplicasGone    = "all_replicas_exhausted"
	kindFragmentFailure = "fragment_failure"
	kindNoCapableNodes  = "no_capable_nodes"
	kindCancelled       = "cancelled"
	kindNotFound        = "not_found"
	kindInternal        = "internal"
)

// StatusSource reports the local node's status. *node.Node implements it.
type StatusSource interface {
	Status() types.NodeStatusResponse
}

// Submitter runs inference requests. *pipeline.Coordinator implements it.
type Submitter interface {
	Submit(ctx context.Context, req types.InferenceRequest) (*pipeline.Result, error)
	Get(requestID string) (*pipeline.Request, bool)
	Requests() []*pipeline.Request
}

// JobRunner runs fragmented jobs. *fragment.Distributor implements it.
type JobRunner interface {
	Run(ctx context.Context, job types.Job, n int) (*types.JobResult, error)
}

// APIError is the body of every non-2xx response.
type APIError struct {
	Error           string `json:"error"`
	Kind            string `json:"kind"`
	ShardID         *int   `json:"shard_id,omitempty"`
	FragmentIndex   *int   `json:"fragment_index,omitempty"`
	MissingShards   []int  `json:"missing_shards,omitempty"`
	ShardsNotLoaded []int  `json:"shards_not_loaded,omitempty"`
}

// classifyError maps a pipeline or fragment error to an HTTP status and
// an error body naming the shard or fragment at fault.
func classifyError(err error) (int, APIError) {
	body := APIError{Error: err.Error(), Kind: kindInternal}
	code := http.StatusInternalServerError

	var notReady *pipeline.NotReadyError
	var frag *fragment.FragmentFailureError
	switch {
	case errors.As(err, &notReady):
		body.Kind = kindNotReady
		body.MissingShards = notReady.Missing
		body.ShardsNotLoaded = notReady.NotLoaded
		code = http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrAllReplicasExhausted):
		body.Kind = kindReplicasGone
		code = http.StatusBadGateway
	case errors.Is(err, pipeline.ErrShardFailure):
		// Terminal even when the last attempt timed out
		body.Kind = kindShardFailure
		code = http.StatusBadGateway
	case errors.Is(err, pipeline.ErrShardTimeout):
		body.Kind = kindShardTimeout
		code = http.StatusGatewayTimeout
	case errors.As(err, &frag):
		body.Kind = kindFragmentFailure
		idx := frag.FragmentIndex
		body.FragmentIndex = &idx
		code = http.StatusBadGateway
	case errors.Is(err, fragment.ErrNoCapableNodes):
		body.Kind = kindNoCapableNodes
		code = http.StatusServiceUnavailable
	case errors.Is(err, fragment.ErrSplit):
		body.Kind = kindInvalidRequest
		code = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		body.Kind = kindCancelled
		code = http.StatusServiceUnavailable
	}

	if shard, ok := pipeline.FailedShard(err); ok {
		body.ShardID = &shard
	}
	return code, body
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, APIError{Error: msg, Kind: kind})
}

func writeFailure(w http.ResponseWriter, err error) {
	code, body := classifyError(err)
	writeJSON(w, code, body)
}

// StatusHandler serves GET /status.
type StatusHandler struct {
	src StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.src.Status())
}

// InferHandler serves POST /infer. The request runs to completion on the
// handler goroutine; a client disconnect cancels it.
type InferHandler struct {
	pipeline Submitter
}

// NewInferHandler creates an InferHandler.
func NewInferHandler(p Submitter) *InferHandler {
	return &InferHandler{pipeline: p}
}

func (h *InferHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.InferenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "prompt is required")
		return
	}

	res, err := h.pipeline.Submit(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// JobsHandler serves POST /jobs?fragments=n.
type JobsHandler struct {
	jobs JobRunner
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(j JobRunner) *JobsHandler {
	return &JobsHandler{jobs: j}
}

func (h *JobsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := defaultFragments
	if v := r.URL.Query().Get("fragments"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "fragments must be a positive integer")
			return
		}
		n = parsed
	}

	var job types.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "invalid job body: "+err.Error())
		return
	}

	res, err := h.jobs.Run(r.Context(), job, n)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RequestsHandler serves GET /requests?count=n (newest first) and
// GET /requests/{id}.
type RequestsHandler struct {
	pipeline Submitter
}

// NewRequestsHandler creates a RequestsHandler.
func NewRequestsHandler(p Submitter) *RequestsHandler {
	return &RequestsHandler{pipeline: p}
}

func (h *RequestsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/requests"), "/")
	if id != "" {
		req, ok := h.pipeline.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, kindNotFound, "request "+id+" not found")
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}

	count := defaultRecentRequests
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "count must be a positive integer")
			return
		}
		count = min(parsed, maxRecentRequests)
	}

	reqs := h.pipeline.Requests()
	if len(reqs) > count {
		reqs = reqs[:count]
	}
	if reqs == nil {
		reqs = []*pipeline.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// newAPIMux routes the node's HTTP API.
func newAPIMux(status StatusSource, p Submitter, jobs JobRunner) *http.ServeMux {
	requests := NewRequestsHandler(p)
	mux := http.NewServeMux()
	mux.Handle("/status", NewStatusHandler(status))
	mux.Handle("/infer", NewInferHandler(p))
	mux.Handle("/jobs", NewJobsHandler(jobs))
	mux.Handle("/requests", requests)
	mux.Handle("/requests/", requests)
	return mux
}

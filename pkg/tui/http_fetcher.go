package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
)

// HTTPDataFetcher implements DataFetcher against a node's HTTP API.
type HTTPDataFetcher struct {
	baseURL string
	nodeID  string
	client  *http.Client
	// Inference runs every hop, so it gets a longer timeout than polling.
	inferClient *http.Client

	mu         sync.RWMutex
	connected  bool
	lastStatus *types.NodeStatusResponse
}

// NewHTTPDataFetcher creates a fetcher for the node at baseURL
// (e.g. "http://localhost:8001").
func NewHTTPDataFetcher(baseURL string, nodeID string) *HTTPDataFetcher {
	return &HTTPDataFetcher{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		nodeID:      nodeID,
		client:      &http.Client{Timeout: 2 * time.Second},
		inferClient: &http.Client{Timeout: 2 * time.Minute},
		connected:   true,
	}
}

// FetchStatus retrieves GET /status. While the node is unreachable the
// last good status is returned alongside the error.
func (f *HTTPDataFetcher) FetchStatus() (*types.NodeStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st types.NodeStatusResponse
	if err := f.getJSON("/status", &st); err != nil {
		f.connected = false
		return f.lastStatus, err
	}
	f.connected = true
	f.lastStatus = &st
	return &st, nil
}

// FetchRecentRequests retrieves GET /requests.
func (f *HTTPDataFetcher) FetchRecentRequests(count int) ([]*pipeline.Request, error) {
	var reqs []*pipeline.Request
	if err := f.getJSON(fmt.Sprintf("/requests?count=%d", count), &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (f *HTTPDataFetcher) getJSON(path string, out any) error {
	resp, err := f.client.Get(f.baseURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// ExecuteInfer posts the prompt to POST /infer.
func (f *HTTPDataFetcher) ExecuteInfer(prompt string) (*pipeline.Result, error) {
	var res pipeline.Result
	if err := f.postJSON("/infer", "inference", types.InferenceRequest{Prompt: prompt}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitJob posts job to POST /jobs, split into n fragments.
func (f *HTTPDataFetcher) SubmitJob(job types.Job, n int) (*types.JobResult, error) {
	var res types.JobResult
	if err := f.postJSON(fmt.Sprintf("/jobs?fragments=%d", n), "job", job, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// postJSON posts in and decodes a 200 reply into out. An error body
// written by the node becomes "<what> failed: <message>".
func (f *HTTPDataFetcher) postJSON(path, what string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := f.inferClient.Post(f.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s failed: %s", what, apiErr.Error)
		}
		return fmt.Errorf("%s failed: %d %s", what, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// IsConnected returns whether the last status fetch succeeded.
func (f *HTTPDataFetcher) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Reconnect checks GET /status once.
func (f *HTTPDataFetcher) Reconnect() error {
	_, err := f.FetchStatus()
	return err
}

// NodeID returns the id of the node this fetcher watches.
func (f *HTTPDataFetcher) NodeID() string {
	return f.nodeID
}

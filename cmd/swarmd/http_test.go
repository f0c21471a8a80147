package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/salahayoub/swarm/pkg/fragment"
	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	st types.NodeStatusResponse
}

func (f fakeStatus) Status() types.NodeStatusResponse { return f.st }

type fakeSubmitter struct {
	err      error
	requests []*pipeline.Request
	got      types.InferenceRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req types.InferenceRequest) (*pipeline.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{RequestID: "req-1", Output: req.Prompt, Hops: []pipeline.ShardLatency{{ShardID: 0, NodeID: "a"}}}, nil
}

func (f *fakeSubmitter) Get(id string) (*pipeline.Request, bool) {
	for _, r := range f.requests {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

func (f *fakeSubmitter) Requests() []*pipeline.Request { return f.requests }

type fakeJobs struct {
	err   error
	gotN  int
	input string
}

func (f *fakeJobs) Run(_ context.Context, job types.Job, n int) (*types.JobResult, error) {
	f.gotN = n
	f.input = string(job.Input)
	if f.err != nil {
		return nil, f.err
	}
	return &types.JobResult{JobID: "job-1", CombinedOutput: "merged", FragmentsProcessed: n}, nil
}

func newTestAPI(sub *fakeSubmitter, jobs *fakeJobs) *httptest.Server {
	status := fakeStatus{st: types.NodeStatusResponse{NodeID: "node1", ExpectedShards: 2, SwarmReady: true}}
	return httptest.NewServer(newAPIMux(status, sub, jobs))
}

func decodeAPIError(t *testing.T, resp *http.Response) APIError {
	t.Helper()
	var body APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestAPI(&fakeSubmitter{}, &fakeJobs{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st types.NodeStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "node1", st.NodeID)
	assert.True(t, st.SwarmReady)

	post, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestInferEndpoint(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestAPI(sub, &fakeJobs{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/infer", "application/json", strings.NewReader(`{"prompt":"hello","max_tokens":16}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res pipeline.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, 16, sub.got.MaxTokens)
}

func TestInferEndpointRejectsBadInput(t *testing.T) {
	srv := newTestAPI(&fakeSubmitter{}, &fakeJobs{})
	defer srv.Close()

	for _, body := range []string{`{`, `{"prompt":"   "}`} {
		resp, err := http.Post(srv.URL+"/infer", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		apiErr := decodeAPIError(t, resp)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, kindInvalidRequest, apiErr.Kind)
	}

	resp, err := http.Get(srv.URL + "/infer")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestInferEndpointNotReady(t *testing.T) {
	sub := &fakeSubmitter{err: &pipeline.NotReadyError{Missing: []int{1}, NotLoaded: []int{0}}}
	srv := newTestAPI(sub, &fakeJobs{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/infer", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	apiErr := decodeAPIError(t, resp)
	assert.Equal(t, kindNotReady, apiErr.Kind)
	assert.Equal(t, []int{1}, apiErr.MissingShards)
	assert.Equal(t, []int{0}, apiErr.ShardsNotLoaded)
	assert.Nil(t, apiErr.ShardID)
}

func TestClassifyError(t *testing.T) {
	timeout := &pipeline.ShardTimeoutError{ShardID: 1, PeerID: "b", Timeout: time.Second}
	tests := []struct {
		name     string
		err      error
		code     int
		kind     string
		shard    *int
		fragment *int
	}{
		{"shard failure", &pipeline.ShardFailureError{ShardID: 2, PeerID: "c", Err: errors.New("boom")},
			http.StatusBadGateway, kindShardFailure, intPtr(2), nil},
		{"timeout without alternate", &pipeline.ShardFailureError{ShardID: 1, PeerID: "b", Err: timeout},
			http.StatusBadGateway, kindShardFailure, intPtr(1), nil},
		{"shard timeout", timeout,
			http.StatusGatewayTimeout, kindShardTimeout, intPtr(1), nil},
		{"replicas exhausted", &pipeline.AllReplicasExhaustedError{ShardID: 0, Tried: []string{"a", "b"}, Err: errors.New("down")},
			http.StatusBadGateway, kindReplicasGone, intPtr(0), nil},
		{"fragment failure", &fragment.FragmentFailureError{JobID: "j", FragmentIndex: 3, PeerID: "a", Err: errors.New("boom")},
			http.StatusBadGateway, kindFragmentFailure, nil, intPtr(3)},
		{"no capable nodes", fragment.ErrNoCapableNodes,
			http.StatusServiceUnavailable, kindNoCapableNodes, nil, nil},
		{"bad split", fmt.Errorf("%w: zero-length input", fragment.ErrSplit),
			http.StatusBadRequest, kindInvalidRequest, nil, nil},
		{"cancelled", context.Canceled,
			http.StatusServiceUnavailable, kindCancelled, nil, nil},
		{"other", errors.New("disk on fire"),
			http.StatusInternalServerError, kindInternal, nil, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := classifyError(tc.err)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.kind, body.Kind)
			assert.Equal(t, tc.err.Error(), body.Error)
			assert.Equal(t, tc.shard, body.ShardID)
			assert.Equal(t, tc.fragment, body.FragmentIndex)
		})
	}
}

func intPtr(v int) *int { return &v }

func TestJobsEndpoint(t *testing.T) {
	jobs := &fakeJobs{}
	srv := newTestAPI(&fakeSubmitter{}, jobs)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs?fragments=3", "application/json", strings.NewReader(`{"input":"abcdef"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res types.JobResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "merged", res.CombinedOutput)
	assert.Equal(t, 3, jobs.gotN)
	assert.Equal(t, `"abcdef"`, jobs.input)

	// Default fragment count
	resp2, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"input":"abcdef"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, defaultFragments, jobs.gotN)

	resp3, err := http.Post(srv.URL+"/jobs?fragments=zero", "application/json", strings.NewReader(`{"input":"abcdef"}`))
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestJobsEndpointFragmentFailure(t *testing.T) {
	jobs := &fakeJobs{err: &fragment.FragmentFailureError{JobID: "j", FragmentIndex: 1, PeerID: "b", Err: errors.New("timed out")}}
	srv := newTestAPI(&fakeSubmitter{}, jobs)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs?fragments=2", "application/json", strings.NewReader(`{"input":"abcdef"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	apiErr := decodeAPIError(t, resp)
	assert.Equal(t, kindFragmentFailure, apiErr.Kind)
	require.NotNil(t, apiErr.FragmentIndex)
	assert.Equal(t, 1, *apiErr.FragmentIndex)
}

func TestRequestsEndpoint(t *testing.T) {
	sub := &fakeSubmitter{}
	for i := 0; i < 15; i++ {
		sub.requests = append(sub.requests, &pipeline.Request{ID: fmt.Sprintf("req-%d", i), State: pipeline.Completed})
	}
	srv := newTestAPI(sub, &fakeJobs{})
	defer srv.Close()

	var reqs []*pipeline.Request
	resp, err := http.Get(srv.URL + "/requests")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reqs))
	resp.Body.Close()
	assert.Len(t, reqs, defaultRecentRequests)

	resp, err = http.Get(srv.URL + "/requests?count=3")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reqs))
	resp.Body.Close()
	require.Len(t, reqs, 3)
	assert.Equal(t, "req-0", reqs[0].ID)
	assert.Equal(t, pipeline.Completed, reqs[0].State)

	resp, err = http.Get(srv.URL + "/requests/req-7")
	require.NoError(t, err)
	var one pipeline.Request
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&one))
	resp.Body.Close()
	assert.Equal(t, "req-7", one.ID)

	resp, err = http.Get(srv.URL + "/requests/nope")
	require.NoError(t, err)
	apiErr := decodeAPIError(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, kindNotFound, apiErr.Kind)
}

func TestRequestsEndpointEmpty(t *testing.T) {
	srv := newTestAPI(&fakeSubmitter{}, &fakeJobs{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/requests")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[]", string(raw))
}

package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/salahayoub/swarm/pkg/pipeline"
	"github.com/salahayoub/swarm/pkg/types"
)

func newStatusServer(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	healthy := new(atomic.Bool)
	healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(types.NodeStatusResponse{NodeID: "node1", ExpectedShards: 2, SwarmReady: true})
	})
	mux.HandleFunc("GET /requests", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("count") != "10" {
			t.Errorf("Expected count=10, got %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]*pipeline.Request{{ID: "req-1", State: pipeline.Failed, Error: "boom"}})
	})
	mux.HandleFunc("POST /infer", func(w http.ResponseWriter, r *http.Request) {
		var req types.InferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad infer body: %v", err)
		}
		if req.Prompt == "fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"swarm not ready","kind":"not_ready"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(pipeline.Result{RequestID: "r1", Output: strings.ToUpper(req.Prompt)})
	})
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fragments") != "3" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"fragment 1 failed","kind":"fragment_failure","fragment_index":1}`))
			return
		}
		var job types.Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Errorf("Bad job body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(types.JobResult{JobID: job.JobID, CombinedOutput: "abc", FragmentsProcessed: 3})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, healthy
}

func TestHTTPDataFetcher_FetchStatus(t *testing.T) {
	srv, healthy := newStatusServer(t)
	f := NewHTTPDataFetcher(srv.URL+"/", "node1")

	st, err := f.FetchStatus()
	if err != nil {
		t.Fatalf("FetchStatus failed: %v", err)
	}
	if st.NodeID != "node1" || !st.SwarmReady || !f.IsConnected() {
		t.Errorf("Unexpected status %+v", st)
	}

	healthy.Store(false)
	cached, err := f.FetchStatus()
	if err == nil {
		t.Fatal("Expected error from unhealthy node")
	}
	if f.IsConnected() {
		t.Error("Expected disconnected")
	}
	if cached == nil || cached.NodeID != "node1" {
		t.Errorf("Expected last good status, got %+v", cached)
	}
	if err := f.Reconnect(); err == nil {
		t.Error("Expected reconnect to fail while unhealthy")
	}

	healthy.Store(true)
	if err := f.Reconnect(); err != nil || !f.IsConnected() {
		t.Errorf("Expected reconnect to succeed, got %v", err)
	}
}

func TestHTTPDataFetcher_Requests(t *testing.T) {
	srv, _ := newStatusServer(t)
	f := NewHTTPDataFetcher(srv.URL, "node1")

	reqs, err := f.FetchRecentRequests(10)
	if err != nil {
		t.Fatalf("FetchRecentRequests failed: %v", err)
	}
	if len(reqs) != 1 || reqs[0].State != pipeline.Failed || reqs[0].Error != "boom" {
		t.Errorf("Unexpected requests %+v", reqs)
	}
}

func TestHTTPDataFetcher_ExecuteInfer(t *testing.T) {
	srv, _ := newStatusServer(t)
	f := NewHTTPDataFetcher(srv.URL, "node1")

	res, err := f.ExecuteInfer("hello")
	if err != nil {
		t.Fatalf("ExecuteInfer failed: %v", err)
	}
	if res.Output != "HELLO" {
		t.Errorf("Expected HELLO, got %q", res.Output)
	}

	_, err = f.ExecuteInfer("fail")
	if err == nil || err.Error() != "inference failed: swarm not ready" {
		t.Errorf("Expected API error message, got %v", err)
	}
}

func TestHTTPDataFetcher_SubmitJob(t *testing.T) {
	srv, _ := newStatusServer(t)
	f := NewHTTPDataFetcher(srv.URL, "node1")
	job := types.Job{JobID: "job-1", Input: json.RawMessage(`"abc"`)}

	res, err := f.SubmitJob(job, 3)
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if res.JobID != "job-1" || res.CombinedOutput != "abc" || res.FragmentsProcessed != 3 {
		t.Errorf("Unexpected job result %+v", res)
	}

	_, err = f.SubmitJob(job, 2)
	if err == nil || err.Error() != "job failed: fragment 1 failed" {
		t.Errorf("Expected API error message, got %v", err)
	}
}

func TestHTTPDataFetcher_Unreachable(t *testing.T) {
	f := NewHTTPDataFetcher("http://127.0.0.1:1", "gone")
	st, err := f.FetchStatus()
	if err == nil || st != nil {
		t.Errorf("Expected error and no status, got %+v, %v", st, err)
	}
	if f.NodeID() != "gone" {
		t.Errorf("Unexpected node id %s", f.NodeID())
	}
}

func TestFetcherPool_FetchAll(t *testing.T) {
	up := newMockDataFetcher("node1", 0)
	down := newMockDataFetcher("node2", 1)
	down.SetFetchError(http.ErrServerClosed)

	pool := NewFetcherPool()
	pool.AddFetcher("node2", down)
	pool.AddFetcher("node1", up)

	if ids := pool.NodeIDs(); len(ids) != 2 || ids[0] != "node1" {
		t.Errorf("Expected sorted ids, got %v", ids)
	}

	statuses, health := pool.FetchAll()
	if statuses["node1"] == nil || statuses["node2"] != nil {
		t.Errorf("Unexpected statuses %+v", statuses)
	}
	if !health["node1"].Connected || health["node2"].Connected || health["node2"].LastError == nil {
		t.Errorf("Unexpected health node1=%+v node2=%+v", health["node1"], health["node2"])
	}
	if pool.GetFetcher("node3") != nil {
		t.Error("Expected nil fetcher for unknown node")
	}
}

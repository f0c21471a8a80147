package tui

import (
	"sort"
	"sync"
	"time"

	"github.com/salahayoub/swarm/pkg/types"
	"golang.org/x/sync/errgroup"
)

// NodeHealth is the reachability of one node as last measured.
type NodeHealth struct {
	Connected      bool
	LastResponse   time.Time
	ResponseTimeMs int64
	LastError      error
}

// FetcherPool holds one DataFetcher per node so the dashboard can switch
// between nodes and poll them together.
type FetcherPool struct {
	fetchers map[string]DataFetcher
	mu       sync.RWMutex
}

// NewFetcherPool creates an empty pool.
func NewFetcherPool() *FetcherPool {
	return &FetcherPool{
		fetchers: make(map[string]DataFetcher),
	}
}

// AddFetcher adds the fetcher for nodeID.
func (fp *FetcherPool) AddFetcher(nodeID string, fetcher DataFetcher) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.fetchers[nodeID] = fetcher
}

// GetFetcher returns the fetcher for nodeID, or nil.
func (fp *FetcherPool) GetFetcher(nodeID string) DataFetcher {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return fp.fetchers[nodeID]
}

// FetchAll polls every node concurrently. Each node's status and health
// is reported; an unreachable node has a nil status.
func (fp *FetcherPool) FetchAll() (map[string]*types.NodeStatusResponse, map[string]*NodeHealth) {
	ids := fp.NodeIDs()
	statuses := make([]*types.NodeStatusResponse, len(ids))
	health := make([]*NodeHealth, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			h := &NodeHealth{}
			health[i] = h
			fetcher := fp.GetFetcher(id)
			if fetcher == nil {
				return nil
			}
			start := timeNow()
			st, err := fetcher.FetchStatus()
			if err != nil {
				h.LastError = err
				return nil
			}
			h.Connected = true
			h.LastResponse = timeNow()
			h.ResponseTimeMs = h.LastResponse.Sub(start).Milliseconds()
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	outStatus := make(map[string]*types.NodeStatusResponse, len(ids))
	outHealth := make(map[string]*NodeHealth, len(ids))
	for i, id := range ids {
		outStatus[id] = statuses[i]
		outHealth[id] = health[i]
	}
	return outStatus, outHealth
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// NodeCount returns the number of nodes in the pool.
func (fp *FetcherPool) NodeCount() int {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return len(fp.fetchers)
}

// NodeIDs returns the node ids in sorted order; the dashboard numbers
// nodes by this order.
func (fp *FetcherPool) NodeIDs() []string {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	ids := make([]string, 0, len(fp.fetchers))
	for id := range fp.fetchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package fragment

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/salahayoub/swarm/pkg/types"
)

// ErrIncomplete is returned by Result before every fragment has reported.
var ErrIncomplete = errors.New("job results incomplete")

// Aggregator collects fragment results for one job. It is safe for
// concurrent use by the goroutines dispatching the fragments.
type Aggregator struct {
	jobID string
	total int
	array bool

	mu      sync.Mutex
	results map[int]types.FragmentResult
}

// NewAggregator expects total results for jobID. array makes Result merge
// outputs into one JSON array instead of concatenating text.
func NewAggregator(jobID string, total int, array bool) *Aggregator {
	return &Aggregator{
		jobID:   jobID,
		total:   total,
		array:   array,
		results: make(map[int]types.FragmentResult, total),
	}
}

// Add records r. Results for another job, out-of-range indexes and
// duplicates are ignored; the return value reports whether r was kept.
func (a *Aggregator) Add(r types.FragmentResult) bool {
	if r.JobID != a.jobID || r.FragmentIndex < 0 || r.FragmentIndex >= a.total {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.results[r.FragmentIndex]; dup {
		return false
	}
	a.results[r.FragmentIndex] = r
	return true
}

// Complete reports whether all total distinct indexes have arrived.
func (a *Aggregator) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results) == a.total
}

// Missing lists the indexes still outstanding.
func (a *Aggregator) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for i := 0; i < a.total; i++ {
		if _, ok := a.results[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Result merges the results in fragment order. It fails until Complete.
func (a *Aggregator) Result() (types.JobResult, error) {
	a.mu.Lock()
	sorted := make([]types.FragmentResult, 0, len(a.results))
	for _, r := range a.results {
		sorted = append(sorted, r)
	}
	a.mu.Unlock()

	if len(sorted) != a.total {
		return types.JobResult{}, fmt.Errorf("%w: %d of %d fragments", ErrIncomplete, len(sorted), a.total)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FragmentIndex < sorted[j].FragmentIndex })

	res := types.JobResult{
		JobID:              a.jobID,
		FragmentOutputs:    make([]string, 0, len(sorted)),
		FragmentsProcessed: len(sorted),
	}
	for _, r := range sorted {
		res.FragmentOutputs = append(res.FragmentOutputs, r.Output)
		res.TotalTokens += r.TokensGenerated
		res.TotalProcessingTimeMs += r.ProcessingTimeMs
	}

	if !a.array {
		res.CombinedOutput = strings.Join(res.FragmentOutputs, "")
		return res, nil
	}
	combined, err := mergeArrays(res.FragmentOutputs)
	if err != nil {
		return types.JobResult{}, err
	}
	res.CombinedOutput = combined
	return res, nil
}

// mergeArrays concatenates fragment outputs that are JSON arrays. An output
// that is not an array becomes a single string item.
func mergeArrays(outputs []string) (string, error) {
	items := make([]json.RawMessage, 0, len(outputs))
	for _, out := range outputs {
		var part []json.RawMessage
		if err := json.Unmarshal([]byte(out), &part); err == nil {
			items = append(items, part...)
			continue
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		items = append(items, raw)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("merge fragment arrays: %w", err)
	}
	return string(raw), nil
}

// Package fragment splits oversized jobs into independent fragments, fans
// them out to capable nodes, and reassembles the results in index order.
package fragment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/salahayoub/swarm/pkg/types"
)

// ErrSplit is returned for input that cannot be split.
var ErrSplit = errors.New("cannot split job")

// inputKind is how a job's input is sliced.
type inputKind int

const (
	textInput  inputKind = iota // split by characters
	arrayInput                  // split by items
)

// decodeInput reads a job input that is either a JSON string or a JSON array.
func decodeInput(raw json.RawMessage) (inputKind, []rune, []json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, nil, nil, fmt.Errorf("%w: empty input", ErrSplit)
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, nil, nil, fmt.Errorf("%w: %v", ErrSplit, err)
		}
		return textInput, []rune(s), nil, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return 0, nil, nil, fmt.Errorf("%w: %v", ErrSplit, err)
		}
		return arrayInput, nil, items, nil
	default:
		return 0, nil, nil, fmt.Errorf("%w: input must be a string or an array", ErrSplit)
	}
}

// IsArrayInput reports whether a job input is a JSON array.
func IsArrayInput(raw json.RawMessage) bool {
	kind, _, _, err := decodeInput(raw)
	return err == nil && kind == arrayInput
}

// Split cuts job into n fragments, where L is the input length in
// characters or array items. The first L mod n fragments carry ceil(L/n)
// units and the rest floor(L/n), so 10 items in 3 fragments are [4,3,3].
// n is clamped to L so no fragment is empty. Each fragment's context
// window extends overlap units past its slice on both sides, bounded by
// the input. A job without an id is given one.
func Split(job types.Job, n, overlap int) ([]types.Fragment, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: fragment count %d must be positive", ErrSplit, n)
	}
	if overlap < 0 {
		overlap = 0
	}
	kind, runes, items, err := decodeInput(job.Input)
	if err != nil {
		return nil, err
	}

	length := len(runes)
	if kind == arrayInput {
		length = len(items)
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length input", ErrSplit)
	}
	if n > length {
		n = length
	}
	base, extra := length/n, length%n

	jobID := job.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	frags := make([]types.Fragment, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + base
		if i < extra {
			end++
		}

		var data string
		if kind == textInput {
			data = string(runes[start:end])
		} else {
			raw, err := json.Marshal(items[start:end])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSplit, err)
			}
			data = string(raw)
		}

		frags = append(frags, types.Fragment{
			FragmentID:         fmt.Sprintf("%s_frag_%d", jobID, i),
			JobID:              jobID,
			FragmentIndex:      i,
			TotalFragments:     n,
			InputData:          data,
			ContextWindowStart: max(0, start-overlap),
			ContextWindowEnd:   min(length, end+overlap),
			Params:             job.Params,
		})
		start = end
	}
	return frags, nil
}

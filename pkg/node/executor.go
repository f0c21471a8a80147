package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/salahayoub/swarm/pkg/types"
)

// Executor performs the computation behind a hop or a fragment.
type Executor interface {
	Execute(ctx context.Context, task types.Task) (types.TaskResult, error)
}

// EchoExecutor returns every task's input unchanged. It stands in for the
// model runtime in tests and demos; Delay simulates compute time.
type EchoExecutor struct {
	Delay time.Duration
}

// Execute implements Executor.
func (e EchoExecutor) Execute(ctx context.Context, task types.Task) (types.TaskResult, error) {
	start := time.Now()
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return types.TaskResult{}, ctx.Err()
		}
	}

	var res types.TaskResult
	switch t := task.(type) {
	case types.HopTask:
		shard := t.ShardID
		res = types.TaskResult{Output: t.InputData, ShardID: &shard}
	case types.FragmentTask:
		idx := t.FragmentIndex
		res = types.TaskResult{Output: t.InputData, FragmentIndex: &idx}
	default:
		return types.TaskResult{}, fmt.Errorf("cannot execute %T", task)
	}
	res.TokensProcessed = len(strings.Fields(res.Output))
	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	return res, nil
}

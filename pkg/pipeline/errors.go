package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for pipeline requests. The typed errors below match them
// with errors.Is so callers can branch without unpacking.
var (
	ErrNotReady             = errors.New("swarm is not ready")
	ErrShardTimeout         = errors.New("shard timed out")
	ErrShardFailure         = errors.New("shard failed")
	ErrAllReplicasExhausted = errors.New("all replicas exhausted")
)

// NotReadyError rejects a submission before any hop runs.
type NotReadyError struct {
	Missing   []int
	NotLoaded []int
	// Layout is set when every shard is served but the layer ranges do
	// not tile the model.
	Layout error
}

func (e *NotReadyError) Error() string {
	if e.Layout != nil {
		return fmt.Sprintf("swarm is not ready: shard layers do not tile the model: %v", e.Layout)
	}
	return fmt.Sprintf("swarm is not ready: missing shards %v, shards not loaded %v", e.Missing, e.NotLoaded)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// ShardTimeoutError is recorded when one hop attempt outlives HopTimeout.
type ShardTimeoutError struct {
	ShardID int
	PeerID  string
	Timeout time.Duration
}

func (e *ShardTimeoutError) Error() string {
	return fmt.Sprintf("shard %d on %s timed out after %s", e.ShardID, e.PeerID, e.Timeout)
}

func (e *ShardTimeoutError) Is(target error) bool { return target == ErrShardTimeout }

// ShardFailureError ends a request whose hop failed with no other replica
// to fail over to.
type ShardFailureError struct {
	ShardID int
	PeerID  string
	Err     error
}

func (e *ShardFailureError) Error() string {
	return fmt.Sprintf("shard %d failed on %s: %v", e.ShardID, e.PeerID, e.Err)
}

func (e *ShardFailureError) Is(target error) bool { return target == ErrShardFailure }

func (e *ShardFailureError) Unwrap() error { return e.Err }

// AllReplicasExhaustedError ends a request after every replica of a shard
// was tried and failed. It also matches ErrShardFailure.
type AllReplicasExhaustedError struct {
	ShardID int
	Tried   []string
	Err     error
}

func (e *AllReplicasExhaustedError) Error() string {
	return fmt.Sprintf("shard %d: all replicas exhausted (%s), last error: %v",
		e.ShardID, strings.Join(e.Tried, ", "), e.Err)
}

func (e *AllReplicasExhaustedError) Is(target error) bool {
	return target == ErrAllReplicasExhausted || target == ErrShardFailure
}

func (e *AllReplicasExhaustedError) Unwrap() error { return e.Err }

// FailedShard returns the shard id carried by a terminal pipeline error.
func FailedShard(err error) (int, bool) {
	var sf *ShardFailureError
	if errors.As(err, &sf) {
		return sf.ShardID, true
	}
	var ex *AllReplicasExhaustedError
	if errors.As(err, &ex) {
		return ex.ShardID, true
	}
	var to *ShardTimeoutError
	if errors.As(err, &to) {
		return to.ShardID, true
	}
	return 0, false
}

package pipeline

import (
	"fmt"
	"time"
)

// State is the lifecycle stage of a pipeline request.
// Transitions: Pending → InProgress{0} → … → InProgress{n-1} → Completed
//
//	Pending or InProgress → Failed
//
// A failover re-enters InProgress at the same hop with a new peer bound.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Failed
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Pending, InProgress, Completed, Failed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown request state %q", b)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Attempt is one dispatch of a hop to one peer.
type Attempt struct {
	PeerID    string        `json:"peer_id"`
	StartedAt time.Time     `json:"started_at"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Hop is one shard's step in a request.
type Hop struct {
	ShardID    int       `json:"shard_id"`
	LayerStart int       `json:"layer_start"`
	LayerEnd   int       `json:"layer_end"`
	PeerID     string    `json:"peer_id"`
	Addr       string    `json:"addr,omitempty"`
	Attempts   []Attempt `json:"attempts,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Transition is one entry in a request's state history.
type Transition struct {
	State  State     `json:"state"`
	Hop    int       `json:"hop"`
	PeerID string    `json:"peer_id,omitempty"`
	At     time.Time `json:"at"`
}

func (t Transition) String() string {
	if t.State == InProgress {
		return fmt.Sprintf("InProgress{%d}", t.Hop)
	}
	return t.State.String()
}

// Request is the tracked state of one inference request. The coordinator
// goroutine running the request is its only writer; Get hands out copies.
type Request struct {
	ID         string       `json:"request_id"`
	State      State        `json:"state"`
	CurrentHop int          `json:"current_hop"`
	Hops       []Hop        `json:"hops"`
	Input      string       `json:"-"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	History    []Transition `json:"history"`

	err error
}

// Err returns the terminal error of a failed request.
func (r *Request) Err() error {
	return r.err
}

func (r *Request) record(now time.Time) {
	peer := ""
	if r.State == InProgress && r.CurrentHop < len(r.Hops) {
		peer = r.Hops[r.CurrentHop].PeerID
	}
	r.History = append(r.History, Transition{State: r.State, Hop: r.CurrentHop, PeerID: peer, At: now})
}

// start moves Pending to InProgress{0}.
func (r *Request) start(now time.Time) error {
	if r.State != Pending {
		return fmt.Errorf("cannot start request in state %s", r.State)
	}
	if len(r.Hops) == 0 {
		return fmt.Errorf("request %s has no hops", r.ID)
	}
	r.State = InProgress
	r.CurrentHop = 0
	r.Hops[0].StartedAt = now
	r.record(now)
	return nil
}

// rebind re-enters InProgress at the current hop with another peer.
func (r *Request) rebind(peerID, addr string, now time.Time) error {
	if r.State != InProgress {
		return fmt.Errorf("cannot fail over request in state %s", r.State)
	}
	h := &r.Hops[r.CurrentHop]
	h.PeerID = peerID
	h.Addr = addr
	r.record(now)
	return nil
}

// advance finishes the current hop; the last hop completes the request.
func (r *Request) advance(output string, now time.Time) error {
	if r.State != InProgress {
		return fmt.Errorf("cannot advance request in state %s", r.State)
	}
	r.Hops[r.CurrentHop].FinishedAt = now
	if r.CurrentHop == len(r.Hops)-1 {
		r.State = Completed
		r.Output = output
		r.FinishedAt = now
		r.record(now)
		return nil
	}
	r.CurrentHop++
	r.Hops[r.CurrentHop].StartedAt = now
	r.record(now)
	return nil
}

// fail moves any non-terminal request to Failed.
func (r *Request) fail(err error, now time.Time) {
	if r.State.Terminal() {
		return
	}
	r.State = Failed
	r.err = err
	r.Error = err.Error()
	r.FinishedAt = now
	r.record(now)
}

// clone returns a deep copy safe to hand to readers.
func (r *Request) clone() *Request {
	cp := *r
	cp.Hops = make([]Hop, len(r.Hops))
	for i, h := range r.Hops {
		h.Attempts = append([]Attempt(nil), h.Attempts...)
		cp.Hops[i] = h
	}
	cp.History = append([]Transition(nil), r.History...)
	return &cp
}

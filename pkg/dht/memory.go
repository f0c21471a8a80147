package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salahayoub/swarm/pkg/types"
)

// MemoryNetwork connects MemoryDHT nodes living in one process.
// Replication is the number of remote nodes a put reaches; a negative
// value reaches every online node.
type MemoryNetwork struct {
	mu          sync.RWMutex
	nodes       map[string]*MemoryDHT
	replication int
	now         func() time.Time
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork(replication int) *MemoryNetwork {
	return &MemoryNetwork{
		nodes:       make(map[string]*MemoryDHT),
		replication: replication,
		now:         time.Now,
	}
}

// SetClock overrides the time source used for record expiry.
func (n *MemoryNetwork) SetClock(now func() time.Time) {
	n.mu.Lock()
	n.now = now
	n.mu.Unlock()
}

// Join adds a node with the given id to the network.
func (n *MemoryNetwork) Join(id string) *MemoryDHT {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &MemoryDHT{
		id:      id,
		network: n,
		records: make(map[string]map[string]types.Record),
		online:  true,
	}
	n.nodes[id] = node
	return node
}

// remotes returns the online nodes other than self, ordered by id.
func (n *MemoryNetwork) remotes(self string) []*MemoryDHT {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryDHT, 0, len(n.nodes))
	for id, node := range n.nodes {
		if id != self && node.isOnline() {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *MemoryNetwork) clock() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.now()
}

// MemoryDHT is one node's view of a MemoryNetwork.
type MemoryDHT struct {
	id      string
	network *MemoryNetwork

	mu      sync.RWMutex
	records map[string]map[string]types.Record
	online  bool
	closed  bool
}

// ID returns the node id used when joining the network.
func (d *MemoryDHT) ID() string {
	return d.id
}

// SetOnline marks the node reachable or unreachable for other nodes.
func (d *MemoryDHT) SetOnline(online bool) {
	d.mu.Lock()
	d.online = online
	d.mu.Unlock()
}

func (d *MemoryDHT) isOnline() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online && !d.closed
}

func (d *MemoryDHT) store(rec types.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byPublisher, ok := d.records[rec.Key]
	if !ok {
		byPublisher = make(map[string]types.Record)
		d.records[rec.Key] = byPublisher
	}
	rec.Value = append([]byte(nil), rec.Value...)
	byPublisher[rec.Publisher] = rec
}

func (d *MemoryDHT) local(key string, now time.Time) []types.Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Record
	for _, rec := range d.records[key] {
		if rec.Expired(now) {
			continue
		}
		rec.Value = append([]byte(nil), rec.Value...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Publisher < out[j].Publisher })
	return out
}

// PutRecord stores rec locally and on up to the network's replication
// count of online remote nodes.
func (d *MemoryDHT) PutRecord(ctx context.Context, rec types.Record, quorum int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	d.store(rec)

	acks := 0
	for _, peer := range d.network.remotes(d.id) {
		if d.network.replication >= 0 && acks >= d.network.replication {
			break
		}
		peer.store(rec)
		acks++
	}
	if acks < quorum {
		return ErrQuorumFailed
	}
	return nil
}

// GetRecords merges the local records with those held by online remote nodes.
func (d *MemoryDHT) GetRecords(ctx context.Context, key string) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	now := d.network.clock()
	sets := [][]types.Record{d.local(key, now)}
	for _, peer := range d.network.remotes(d.id) {
		sets = append(sets, peer.local(key, now))
	}
	merged := mergeRecords(sets...)
	if len(merged) == 0 {
		return nil, ErrRecordNotFound
	}
	return merged, nil
}

// Close detaches the node; it stops answering and accepting records.
func (d *MemoryDHT) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

var _ DHT = (*MemoryDHT)(nil)

package dht

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/salahayoub/swarm/pkg/storage"
	"github.com/salahayoub/swarm/pkg/transport"
	"github.com/salahayoub/swarm/pkg/types"
	"golang.org/x/sync/errgroup"
)

// RecordStore is the local half of a PeerDHT. *storage.BoltStore implements it.
type RecordStore interface {
	PutRecord(rec types.Record) error
	GetRecords(key string, now time.Time) ([]types.Record, error)
	DeleteExpired(now time.Time) (int, error)
	Close() error
}

// PeerClient sends record RPCs to other nodes. *transport.GRPCTransport implements it.
type PeerClient interface {
	StoreRecord(ctx context.Context, target string, rec types.Record) error
	FindRecords(ctx context.Context, target, key string) ([]types.Record, error)
}

// PeerConfig configures a PeerDHT.
type PeerConfig struct {
	// Replication is how many remote peers a put is sent to (default 3).
	Replication int
	// RequestTimeout bounds each remote store or find (default 2s).
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// PeerDHT is a small replicated record store. Every record is kept in the
// local RecordStore and pushed to the Replication peers closest to the key
// by rendezvous hash. Lookups ask every known peer and merge the answers.
type PeerDHT struct {
	cfg    PeerConfig
	store  RecordStore
	client PeerClient
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	peers  []string
	closed atomic.Bool
}

// NewPeerDHT creates a PeerDHT over a local store and a peer client.
func NewPeerDHT(store RecordStore, client PeerClient, peers []string, cfg PeerConfig) *PeerDHT {
	if cfg.Replication <= 0 {
		cfg.Replication = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	d := &PeerDHT{
		cfg:    cfg,
		store:  store,
		client: client,
		log:    cfg.Logger.With().Str("component", "dht").Logger(),
		now:    time.Now,
	}
	d.SetPeers(peers)
	return d
}

// SetPeers replaces the set of remote peer addresses.
func (d *PeerDHT) SetPeers(peers []string) {
	cp := append([]string(nil), peers...)
	sort.Strings(cp)
	d.mu.Lock()
	d.peers = cp
	d.mu.Unlock()
}

// Peers returns a copy of the remote peer addresses.
func (d *PeerDHT) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.peers...)
}

// closestPeers ranks peers by rendezvous score for key and returns the top n.
func closestPeers(peers []string, key string, n int) []string {
	type scored struct {
		peer  string
		score uint64
	}
	ranked := make([]scored, 0, len(peers))
	for _, p := range peers {
		ranked = append(ranked, scored{peer: p, score: xxhash.Sum64String(p + ":" + key)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].peer < ranked[j].peer
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].peer
	}
	return out
}

// PutRecord stores rec locally, then on the closest peers in parallel.
// ErrQuorumFailed is returned when fewer than quorum peers accepted it.
func (d *PeerDHT) PutRecord(ctx context.Context, rec types.Record, quorum int) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.store.PutRecord(rec); err != nil {
		return err
	}

	targets := closestPeers(d.Peers(), rec.Key, d.cfg.Replication)
	var acks atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range targets {
		peer := peer
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, d.cfg.RequestTimeout)
			defer cancel()
			if err := d.client.StoreRecord(pctx, peer, rec); err != nil {
				d.log.Debug().Err(err).Str("peer", peer).Str("key", rec.Key).Msg("store on peer failed")
				return nil
			}
			acks.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if int(acks.Load()) < quorum {
		return ErrQuorumFailed
	}
	return nil
}

// GetRecords merges local records with those returned by every peer.
func (d *PeerDHT) GetRecords(ctx context.Context, key string) ([]types.Record, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	now := d.now()
	local, err := d.store.GetRecords(key, now)
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return nil, err
	}

	peers := d.Peers()
	remote := make([][]types.Record, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, d.cfg.RequestTimeout)
			defer cancel()
			recs, err := d.client.FindRecords(pctx, peer, key)
			if err != nil {
				d.log.Debug().Err(err).Str("peer", peer).Str("key", key).Msg("find on peer failed")
				return nil
			}
			remote[i] = liveRecords(recs, key, now)
			return nil
		})
	}
	_ = g.Wait()

	merged := mergeRecords(append([][]types.Record{local}, remote...)...)
	if len(merged) == 0 {
		return nil, ErrRecordNotFound
	}
	return merged, nil
}

// liveRecords drops expired records and any a peer returned for another key.
func liveRecords(recs []types.Record, key string, now time.Time) []types.Record {
	out := recs[:0]
	for _, r := range recs {
		if r.Key == key && !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out
}

// HandleRPC answers Store and Find requests from peers. It reports false
// for requests of any other type so the caller can route them elsewhere.
func (d *PeerDHT) HandleRPC(rpc transport.RPC) bool {
	switch req := rpc.Request.(type) {
	case *transport.StoreRequest:
		if err := d.acceptRecord(req.Record); err != nil {
			rpc.RespChan <- transport.RPCResponse{Error: err}
			return true
		}
		rpc.RespChan <- transport.RPCResponse{Response: &transport.StoreResponse{Stored: true}}
		return true
	case *transport.FindRequest:
		recs, err := d.store.GetRecords(req.Key, d.now())
		if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
			rpc.RespChan <- transport.RPCResponse{Error: err}
			return true
		}
		rpc.RespChan <- transport.RPCResponse{Response: &transport.FindResponse{Records: recs}}
		return true
	default:
		return false
	}
}

func (d *PeerDHT) acceptRecord(rec types.Record) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !strings.HasPrefix(rec.Key, "/") {
		return errors.New("record key must be a path")
	}
	if rec.Expired(d.now()) {
		return nil
	}
	return d.store.PutRecord(rec)
}

// Purge drops expired records from the local store.
func (d *PeerDHT) Purge() (int, error) {
	return d.store.DeleteExpired(d.now())
}

// Close closes the local store.
func (d *PeerDHT) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.store.Close()
}

var _ DHT = (*PeerDHT)(nil)

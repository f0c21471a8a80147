package dht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/salahayoub/swarm/pkg/types"
)

// RedisClient is the minimal redis surface RedisDHT needs, so tests can
// substitute a fake. redis.UniversalClient satisfies it.
type RedisClient interface {
	Close() error
	Ping(ctx context.Context) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Do(ctx context.Context, args ...interface{}) *redis.Cmd
}

var _ RedisClient = (redis.UniversalClient)(nil)

// RedisOptions configures the redis connection.
// Addrs with one entry is a single server; several entries form a cluster.
type RedisOptions struct {
	Addrs     []string
	Password  string
	KeyPrefix string
	// WaitTimeout bounds the WAIT issued when quorum asks for replicas.
	WaitTimeout time.Duration
}

// NewRedisClient creates a redis.UniversalClient and checks it with a Ping.
func NewRedisClient(ctx context.Context, opt RedisOptions) (RedisClient, error) {
	if len(opt.Addrs) == 0 {
		return nil, errors.New("redis addrs is empty")
	}

	c := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opt.Addrs,
		Password: opt.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// RedisDHT stores each DHT key as a redis hash whose fields are publishers.
// The redis server counts as one remote peer; quorums above one are
// checked with WAIT against the server's replicas.
type RedisDHT struct {
	rdb         RedisClient
	prefix      string
	waitTimeout time.Duration
	now         func() time.Time
}

// NewRedisDHT wraps an existing client.
func NewRedisDHT(rdb RedisClient, opt RedisOptions) *RedisDHT {
	if opt.WaitTimeout <= 0 {
		opt.WaitTimeout = time.Second
	}
	return &RedisDHT{
		rdb:         rdb,
		prefix:      opt.KeyPrefix,
		waitTimeout: opt.WaitTimeout,
		now:         time.Now,
	}
}

func (d *RedisDHT) redisKey(key string) string {
	return d.prefix + key
}

// PutRecord writes rec into the key's hash and extends the hash TTL to the
// record's expiry.
func (d *RedisDHT) PutRecord(ctx context.Context, rec types.Record, quorum int) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := d.redisKey(rec.Key)
	if err := d.rdb.HSet(ctx, key, rec.Publisher, val).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if !rec.Expires.IsZero() {
		if ttl := rec.Expires.Sub(d.now()); ttl > 0 {
			if err := d.rdb.Expire(ctx, key, ttl).Err(); err != nil {
				return fmt.Errorf("expire %s: %w", key, err)
			}
		}
	}

	if quorum <= 1 {
		return nil
	}
	replicas, err := d.rdb.Do(ctx, "WAIT", quorum-1, d.waitTimeout.Milliseconds()).Int64()
	if err != nil || int(replicas) < quorum-1 {
		return ErrQuorumFailed
	}
	return nil
}

// GetRecords returns the live records in the key's hash, ordered by publisher.
// Expired fields are removed as they are found.
func (d *RedisDHT) GetRecords(ctx context.Context, key string) ([]types.Record, error) {
	rkey := d.redisKey(key)
	fields, err := d.rdb.HGetAll(ctx, rkey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", rkey, err)
	}

	now := d.now()
	var out []types.Record
	var stale []string
	for publisher, raw := range fields {
		var rec types.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Expired(now) {
			stale = append(stale, publisher)
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		// Best effort; a failed cleanup is retried on the next read
		_ = d.rdb.HDel(ctx, rkey, stale...).Err()
	}
	if len(out) == 0 {
		return nil, ErrRecordNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Publisher < out[j].Publisher })
	return out, nil
}

// Close closes the redis client.
func (d *RedisDHT) Close() error {
	return d.rdb.Close()
}

var _ DHT = (*RedisDHT)(nil)

package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salahayoub/swarm/pkg/types"
)

func TestMemoryDHTQuorumFailureStillServesLocally(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(-1)
	alone := net.Join("a")

	rec := types.Record{Key: ShardKey("c", 0), Publisher: "a", Value: []byte("x")}
	err := alone.PutRecord(ctx, rec, 1)
	require.ErrorIs(t, err, ErrQuorumFailed)

	recs, err := alone.GetRecords(ctx, rec.Key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "x", string(recs[0].Value))

	// A node joining later still finds it by asking the publisher.
	late := net.Join("b")
	recs, err = late.GetRecords(ctx, rec.Key)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryDHTReplicatesToPeers(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(1)
	a := net.Join("a")
	net.Join("b")
	c := net.Join("c")

	rec := types.Record{Key: "k", Publisher: "a", Value: []byte("v")}
	require.NoError(t, a.PutRecord(ctx, rec, 1))

	// With the publisher offline the replica on b still answers c.
	a.SetOnline(false)
	recs, err := c.GetRecords(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryDHTNotFoundAndExpiry(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork(-1)
	now := time.Now()
	net.SetClock(func() time.Time { return now })
	a := net.Join("a")

	_, err := a.GetRecords(ctx, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)

	_ = a.PutRecord(ctx, types.Record{Key: "k", Publisher: "a", Expires: now.Add(time.Second)}, 0)
	_, err = a.GetRecords(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = a.GetRecords(ctx, "k")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryDHTClosed(t *testing.T) {
	a := NewMemoryNetwork(-1).Join("a")
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.PutRecord(context.Background(), types.Record{Key: "k", Publisher: "a"}, 0), ErrClosed)
	_, err := a.GetRecords(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

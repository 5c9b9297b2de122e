package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberListAddRemove(t *testing.T) {
	b := newTestBroker(t)
	c, _ := newTestClient(b)
	l := NewSubscriberList(8, 64)

	idx, ok := l.TryAdd(c)
	require.True(t, ok)
	assert.Equal(t, 1, l.Len())
	assert.Same(t, c, l.Get(idx))

	l.Remove(idx)
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Get(idx))

	// Double remove is harmless.
	l.Remove(idx)
	assert.Equal(t, 0, l.Len())
}

func TestSubscriberListBound(t *testing.T) {
	b := newTestBroker(t)
	c, _ := newTestClient(b)
	l := NewSubscriberList(2, 3)

	var idxs []uint32
	for i := 0; i < 3; i++ {
		idx, ok := l.TryAdd(c)
		require.True(t, ok)
		idxs = append(idxs, idx)
	}

	_, ok := l.TryAdd(c)
	assert.False(t, ok, "list is at its bound")

	l.Remove(idxs[0])
	_, ok = l.TryAdd(c)
	assert.True(t, ok, "freed capacity is reusable")
}

func TestSubscriberListSlotReuse(t *testing.T) {
	b := newTestBroker(t)
	c1, _ := newTestClient(b)
	c2, _ := newTestClient(b)
	l := NewSubscriberList(8, 64)

	// Fill every shard at least once so the round-robin cursor comes
	// back around.
	var idxs []uint32
	for i := 0; i < subscriberShards; i++ {
		idx, ok := l.TryAdd(c1)
		require.True(t, ok)
		idxs = append(idxs, idx)
	}

	l.Remove(idxs[0])
	for i := 0; i < subscriberShards; i++ {
		idx, ok := l.TryAdd(c2)
		require.True(t, ok)
		if idx == idxs[0] {
			assert.Same(t, c2, l.Get(idx), "freed slot is handed out again")
			return
		}
	}
	t.Fatal("freed slot was never reused")
}

func TestSubscriberListSnapshot(t *testing.T) {
	b := newTestBroker(t)
	c, _ := newTestClient(b)
	l := NewSubscriberList(8, 64)

	const n = 20
	for i := 0; i < n; i++ {
		_, ok := l.TryAdd(c)
		require.True(t, ok)
	}

	total := 0
	buf := make([]*Client, 0, n)
	for shard := 0; shard < l.Shards(); shard++ {
		snap := l.SnapshotShard(shard, buf[:0])
		for _, got := range snap {
			assert.Same(t, c, got)
		}
		total += len(snap)
	}
	assert.Equal(t, n, total)
}

func TestSubscriberSlotEncoding(t *testing.T) {
	b := newTestBroker(t)
	c, _ := newTestClient(b)
	l := NewSubscriberList(8, 1024)

	for i := 0; i < 100; i++ {
		idx, ok := l.TryAdd(c)
		require.True(t, ok)
		shard := idx & (subscriberShards - 1)
		assert.Less(t, int(shard), subscriberShards)
		assert.Same(t, c, l.Get(idx))
	}
}

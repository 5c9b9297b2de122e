package broker

import (
	"sync"
	"sync/atomic"
)

// Subscriber slots are spread over a fixed number of shards so that
// subscribe/unsubscribe churn on a hot subscription does not serialize
// on one mutex, and so broadcast fan-out can walk shards in parallel.
const (
	subscriberShardBits = 3
	subscriberShards    = 1 << subscriberShardBits
)

// SubscriberList is a contention-aware sharded free-list of clients,
// indexed by a 32-bit slot number. Insertion returns the slot, removal
// frees it, and the slot stays stable for as long as the subscriber
// lives, which is what lets a client record its own position.
//
// Slot encoding: low bits select the shard, the rest is the position
// inside it.
type SubscriberList struct {
	max    int // total slot bound (max-clients)
	count  atomic.Int64
	next   atomic.Uint32 // round-robin shard cursor for inserts
	shards [subscriberShards]subscriberShard
}

type subscriberShard struct {
	mu      sync.Mutex
	clients []*Client // nil entries are free
	free    []uint32  // positions available for reuse
}

// NewSubscriberList creates a list with roughly minSize preallocated
// slots, bounded at max total occupants.
func NewSubscriberList(minSize, max int) *SubscriberList {
	l := &SubscriberList{max: max}
	perShard := minSize / subscriberShards
	if perShard == 0 {
		perShard = 1
	}
	for i := range l.shards {
		l.shards[i].clients = make([]*Client, 0, perShard)
	}
	return l
}

// TryAdd inserts c and returns its slot. It fails when the list is at
// its bound.
func (l *SubscriberList) TryAdd(c *Client) (uint32, bool) {
	if int(l.count.Load()) >= l.max {
		return 0, false
	}

	shard := l.next.Add(1) & (subscriberShards - 1)
	sh := &l.shards[shard]

	sh.mu.Lock()
	var pos uint32
	if n := len(sh.free); n > 0 {
		pos = sh.free[n-1]
		sh.free = sh.free[:n-1]
		sh.clients[pos] = c
	} else {
		pos = uint32(len(sh.clients))
		sh.clients = append(sh.clients, c)
	}
	sh.mu.Unlock()

	l.count.Add(1)
	return pos<<subscriberShardBits | shard, true
}

// Remove frees the slot returned by TryAdd.
func (l *SubscriberList) Remove(idx uint32) {
	shard := idx & (subscriberShards - 1)
	pos := idx >> subscriberShardBits
	sh := &l.shards[shard]

	sh.mu.Lock()
	if int(pos) < len(sh.clients) && sh.clients[pos] != nil {
		sh.clients[pos] = nil
		sh.free = append(sh.free, pos)
		l.count.Add(-1)
	}
	sh.mu.Unlock()
}

// Get returns the client at idx, or nil if the slot is free.
func (l *SubscriberList) Get(idx uint32) *Client {
	shard := idx & (subscriberShards - 1)
	pos := idx >> subscriberShardBits
	sh := &l.shards[shard]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if int(pos) >= len(sh.clients) {
		return nil
	}
	return sh.clients[pos]
}

// Len returns the current number of occupied slots.
func (l *SubscriberList) Len() int {
	return int(l.count.Load())
}

// Shards returns the shard count, for callers that parallelize a walk.
func (l *SubscriberList) Shards() int {
	return subscriberShards
}

// SnapshotShard copies the occupied slots of one shard. Broadcast
// fan-out iterates these snapshots so every delivery pass sees the
// subscriber set as it was at the moment the broadcast dequeued,
// regardless of concurrent churn.
func (l *SubscriberList) SnapshotShard(shard int, buf []*Client) []*Client {
	sh := &l.shards[shard]

	sh.mu.Lock()
	for _, c := range sh.clients {
		if c != nil {
			buf = append(buf, c)
		}
	}
	sh.mu.Unlock()
	return buf
}

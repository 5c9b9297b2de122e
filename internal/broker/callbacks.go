package broker

import (
	"errors"
	"math/rand"
	"time"

	"github.com/quickio/quickio/internal/monitoring"
)

// Each client carries a small fixed table of outstanding
// server->client callbacks. Four slots is deliberate: a client with
// more than four unanswered server questions is either broken or
// hostile, and bounding the table keeps eviction O(1).
const callbackSlots = 4

// NoCallback is the id meaning "no reply expected".
const NoCallback uint32 = 0

// ErrCallbackNotFound is returned when a client replies to a slot that
// is empty or has been reused since.
var ErrCallbackNotFound = errors.New("broker: callback not found")

// CallbackFn runs when the client answers a server callback.
type CallbackFn func(c *Client, data any, clientCB uint32, json string) Status

// FreeFn releases the opaque data attached to a callback. It runs
// exactly once: on fire, on eviction, on age pruning, on client close,
// and immediately when the callback is registered with a nil fn.
type FreeFn func(data any)

type serverCallback struct {
	id        uint16
	fn        CallbackFn
	data      any
	freeFn    FreeFn
	createdAt time.Time
}

func (cb *serverCallback) free() {
	if cb.freeFn != nil {
		cb.freeFn(cb.data)
	}
}

// callbackNew stores a callback and returns its composite id:
// (slot_index << 16) | counter. The 16-bit counter detects stale
// replies to a reused slot; it skips 0 on wrap so a live id is never
// mistaken for NoCallback.
//
// When every slot is occupied a random victim is evicted, its free
// hook runs, and the eviction is counted.
func (c *Client) callbackNew(fn CallbackFn, data any, freeFn FreeFn) uint32 {
	if fn == nil {
		if freeFn != nil {
			freeFn(data)
		}
		return NoCallback
	}

	c.mu.Lock()

	slot := -1
	for i := range c.cbs {
		if c.cbs[i] == nil {
			slot = i
			break
		}
	}

	var evicted *serverCallback
	if slot == -1 {
		slot = rand.Intn(callbackSlots)
		evicted = c.cbs[slot]
		monitoring.CallbacksEvicted.Inc()
	}

	c.cbCounter++
	if c.cbCounter == 0 {
		c.cbCounter = 1
	}

	cb := &serverCallback{
		id:        c.cbCounter,
		fn:        fn,
		data:      data,
		freeFn:    freeFn,
		createdAt: time.Now(),
	}
	c.cbs[slot] = cb
	id := uint32(slot)<<16 | uint32(cb.id)

	c.mu.Unlock()

	if evicted != nil {
		evicted.free()
	}
	return id
}

// callbackFire dispatches the client's reply to the matching slot. The
// handler runs outside the client lock.
func (c *Client) callbackFire(serverCB, clientCB uint32, json string) (Status, error) {
	slot := int(serverCB >> 16)
	id := uint16(serverCB & 0xffff)
	if slot >= callbackSlots {
		return StatusErr, ErrCallbackNotFound
	}

	c.mu.Lock()
	cb := c.cbs[slot]
	if cb == nil || cb.id != id {
		c.mu.Unlock()
		return StatusErr, ErrCallbackNotFound
	}
	c.cbs[slot] = nil
	c.mu.Unlock()

	status := cb.fn(c, cb.data, clientCB, json)
	cb.free()
	return status, nil
}

// pruneCallbacks drops slots older than maxAge, running their free
// hooks. The periodic sweep calls this for every client.
func (c *Client) pruneCallbacks(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	var pruned []*serverCallback
	for i, cb := range c.cbs {
		if cb != nil && cb.createdAt.Before(cutoff) {
			pruned = append(pruned, cb)
			c.cbs[i] = nil
		}
	}
	c.mu.Unlock()

	for _, cb := range pruned {
		cb.free()
		monitoring.CallbacksPruned.Inc()
	}
}

// takeCallbacksLocked empties the table and returns the entries so the
// caller can run free hooks outside the lock. Caller holds c.mu.
func (c *Client) takeCallbacksLocked() []*serverCallback {
	var out []*serverCallback
	for i, cb := range c.cbs {
		if cb != nil {
			out = append(out, cb)
			c.cbs[i] = nil
		}
	}
	return out
}

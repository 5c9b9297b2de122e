package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/quickio/quickio/internal/monitoring"
)

// pendingBroadcast is one enqueued fan-out: a subscription (referenced
// while queued) and the payload for it.
type pendingBroadcast struct {
	sub  *Subscription
	json string
	next *pendingBroadcast
}

// broadcastQueue is a lock-free multi-producer stack drained by a
// single consumer. Producers push with a CAS; the drainer takes the
// whole stack in one swap and reverses it, which restores FIFO order
// and with it the per-subscription ordering guarantee.
type broadcastQueue struct {
	head unsafe.Pointer // *pendingBroadcast
	wake chan struct{}
}

func newBroadcastQueue() *broadcastQueue {
	return &broadcastQueue{wake: make(chan struct{}, 1)}
}

func (q *broadcastQueue) push(p *pendingBroadcast) {
	for {
		head := atomic.LoadPointer(&q.head)
		p.next = (*pendingBroadcast)(head)
		if atomic.CompareAndSwapPointer(&q.head, head, unsafe.Pointer(p)) {
			break
		}
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take removes the entire pending stack and returns it oldest-first.
func (q *broadcastQueue) take() *pendingBroadcast {
	head := (*pendingBroadcast)(atomic.SwapPointer(&q.head, nil))

	var fifo *pendingBroadcast
	for head != nil {
		next := head.next
		head.next = fifo
		fifo = head
		head = next
	}
	return fifo
}

// Broadcast routes json to every subscriber of path. The path resolves
// through the trie the same way inbound events do, so a subtree
// handler's subscription is found by any of its child paths.
func (b *Broker) Broadcast(path, json string) error {
	ev, evExtra := b.events.query(path)
	if ev == nil {
		return ErrInvalidPath
	}
	b.BroadcastEvent(ev, evExtra, json)
	return nil
}

// BroadcastEvent enqueues json to the subscription at (ev, extra), if
// anyone holds it. The reference taken here is released after
// delivery.
func (b *Broker) BroadcastEvent(ev *Event, extra, json string) {
	sub := ev.subGet(extra, false)
	if sub == nil {
		return
	}

	b.broadcasts.push(&pendingBroadcast{sub: sub, json: json})
	monitoring.BroadcastsEnqueued.Inc()
}

// runBroadcasts is the single drainer. One goroutine owning the
// dequeue side is what makes per-subscription ordering hold: batches
// are delivered strictly in the order they were enqueued.
func (b *Broker) runBroadcasts(ctx context.Context) {
	defer monitoring.RecoverPanic(b.logger, "broadcast", nil)

	for {
		select {
		case <-ctx.Done():
			b.drainBroadcasts()
			return
		case <-b.broadcasts.wake:
			b.drainBroadcasts()
		}
	}
}

func (b *Broker) drainBroadcasts() {
	for p := b.broadcasts.take(); p != nil; p = p.next {
		b.fanOut(p.sub, p.json)
		p.sub.Unref()
	}
}

// broadcastFrames is one broadcast's payload rendered per dialect,
// built once and shared across every delivery.
type broadcastFrames struct {
	byProto map[string][]byte
}

func (b *Broker) renderFrames(sub *Subscription, json string) *broadcastFrames {
	path := sub.ev.path
	f := &broadcastFrames{byProto: make(map[string][]byte, 4)}
	for _, p := range []protocolDriver{b.protoRaw, b.protoWS, b.protoHTTP} {
		f.byProto[p.id()] = p.frame(path, sub.extra, NoCallback, json)
	}
	return f
}

// fanOut walks the subscriber shards, in parallel when configured and
// the list is large enough to be worth it. A failed write closes that
// subscriber and nothing else.
func (b *Broker) fanOut(sub *Subscription, json string) {
	if sub.subscribers.Len() == 0 {
		return
	}

	frames := b.renderFrames(sub, json)
	shards := sub.subscribers.Shards()

	workers := b.cfg.BroadcastThreads
	if workers < 1 || sub.subscribers.Len() < shards {
		workers = 1
	}
	if workers > shards {
		workers = shards
	}

	if workers == 1 {
		buf := make([]*Client, 0, 64)
		for shard := 0; shard < shards; shard++ {
			buf = b.deliverShard(sub, shard, frames, buf[:0])
		}
		return
	}

	var next atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer monitoring.RecoverPanic(b.logger, "broadcast-worker", nil)
			buf := make([]*Client, 0, 64)
			for {
				shard := int(next.Add(1)) - 1
				if shard >= shards {
					return
				}
				buf = b.deliverShard(sub, shard, frames, buf[:0])
			}
		}()
	}
	wg.Wait()
}

func (b *Broker) deliverShard(sub *Subscription, shard int, frames *broadcastFrames, buf []*Client) []*Client {
	buf = sub.subscribers.SnapshotShard(shard, buf)
	for _, c := range buf {
		if c.closed.Load() {
			continue
		}
		framed := frames.byProto[c.proto.id()]
		if framed == nil {
			continue
		}
		if err := c.proto.deliver(c, framed); err != nil {
			monitoring.BroadcastWriteErrors.Inc()
			b.closeClient(c, closeWriteError)
			continue
		}
		monitoring.BroadcastDeliveries.WithLabelValues(c.proto.id()).Inc()
	}
	return buf
}

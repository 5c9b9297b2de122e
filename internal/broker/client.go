package broker

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quickio/quickio/internal/monitoring"
)

var errClientClosed = errors.New("broker: client closed")

// clientState tracks where a connection is in the protocol dispatch
// machine.
type clientState int

const (
	stateSniffing clientState = iota
	stateHandshaking
	stateReady
)

// Client is a connected peer: a raw TCP client, a WebSocket client, a
// short-lived HTTP poller, or a long-lived HTTP surrogate (which owns
// no socket at all).
//
// Locking: mu guards subscription bookkeeping, callback slots and the
// HTTP pairing fields. It is never held across user handlers or
// socket writes; writeMu serializes the socket independently so a
// heartbeat write cannot interleave with a broadcast write.
type Client struct {
	broker *Broker
	conn   net.Conn // nil for surrogates
	ip     string

	proto      protocolDriver
	state      clientState
	handshaked bool
	rbuf       []byte

	writeMu sync.Mutex

	mu        sync.Mutex
	subs      map[*Subscription]*clientSub // lazily created, nil when empty
	cbs       [callbackSlots]*serverCallback
	cbCounter uint16

	lastSend atomic.Int64 // monotonic-ish unix nanos
	lastRecv atomic.Int64

	// Per-route error detail set via Fail. Only touched on the
	// connection's own read path, which runs events strictly in order.
	routeErrCode Code
	routeErrMsg  string

	closed atomic.Bool

	// HTTP surrogate coupling (see surrogate.go). A surrogate owns the
	// subscription/callback state above; pollers are transient sockets
	// that attach to it for one request/response.
	isSurrogate bool
	sid         sessionID
	surrogate   *Client  // on a poller: the paired surrogate
	poller      *Client  // on a surrogate: the attached poller
	outbuf      [][]byte // on a surrogate: event lines awaiting a poller
	inRequest   bool     // on a surrogate: a poller is mid-request
	keepAlive   bool     // on a poller: HTTP connection reuse
}

// clientSub records one client's hold on a subscription.
//
// pending is set until the on-subscribe hook completes. If an
// unsubscribe arrives while pending, tombstone is set instead of
// removing the entry; acceptance then cleans it up rather than
// activating it.
type clientSub struct {
	idx       uint32 // slot in the subscription's subscriber list, valid when active
	pending   bool
	tombstone bool
}

// subAddResult is the outcome of subAdd.
type subAddResult int

const (
	subCreated subAddResult = iota
	subPending
	subActive
	subTombstoned
	subNull // admission denied (or list full on accept)
)

func (c *Client) touchRecv() { c.lastRecv.Store(time.Now().UnixNano()) }
func (c *Client) touchSend() { c.lastSend.Store(time.Now().UnixNano()) }

// write pushes bytes to the socket under a deadline. A failed write is
// terminal for this client; the caller decides whether to close.
func (c *Client) write(p []byte) error {
	if c.closed.Load() || c.conn == nil {
		return errClientClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.conn.Write(p); err != nil {
		return err
	}
	c.touchSend()
	return nil
}

// subAdd registers a new pending hold on s, applying the fairness
// admission policy. The caller's reference on s transfers to the entry
// when subCreated is returned; for every other result the caller keeps
// its reference.
func (c *Client) subAdd(s *Subscription) subAddResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs := c.subs[s]; cs != nil {
		if cs.pending {
			return subPending
		}
		return subActive
	}

	if !c.broker.admitSub(len(c.subs)) {
		monitoring.SubscriptionsDenied.Inc()
		return subNull
	}

	if c.subs == nil {
		c.subs = make(map[*Subscription]*clientSub)
	}
	c.subs[s] = &clientSub{pending: true}
	c.broker.subsTotal.Add(1)
	c.broker.subsAdded.Add(1)
	monitoring.SubscriptionsActive.Inc()
	return subCreated
}

// subAccept finishes a pending subscription after its on-subscribe
// hook approved it. The entry either activates, or is cleaned up when
// the subscriber list is full or a tombstone arrived in the meantime.
func (c *Client) subAccept(s *Subscription) subAddResult {
	c.mu.Lock()

	cs := c.subs[s]
	if cs == nil {
		c.mu.Unlock()
		s.Unref()
		return subNull
	}

	if c.closed.Load() || cs.tombstone {
		tomb := cs.tombstone
		c.subDropLocked(s)
		c.mu.Unlock()
		s.Unref()
		if tomb {
			return subTombstoned
		}
		return subNull
	}

	idx, ok := s.subscribers.TryAdd(c)
	if !ok {
		c.subDropLocked(s)
		c.mu.Unlock()
		s.Unref()
		return subNull
	}

	cs.idx = idx
	cs.pending = false
	c.mu.Unlock()
	return subActive
}

// subReject cleans up a pending subscription whose on-subscribe hook
// denied it.
func (c *Client) subReject(s *Subscription) {
	c.mu.Lock()
	if c.subs[s] != nil {
		c.subDropLocked(s)
	}
	c.mu.Unlock()
	s.Unref()
}

// subRemove unsubscribes. A still-pending entry is tombstoned instead
// (returns false, "deferred"); the acceptance path removes it later.
func (c *Client) subRemove(s *Subscription) bool {
	c.mu.Lock()

	cs := c.subs[s]
	if cs == nil {
		c.mu.Unlock()
		return false
	}
	if cs.pending {
		cs.tombstone = true
		c.mu.Unlock()
		return false
	}

	idx := cs.idx
	c.subDropLocked(s)
	c.mu.Unlock()

	s.subscribers.Remove(idx)
	s.Unref()
	return true
}

// subActive reports whether the client holds s and it is neither
// pending nor tombstoned.
func (c *Client) subActive(s *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs := c.subs[s]
	return cs != nil && !cs.pending && !cs.tombstone
}

// subDropLocked removes the map entry and updates counters. Caller
// holds c.mu and is responsible for the subscriber-list slot and the
// subscription reference.
func (c *Client) subDropLocked(s *Subscription) {
	delete(c.subs, s)
	if len(c.subs) == 0 {
		c.subs = nil
	}
	c.broker.subsTotal.Add(-1)
	c.broker.subsRemoved.Add(1)
	monitoring.SubscriptionsActive.Dec()
}

// admitSub applies the fairness policy for one more subscription on a
// client currently holding clientSubs.
//
// The arithmetic is intentionally kept as deployed: under pressure a
// client's cap is max(1, total/maxClients) * ((20/(0.05*fairness))-3),
// computed in floating point and truncated. The fairness==0 branch
// must run before the division.
func (b *Broker) admitSub(clientSubs int) bool {
	max := int64(b.cfg.ClientsSubsTotal)
	total := b.subsTotal.Load()
	if total >= max {
		return false
	}

	fairness := b.cfg.ClientsSubsPressure
	if fairness == 0 {
		return true
	}

	threshold := (100 - int64(fairness)) * max / 100
	if total < threshold {
		return true
	}

	perClient := max / int64(b.cfg.MaxClients)
	if perClient < 1 {
		perClient = 1
	}
	limit := int64(float64(perClient) * (20.0/(0.05*float64(fairness)) - 3.0))
	if min := int64(b.cfg.ClientsSubsMin); limit < min {
		limit = min
	}
	return int64(clientSubs) < limit
}

// closeClient tears a client down exactly once: protocol goodbye,
// socket close, deregistration, subscription release and callback
// cleanup. Safe against concurrent sends, which discover the closed
// flag and drop.
func (b *Broker) closeClient(c *Client, reason closeReason) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	if c.proto != nil {
		c.proto.shutdown(c, reason)
	}
	if c.conn != nil {
		c.conn.Close()
	}

	b.clients.Delete(c)
	monitoring.ConnectionsActive.Dec()
	monitoring.ClientsClosed.WithLabelValues(reason.String()).Inc()

	if c.isSurrogate {
		b.surrogates.remove(c)
	}

	// Release subscriptions. Pending entries are tombstoned and left
	// for the acceptance path; active ones free their slot now.
	c.mu.Lock()
	type release struct {
		s   *Subscription
		idx uint32
	}
	var releases []release
	for s, cs := range c.subs {
		if cs.pending {
			cs.tombstone = true
			continue
		}
		releases = append(releases, release{s, cs.idx})
		c.subDropLocked(s)
	}
	cbs := c.takeCallbacksLocked()
	c.mu.Unlock()

	for _, r := range releases {
		r.s.subscribers.Remove(r.idx)
		r.s.Unref()
	}
	for _, cb := range cbs {
		cb.free()
	}

	b.logger.Debug().
		Str("reason", reason.String()).
		Bool("surrogate", c.isSurrogate).
		Msg("Client closed")
}

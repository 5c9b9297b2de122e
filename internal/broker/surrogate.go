package broker

import (
	"sync"

	"github.com/quickio/quickio/internal/monitoring"
)

// A surrogate is a logical, long-lived HTTP session: a Client with no
// socket, keyed by its 128-bit session id. Transient pollers (real
// sockets) attach to it one at a time for request/response. The
// surrogate owns all subscription and callback state, so the session
// survives any number of short-lived HTTP connections.

// sessionID is the 128-bit opaque session identity, parsed from
// exactly 32 lowercase hex nibbles.
type sessionID struct {
	hi, lo uint64
}

// parseSessionID accepts exactly 32 lowercase hex digits. Any other
// length or content is rejected (the transport answers 403).
func parseSessionID(s string) (sessionID, bool) {
	if len(s) != 32 {
		return sessionID{}, false
	}

	var parts [2]uint64
	for half := 0; half < 2; half++ {
		var v uint64
		for i := 0; i < 16; i++ {
			c := s[half*16+i]
			switch {
			case c >= '0' && c <= '9':
				v = v<<4 | uint64(c-'0')
			case c >= 'a' && c <= 'f':
				v = v<<4 | uint64(c-'a'+10)
			default:
				return sessionID{}, false
			}
		}
		parts[half] = v
	}
	return sessionID{hi: parts[0], lo: parts[1]}, true
}

// The surrogate table is sharded 64 ways by the low bits of the
// session id so concurrent polls rarely contend.
const surrogateBuckets = 64

type surrogateBucket struct {
	mu sync.RWMutex
	m  map[sessionID]*Client
}

type surrogateTable struct {
	buckets [surrogateBuckets]surrogateBucket
}

func newSurrogateTable() *surrogateTable {
	t := &surrogateTable{}
	for i := range t.buckets {
		t.buckets[i].m = make(map[sessionID]*Client)
	}
	return t
}

func (t *surrogateTable) bucket(sid sessionID) *surrogateBucket {
	return &t.buckets[sid.lo&(surrogateBuckets-1)]
}

// lookup returns the surrogate for sid, or nil.
func (t *surrogateTable) lookup(sid sessionID) *Client {
	bk := t.bucket(sid)
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	return bk.m[sid]
}

// getOrCreate resolves sid, creating the surrogate when create is set
// (a poll with connect=true). The double-checked write lock keeps two
// racing connect requests from making two sessions.
func (t *surrogateTable) getOrCreate(b *Broker, sid sessionID, create bool) *Client {
	if surr := t.lookup(sid); surr != nil {
		return surr
	}
	if !create {
		return nil
	}

	bk := t.bucket(sid)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	if surr := bk.m[sid]; surr != nil {
		return surr
	}

	surr := &Client{
		broker:      b,
		proto:       b.protoHTTP,
		state:       stateReady,
		handshaked:  true,
		isSurrogate: true,
		sid:         sid,
	}
	surr.touchRecv()
	surr.touchSend()
	bk.m[sid] = surr

	b.clients.Store(surr, true)
	monitoring.ConnectionsActive.Inc()
	monitoring.ConnectionsTotal.WithLabelValues("http").Inc()

	b.logger.Debug().Msg("Surrogate created")
	return surr
}

// remove drops the surrogate from the table (called on close).
func (t *surrogateTable) remove(c *Client) {
	bk := t.bucket(c.sid)
	bk.mu.Lock()
	if bk.m[c.sid] == c {
		delete(bk.m, c.sid)
	}
	bk.mu.Unlock()
}

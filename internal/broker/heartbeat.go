package broker

import (
	"context"
	"sync"
	"time"

	"github.com/quickio/quickio/internal/monitoring"
)

// Liveness horizons. A socket idle past pollHorizon (HTTP) or
// heartbeatHorizon (raw/WebSocket) gets traffic; a peer silent past
// challengeHorizon gets a callback challenge; one silent past
// deadHorizon is declared dead. The first two are padded by the sweep
// interval so a client cannot slip between two passes.
const (
	pollHorizon      = 55 * time.Second
	heartbeatHorizon = 61 * time.Second
	challengeHorizon = 15 * time.Minute
	deadHorizon      = 16 * time.Minute
)

// heartbeatIntervals is one sweep's snapshot of the liveness cutoffs,
// as unix nanos. A timestamp below a cutoff is on the wrong side of
// that horizon.
type heartbeatIntervals struct {
	timeout   int64 // surrogate idle cutoff (configured client timeout)
	poll      int64 // parked poller flush cutoff
	heartbeat int64 // socket idle-write cutoff
	challenge int64 // silence cutoff before a callback challenge
	dead      int64 // silence cutoff before teardown
}

func (b *Broker) heartbeatCutoffs(now time.Time) *heartbeatIntervals {
	pad := b.cfg.PeriodicInterval
	return &heartbeatIntervals{
		timeout:   now.Add(-b.cfg.ClientTimeout).UnixNano(),
		poll:      now.Add(pad - pollHorizon).UnixNano(),
		heartbeat: now.Add(pad - heartbeatHorizon).UnixNano(),
		challenge: now.Add(-challengeHorizon).UnixNano(),
		dead:      now.Add(-deadHorizon).UnixNano(),
	}
}

// runPeriodic is the maintenance loop: every PeriodicInterval it prunes
// stale callbacks and applies each protocol's heartbeat rules, spread
// over PeriodicThreads workers.
func (b *Broker) runPeriodic(ctx context.Context) {
	defer monitoring.RecoverPanic(b.logger, "periodic", nil)

	ticker := time.NewTicker(b.cfg.PeriodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broker) sweep() {
	hb := b.heartbeatCutoffs(time.Now())

	var clients []*Client
	b.clients.Range(func(key, _ any) bool {
		clients = append(clients, key.(*Client))
		return true
	})
	if len(clients) == 0 {
		return
	}

	workers := b.cfg.PeriodicThreads
	if workers < 1 {
		workers = 1
	}
	if workers > len(clients) {
		workers = len(clients)
	}

	var wg sync.WaitGroup
	chunk := (len(clients) + workers - 1) / workers
	for off := 0; off < len(clients); off += chunk {
		end := off + chunk
		if end > len(clients) {
			end = len(clients)
		}
		wg.Add(1)
		go func(batch []*Client) {
			defer wg.Done()
			defer monitoring.RecoverPanic(b.logger, "periodic-worker", nil)
			for _, c := range batch {
				b.sweepClient(c, hb)
			}
		}(clients[off:end])
	}
	wg.Wait()
}

func (b *Broker) sweepClient(c *Client, hb *heartbeatIntervals) {
	if c.closed.Load() {
		return
	}

	c.pruneCallbacks(b.cfg.ClientsCBMaxAge)

	// Pre-handshake connections have no dialect to speak; they just get
	// dropped once silent too long.
	if !c.handshaked {
		if c.lastRecv.Load() < hb.dead {
			b.heartattack(c)
		}
		return
	}

	c.proto.heartbeat(c, hb)
}

// heartbeatSocket applies the shared socket liveness rules for the raw
// and WebSocket dialects: dead peers close, overly silent peers get a
// callback challenge, and an idle outbound side gets the dialect's
// fixed heartbeat frame.
func (b *Broker) heartbeatSocket(c *Client, hb *heartbeatIntervals, idle []byte) {
	recv := c.lastRecv.Load()
	if recv < hb.dead {
		b.heartattack(c)
		return
	}
	if recv < hb.challenge {
		b.heartbeatChallenge(c)
		return
	}
	if c.lastSend.Load() < hb.heartbeat {
		if err := c.write(idle); err != nil {
			b.closeClient(c, closeWriteError)
		}
	}
}

// heartbeatChallenge sends /qio/heartbeat carrying a server callback.
// Answering it proves the peer still processes traffic, not merely that
// its TCP stack acks; the read itself refreshes lastRecv, so the
// handler has nothing left to do.
func (b *Broker) heartbeatChallenge(c *Client) {
	id := c.callbackNew(func(*Client, any, uint32, string) Status {
		return StatusOK
	}, nil, nil)

	monitoring.HeartbeatChallenges.Inc()
	if err := c.proto.deliver(c, c.proto.frame("/qio/heartbeat", "", id, "null")); err != nil {
		b.closeClient(c, closeWriteError)
	}
}

func (b *Broker) heartattack(c *Client) {
	monitoring.Heartattacks.Inc()
	b.closeClient(c, closeHeartattack)
}

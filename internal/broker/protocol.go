package broker

import (
	"time"

	"github.com/quickio/quickio/internal/monitoring"
)

const (
	// Time allowed to complete one socket write before the peer is
	// considered too slow.
	writeWait = 5 * time.Second

	// maxReadBuffer bounds the userspace read buffer. A client whose
	// unconsumed bytes exceed this is closed with payload-too-large.
	maxReadBuffer = 1 << 20

	// maxEventSize bounds one framed event. Also guards the 64-bit
	// length-header overflow on the raw dialect.
	maxEventSize = 1 << 20
)

// sniffStatus is the answer to "does this protocol own these bytes".
type sniffStatus int

const (
	sniffNo sniffStatus = iota
	sniffMaybe
	sniffYes
)

// protoStatus is what handshake/route report back to the dispatcher.
type protoStatus int

const (
	protoOK    protoStatus = iota // progress made, run again
	protoAgain                    // need more bytes
	protoDone                     // protocol finished cleanly, close
	protoFatal                    // close with the returned reason
)

// protocolDriver is one wire dialect. Drivers share the client's read
// buffer and consume bytes as they parse.
type protocolDriver interface {
	// id names the protocol for logs and metrics.
	id() string

	// sniff inspects the buffered bytes of a fresh connection.
	sniff(c *Client) sniffStatus

	// handshake performs the dialect's negotiation.
	handshake(c *Client) (protoStatus, closeReason)

	// route decodes and dispatches one buffered message.
	route(c *Client) (protoStatus, closeReason)

	// frame materializes one event as this dialect's wire bytes.
	frame(path, extra string, serverCB uint32, json string) []byte

	// deliver writes an already-framed event to the client.
	deliver(c *Client, framed []byte) error

	// heartbeat applies the periodic liveness pass to one client.
	heartbeat(c *Client, hb *heartbeatIntervals)

	// shutdown writes the dialect's goodbye for the given reason. The
	// socket is closed by the caller afterwards.
	shutdown(c *Client, reason closeReason)
}

// consume drops n parsed bytes from the front of the read buffer.
func (c *Client) consume(n int) {
	if n >= len(c.rbuf) {
		c.rbuf = c.rbuf[:0]
		return
	}
	c.rbuf = c.rbuf[:copy(c.rbuf, c.rbuf[n:])]
}

// dispatch advances a client's protocol state machine as far as the
// buffered bytes allow.
//
//	NEW -> sniff each protocol in order (HTTP, flash policy, raw;
//	       WebSocket is only ever entered through an HTTP upgrade)
//	HANDSHAKING -> driver.handshake until OK
//	READY -> driver.route per buffered message
//
// Protocol switches (HTTP upgrade to WebSocket) work by the driver
// replacing c.proto and rewinding c.state; the loop re-reads both on
// every pass.
func (b *Broker) dispatch(c *Client) {
	for {
		if c.closed.Load() {
			return
		}

		switch c.state {
		case stateSniffing:
			anyMaybe := false
			var matched protocolDriver
			for _, p := range b.sniffOrder {
				switch p.sniff(c) {
				case sniffYes:
					matched = p
				case sniffMaybe:
					anyMaybe = true
				}
				if matched != nil {
					break
				}
			}
			if matched != nil {
				c.proto = matched
				c.state = stateHandshaking
				monitoring.ConnectionsTotal.WithLabelValues(matched.id()).Inc()
				continue
			}
			if !anyMaybe {
				b.closeClient(c, closeNotSupported)
				return
			}
			return // wait for more bytes

		case stateHandshaking:
			st, reason := c.proto.handshake(c)
			switch st {
			case protoOK:
				c.state = stateReady
				c.handshaked = true
				continue
			case protoAgain:
				return
			case protoDone:
				b.closeClient(c, closeExiting)
				return
			default:
				b.closeClient(c, reason)
				return
			}

		case stateReady:
			st, reason := c.proto.route(c)
			switch st {
			case protoOK:
				continue
			case protoAgain:
				return
			case protoDone:
				b.closeClient(c, closeExiting)
				return
			default:
				b.closeClient(c, reason)
				return
			}
		}
	}
}

package broker

import "bytes"

// Flash cross-domain policy: sockets that open with the literal policy
// request get the static policy body and a graceful close. Kept for
// the :843 policy listener and for legacy clients that probe the main
// port.
const (
	flashRequest = "<policy-file-request/>"
	flashPolicy  = `<?xml version="1.0"?>` +
		`<cross-domain-policy>` +
		`<allow-access-from domain="*" to-ports="*"/>` +
		`</cross-domain-policy>`
)

type flashProtocol struct {
	broker *Broker
}

func (p *flashProtocol) id() string { return "flash" }

func (p *flashProtocol) sniff(c *Client) sniffStatus {
	req := []byte(flashRequest)
	if len(c.rbuf) >= len(req) {
		if bytes.Equal(c.rbuf[:len(req)], req) {
			return sniffYes
		}
		return sniffNo
	}
	if bytes.Equal(c.rbuf, req[:len(c.rbuf)]) {
		return sniffMaybe
	}
	return sniffNo
}

// handshake writes the policy body; the connection is then done.
func (p *flashProtocol) handshake(c *Client) (protoStatus, closeReason) {
	if err := c.write([]byte(flashPolicy)); err != nil {
		return protoFatal, closeWriteError
	}
	return protoDone, 0
}

func (p *flashProtocol) route(c *Client) (protoStatus, closeReason) {
	return protoDone, 0
}

func (p *flashProtocol) frame(path, extra string, serverCB uint32, json string) []byte {
	return nil
}

func (p *flashProtocol) deliver(c *Client, framed []byte) error { return nil }

func (p *flashProtocol) heartbeat(c *Client, hb *heartbeatIntervals) {}

func (p *flashProtocol) shutdown(c *Client, reason closeReason) {}

package broker

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
)

// wsAcceptGUID is the fixed RFC6455 handshake GUID.
const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func wsAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// httpProtocol serves two request modes on the one sniffed endpoint:
// upgrade to WebSocket when Sec-WebSocket-Key is present, HTTP long
// polling otherwise.
//
// Long polling decouples logical clients from sockets: events in a
// POST body are routed against the session's surrogate, and the
// response either carries queued outbound events immediately or the
// connection parks as the surrogate's single outstanding poller.
type httpProtocol struct {
	broker *Broker
}

func (p *httpProtocol) id() string { return "http" }

func (p *httpProtocol) sniff(c *Client) sniffStatus {
	return sniffHTTP(c.rbuf)
}

// handshake: HTTP has no pre-negotiation of its own; requests are
// parsed per-message in route.
func (p *httpProtocol) handshake(c *Client) (protoStatus, closeReason) {
	return protoOK, 0
}

func (p *httpProtocol) route(c *Client) (protoStatus, closeReason) {
	if len(c.rbuf) == 0 {
		return protoAgain, 0
	}

	req, complete, err := parseHTTPRequest(c.rbuf)
	if err != nil {
		p.respond(c, CodeBadRequest, "", nil, false)
		return protoFatal, closeBadHandshake
	}
	if !complete {
		return protoAgain, 0
	}

	if req.wsKey != "" {
		return p.upgrade(c, req)
	}

	keep := req.keepAlive()

	switch req.method {
	case "POST":
		// handled below
	case "GET", "HEAD":
		c.consume(req.headerLen)
		if req.path == "/iframe" {
			if !p.broker.cfg.HTTPEnabled() {
				p.respond(c, CodeNotImplemented, "text/html", []byte(httpDisabledHTML), keep)
			} else {
				p.respond(c, CodeOK, "text/html", []byte(httpIframeHTML), keep)
			}
		} else {
			p.respond(c, CodeMethodNotAllowed, "", nil, keep)
		}
		return protoOK, 0
	default:
		c.consume(req.headerLen)
		p.respond(c, CodeMethodNotAllowed, "", nil, keep)
		return protoOK, 0
	}

	if !req.hasLength {
		c.consume(req.headerLen)
		p.respond(c, CodeLengthRequired, "", nil, keep)
		return protoOK, 0
	}
	if req.contentLength > maxEventSize {
		p.respond(c, CodePayloadTooLarge, "", nil, false)
		return protoFatal, closeTooLarge
	}

	total := req.headerLen + req.contentLength
	if len(c.rbuf) < total {
		return protoAgain, 0
	}

	if !p.broker.cfg.HTTPEnabled() {
		c.consume(total)
		p.respond(c, CodeNotImplemented, "text/html", []byte(httpDisabledHTML), keep)
		return protoOK, 0
	}

	sid, okSid := parseSessionID(req.query["sid"])
	if !okSid {
		c.consume(total)
		p.respond(c, CodeForbidden, "", nil, keep)
		return protoOK, 0
	}

	surr := p.broker.surrogates.getOrCreate(p.broker, sid, req.query["connect"] == "true")
	if surr == nil {
		c.consume(total)
		p.respond(c, CodeForbidden, "", nil, keep)
		return protoOK, 0
	}

	body := make([]byte, req.contentLength)
	copy(body, c.rbuf[req.headerLen:total])
	c.consume(total)
	c.keepAlive = keep

	p.handlePoll(c, surr, body)
	return protoOK, 0
}

// upgrade validates the WebSocket handshake headers and switches the
// client's driver over to RFC6455 on success.
func (p *httpProtocol) upgrade(c *Client, req *httpRequest) (protoStatus, closeReason) {
	c.consume(req.headerLen)

	if !strings.EqualFold(req.upgrade, "websocket") || !req.connectionWantsUpgrade() {
		p.respond(c, CodeUpgradeRequired, "", nil, false)
		return protoFatal, closeBadHandshake
	}
	if req.wsVersion != "13" || req.wsProtocol != "quickio" {
		p.respond(c, CodeBadRequest, "", nil, false)
		return protoFatal, closeBadHandshake
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&buf, "Sec-WebSocket-Accept: %s\r\n", wsAcceptKey(req.wsKey))
	buf.WriteString("Sec-WebSocket-Protocol: quickio\r\n\r\n")
	if err := c.write(buf.Bytes()); err != nil {
		return protoFatal, closeWriteError
	}

	// Continue as WebSocket: the client still owes the in-protocol
	// handshake message.
	c.proto = p.broker.protoWS
	c.state = stateHandshaking
	c.handshaked = false
	return protoOK, 0
}

// handlePoll routes the request body's events against the surrogate
// and couples the response: queued outbound events flush immediately,
// otherwise this poller parks as the surrogate's single outstanding
// one, displacing (and flushing) any previous poller.
func (p *httpProtocol) handlePoll(poller, surr *Client, body []byte) {
	surr.touchRecv()

	// While the request is being routed, outbound traffic buffers in
	// the surrogate instead of racing this response.
	surr.mu.Lock()
	surr.inRequest = true
	surr.mu.Unlock()

	bad := false
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		path, clientCB, json, err := parseEventText(line)
		if err != nil {
			bad = true
			break
		}
		p.broker.routeEvent(surr, path, clientCB, json)
	}

	surr.mu.Lock()
	surr.inRequest = false

	if bad {
		surr.mu.Unlock()
		p.respond(poller, CodeBadRequest, "", nil, poller.keepAlive)
		return
	}

	if len(surr.outbuf) > 0 {
		out := bytes.Join(surr.outbuf, nil)
		surr.outbuf = nil
		surr.mu.Unlock()
		surr.touchSend()
		p.respond(poller, CodeOK, "", out, poller.keepAlive)
		return
	}

	old := surr.poller
	surr.poller = poller
	surr.mu.Unlock()

	poller.mu.Lock()
	poller.surrogate = surr
	poller.mu.Unlock()

	// At most one outstanding poller: the displaced one gets an empty
	// 200 so its client loops around into a fresh poll.
	if old != nil && old != poller {
		old.mu.Lock()
		old.surrogate = nil
		old.mu.Unlock()
		p.respond(old, CodeOK, "", nil, old.keepAlive)
	}
}

// respond writes a response to a poller, closing the connection when
// it is not keep-alive.
func (p *httpProtocol) respond(c *Client, code Code, contentType string, body []byte, keepAlive bool) {
	if contentType == "" {
		contentType = "text/plain"
	}
	c.write(httpResponse(code, contentType, body, keepAlive))
	if !keepAlive {
		p.broker.closeClient(c, closeExiting)
	}
}

// frame for the poll transport is one event text line; response bodies
// are newline-separated event frames.
func (p *httpProtocol) frame(path, extra string, serverCB uint32, json string) []byte {
	return append(formatEventText(path, extra, serverCB, json), '\n')
}

// deliver queues or flushes one framed event line on a surrogate. A
// parked poller is answered immediately; otherwise (or while a request
// is mid-route, to avoid interleaving) the line buffers for the next
// poll.
func (p *httpProtocol) deliver(c *Client, framed []byte) error {
	if !c.isSurrogate {
		return c.write(framed)
	}

	c.mu.Lock()
	if c.inRequest || c.poller == nil {
		c.outbuf = append(c.outbuf, framed)
		c.mu.Unlock()
		return nil
	}
	poller := c.poller
	c.poller = nil
	c.mu.Unlock()

	poller.mu.Lock()
	poller.surrogate = nil
	poller.mu.Unlock()

	c.touchSend()
	p.respond(poller, CodeOK, "", framed, poller.keepAlive)
	return nil
}

// heartbeat rules differ per role (see the sweep in heartbeat.go):
//   - surrogate without a poller: close once idle past the timeout
//   - parked poller: flush an empty 200 before intermediaries time out
//   - unpaired poller: close once idle past the heartbeat horizon
func (p *httpProtocol) heartbeat(c *Client, hb *heartbeatIntervals) {
	if c.isSurrogate {
		c.mu.Lock()
		hasPoller := c.poller != nil
		c.mu.Unlock()

		if !hasPoller && c.lastSend.Load() < hb.timeout {
			p.broker.heartattack(c)
		}
		return
	}

	c.mu.Lock()
	surr := c.surrogate
	c.mu.Unlock()

	if surr == nil {
		if c.lastSend.Load() < hb.heartbeat {
			p.broker.closeClient(c, closeTimeout)
		}
		return
	}

	if c.lastSend.Load() < hb.poll {
		// Detach and flush so HTTP proxies on the path do not give up
		// on the idle response.
		surr.mu.Lock()
		attached := surr.poller == c
		if attached {
			surr.poller = nil
		}
		surr.mu.Unlock()

		if attached {
			c.mu.Lock()
			c.surrogate = nil
			c.mu.Unlock()
			surr.touchSend()
			p.respond(c, CodeOK, "", nil, c.keepAlive)
		}
	}
}

// shutdown detaches the poller pairing. A dying surrogate answers its
// parked poller with 403 so the client knows the session is gone; a
// dying poller simply unparks.
func (p *httpProtocol) shutdown(c *Client, reason closeReason) {
	if c.isSurrogate {
		c.mu.Lock()
		poller := c.poller
		c.poller = nil
		c.mu.Unlock()

		if poller != nil {
			poller.mu.Lock()
			poller.surrogate = nil
			poller.mu.Unlock()
			p.respond(poller, CodeForbidden, "", nil, false)
		}
		return
	}

	c.mu.Lock()
	surr := c.surrogate
	c.surrogate = nil
	c.mu.Unlock()

	if surr != nil {
		surr.mu.Lock()
		if surr.poller == c {
			surr.poller = nil
		}
		surr.mu.Unlock()
	}
}

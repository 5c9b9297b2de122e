package broker

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

// rfc6455Protocol frames the raw dialect inside WebSocket TEXT
// messages. It is never selected by sniffing; connections enter it
// through the HTTP upgrade path, after which the client must send one
// TEXT message containing the raw handshake literal.
type rfc6455Protocol struct {
	broker *Broker
}

func (p *rfc6455Protocol) id() string { return "rfc6455" }

func (p *rfc6455Protocol) sniff(c *Client) sniffStatus { return sniffNo }

// readFrame decodes one complete masked frame from the buffer,
// returning the unmasked payload and the bytes consumed. ok=false
// means the frame is still incomplete.
func (p *rfc6455Protocol) readFrame(c *Client) (h ws.Header, payload []byte, total int, ok bool, st protoStatus, reason closeReason) {
	br := bytes.NewReader(c.rbuf)
	h, err := ws.ReadHeader(br)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return h, nil, 0, false, protoAgain, 0
		}
		return h, nil, 0, false, protoFatal, closeInvalidEvent
	}

	headerLen := len(c.rbuf) - br.Len()

	// Lengths are decoded by gobwas per the 7/7+16/7+64 encodings;
	// anything whose total would overflow or exceed the event bound is
	// fatal.
	if h.Length < 0 || h.Length > maxEventSize {
		return h, nil, 0, false, protoFatal, closeTooLarge
	}
	total = headerLen + int(h.Length)
	if len(c.rbuf) < total {
		return h, nil, 0, false, protoAgain, 0
	}

	if !h.Masked {
		return h, nil, 0, false, protoFatal, closeNoMask
	}

	payload = make([]byte, h.Length)
	copy(payload, c.rbuf[headerLen:total])
	ws.Cipher(payload, h.Mask, 0)

	return h, payload, total, true, protoOK, 0
}

// handshake expects one TEXT message of exactly the raw handshake
// literal and answers it with a TEXT frame of the same.
func (p *rfc6455Protocol) handshake(c *Client) (protoStatus, closeReason) {
	h, payload, total, ok, st, reason := p.readFrame(c)
	if !ok {
		return st, reason
	}
	c.consume(total)

	if h.OpCode != ws.OpText || string(payload) != rawHandshake {
		return protoFatal, closeBadHandshake
	}

	if err := c.write(p.frameText([]byte(rawHandshake))); err != nil {
		return protoFatal, closeWriteError
	}
	return protoOK, 0
}

func (p *rfc6455Protocol) route(c *Client) (protoStatus, closeReason) {
	h, payload, total, ok, st, reason := p.readFrame(c)
	if !ok {
		return st, reason
	}
	c.consume(total)

	switch h.OpCode {
	case ws.OpText:
		if !utf8.Valid(payload) {
			return protoFatal, closeNotUTF8
		}
		path, clientCB, json, err := parseEventText(payload)
		if err != nil {
			return protoFatal, closeInvalidEvent
		}
		p.broker.routeEvent(c, path, clientCB, json)
		return protoOK, 0

	case ws.OpClose:
		return protoDone, 0

	default:
		return protoFatal, closeBadOpcode
	}
}

// frameText wraps payload in a server TEXT frame: opcode byte 0x81
// then the short/medium/long length encoding.
func (p *rfc6455Protocol) frameText(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(payload) + ws.MaxHeaderSize)
	ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Length: int64(len(payload)),
	})
	buf.Write(payload)
	return buf.Bytes()
}

func (p *rfc6455Protocol) frame(path, extra string, serverCB uint32, json string) []byte {
	return p.frameText(formatEventText(path, extra, serverCB, json))
}

func (p *rfc6455Protocol) deliver(c *Client, framed []byte) error {
	return c.write(framed)
}

func (p *rfc6455Protocol) heartbeat(c *Client, hb *heartbeatIntervals) {
	p.broker.heartbeatSocket(c, hb, p.frameText([]byte("/qio/heartbeat:0=null")))
}

// shutdown writes the RFC6455 close frame mapped from the reason.
func (p *rfc6455Protocol) shutdown(c *Client, reason closeReason) {
	var code ws.StatusCode
	text := ""
	switch reason {
	case closeExiting:
		code = ws.StatusGoingAway // 1001
	case closeBadHandshake, closeInvalidEvent, closeNoMask:
		code = ws.StatusProtocolError // 1002
	case closeBadOpcode:
		code = ws.StatusUnsupportedData // 1003
	case closeNotUTF8:
		code = ws.StatusInvalidFramePayloadData // 1007
	case closeTooLarge:
		code = ws.StatusMessageTooBig // 1009
	default:
		code = ws.StatusPolicyViolation // 1008, generic timeout/liveness
		text = reason.String()
	}

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, text))
	var buf bytes.Buffer
	ws.WriteFrame(&buf, frame)
	c.write(buf.Bytes())
}

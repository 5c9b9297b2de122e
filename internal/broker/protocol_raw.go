package broker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
)

// The raw dialect: the literal handshake, then 8-byte big-endian
// length-prefixed event text of the form path:callback=json.
const (
	rawHandshake = "/qio/ohai"

	// rawHeartbeat is the fixed server->client heartbeat frame:
	// a length header of 0x15 followed by /qio/heartbeat:0=null.
	rawHeartbeat = "\x00\x00\x00\x00\x00\x00\x00\x15/qio/heartbeat:0=null"
)

var errMalformedEvent = errors.New("broker: malformed event text")

// parseEventText splits "path:callback=json" at the first ':' and the
// '=' that follows it. Every dialect carries this same event shape.
func parseEventText(text []byte) (path string, clientCB uint32, json string, err error) {
	colon := bytes.IndexByte(text, ':')
	if colon < 0 {
		return "", 0, "", errMalformedEvent
	}
	rest := text[colon+1:]
	eq := bytes.IndexByte(rest, '=')
	if eq < 0 {
		return "", 0, "", errMalformedEvent
	}

	cb, perr := strconv.ParseUint(string(rest[:eq]), 10, 32)
	if perr != nil {
		return "", 0, "", errMalformedEvent
	}

	return string(text[:colon]), uint32(cb), string(rest[eq+1:]), nil
}

// formatEventText renders the common path:callback=json event shape.
func formatEventText(path, extra string, serverCB uint32, json string) []byte {
	if json == "" {
		json = "null"
	}
	buf := make([]byte, 0, len(path)+len(extra)+len(json)+16)
	buf = append(buf, path...)
	buf = append(buf, extra...)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, uint64(serverCB), 10)
	buf = append(buf, '=')
	buf = append(buf, json...)
	return buf
}

type rawProtocol struct {
	broker *Broker
}

func (p *rawProtocol) id() string { return "raw" }

func (p *rawProtocol) sniff(c *Client) sniffStatus {
	hs := []byte(rawHandshake)
	if len(c.rbuf) >= len(hs) {
		if bytes.Equal(c.rbuf[:len(hs)], hs) {
			return sniffYes
		}
		return sniffNo
	}
	if bytes.Equal(c.rbuf, hs[:len(c.rbuf)]) {
		return sniffMaybe
	}
	return sniffNo
}

// handshake echoes the literal back and clears it from the buffer. The
// sniffer only says yes on the full literal, so nothing can be
// missing here.
func (p *rawProtocol) handshake(c *Client) (protoStatus, closeReason) {
	if err := c.write([]byte(rawHandshake)); err != nil {
		return protoFatal, closeWriteError
	}
	c.consume(len(rawHandshake))
	return protoOK, 0
}

func (p *rawProtocol) route(c *Client) (protoStatus, closeReason) {
	if len(c.rbuf) < 8 {
		return protoAgain, 0
	}

	size := binary.BigEndian.Uint64(c.rbuf)

	// Reject lengths whose sum with the header would overflow, and
	// anything beyond the single-event bound.
	if size > maxEventSize {
		return protoFatal, closeTooLarge
	}
	total := 8 + int(size)
	if len(c.rbuf) < total {
		return protoAgain, 0
	}

	path, clientCB, json, err := parseEventText(c.rbuf[8:total])
	c.consume(total)
	if err != nil {
		return protoFatal, closeInvalidEvent
	}

	p.broker.routeEvent(c, path, clientCB, json)
	return protoOK, 0
}

func (p *rawProtocol) frame(path, extra string, serverCB uint32, json string) []byte {
	body := formatEventText(path, extra, serverCB, json)
	framed := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(framed, uint64(len(body)))
	copy(framed[8:], body)
	return framed
}

func (p *rawProtocol) deliver(c *Client, framed []byte) error {
	return c.write(framed)
}

func (p *rawProtocol) heartbeat(c *Client, hb *heartbeatIntervals) {
	p.broker.heartbeatSocket(c, hb, []byte(rawHeartbeat))
}

// shutdown: the raw dialect has no goodbye frame.
func (p *rawProtocol) shutdown(c *Client, reason closeReason) {}

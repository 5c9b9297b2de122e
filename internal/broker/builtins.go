package broker

import (
	"encoding/json"
	"strconv"
	"strings"
)

// registerBuiltins installs the /qio endpoints every client relies on.
// These go in at construction time, before any listener accepts, so
// the trie's lock-free read path holds for them too.
func (b *Broker) registerBuiltins() {
	// Ping and heartbeat acks carry no handler; routing alone is the
	// success.
	b.events.insert(b, "/qio/ping", nil, nil, nil, false)
	b.events.insert(b, "/qio/heartbeat", nil, nil, nil, false)

	b.events.insert(b, "/qio/hostname", b.builtinHostname, nil, nil, false)
	b.events.insert(b, "/qio/on", b.builtinOn, nil, nil, false)
	b.events.insert(b, "/qio/off", b.builtinOff, nil, nil, false)
	b.events.insert(b, "/qio/callback", b.builtinCallback, nil, nil, true)
}

func (b *Broker) builtinHostname(c *Client, _ string, clientCB uint32, _ string) Status {
	host, err := json.Marshal(b.cfg.PublicAddress)
	if err != nil {
		return c.Fail(CodeInternal, "hostname unavailable")
	}
	b.callback(c, clientCB, CodeOK, "", string(host), nil, nil, nil)
	return StatusHandled
}

// builtinOn subscribes the client to the path given as a JSON string
// argument. All replies flow through the subscribe pipeline, so the
// handler is always "handled" here.
func (b *Broker) builtinOn(c *Client, _ string, clientCB uint32, arg string) Status {
	var path string
	if err := json.Unmarshal([]byte(arg), &path); err != nil {
		return c.Fail(CodeBadRequest, "invalid subscription")
	}

	ev, evExtra := b.events.query(path)
	if ev == nil {
		return c.Fail(CodeNotFound, "unknown event")
	}

	b.onEvent(c, ev, evExtra, clientCB, arg)
	return StatusHandled
}

func (b *Broker) builtinOff(c *Client, _ string, _ uint32, arg string) Status {
	var path string
	if err := json.Unmarshal([]byte(arg), &path); err != nil {
		return c.Fail(CodeBadRequest, "invalid subscription")
	}

	ev, evExtra := b.events.query(path)
	if ev == nil {
		return c.Fail(CodeNotFound, "unknown event")
	}

	b.offEvent(c, ev, evExtra)
	return StatusOK
}

// builtinCallback fires the server callback slot named by the path
// suffix, /qio/callback/<id>.
func (b *Broker) builtinCallback(c *Client, evExtra string, clientCB uint32, arg string) Status {
	id, err := strconv.ParseUint(strings.TrimPrefix(evExtra, "/"), 10, 32)
	if err != nil {
		return c.Fail(CodeBadRequest, "invalid callback id")
	}

	status, err := c.callbackFire(uint32(id), clientCB, arg)
	if err != nil {
		return c.Fail(CodeNotFound, "callback not found")
	}
	return status
}

package broker

import (
	"encoding/json"
	"strconv"

	"github.com/quickio/quickio/internal/monitoring"
)

// Fail records the callback code and message the router should reply
// with and returns StatusErr, for use as a handler's return value:
//
//	return c.Fail(CodeNotFound, "unknown thing")
func (c *Client) Fail(code Code, msg string) Status {
	c.routeErrCode = code
	c.routeErrMsg = msg
	return StatusErr
}

// OnInfo carries the context of an in-flight subscribe through the
// on-subscribe hook. A hook that needs to consult something slow
// (an auth service, a database) returns StatusHandled and calls
// Finish once it knows; everything stays valid until then.
type OnInfo struct {
	Client *Client
	Event  *Event
	Extra  string
	JSON   string

	broker   *Broker
	sub      *Subscription
	clientCB uint32
}

// Finish completes an asynchronous subscribe decision. StatusOK admits
// the client, anything else rejects it.
func (i *OnInfo) Finish(status Status) {
	i.broker.onFinish(i, status)
}

// Register installs a handler set at path. handlesChildren routes the
// whole subtree here, exposing the unmatched suffix to the handlers.
func (b *Broker) Register(path string, handler HandlerFn, on OnFn, off OffFn, handlesChildren bool) (*Event, error) {
	return b.events.insert(b, path, handler, on, off, handlesChildren)
}

// routeEvent dispatches one decoded event from a client against the
// trie and answers the client's callback with the outcome.
func (b *Broker) routeEvent(c *Client, path string, clientCB uint32, json string) {
	c.touchRecv()

	ev, evExtra := b.events.query(path)
	if ev == nil {
		monitoring.EventsRouted.WithLabelValues("not_found").Inc()
		b.callback(c, clientCB, CodeNotFound, "unknown event", "", nil, nil, nil)
		return
	}

	status := StatusOK
	if ev.handlerFn != nil {
		c.routeErrCode = 0
		c.routeErrMsg = ""
		status = ev.handlerFn(c, evExtra, clientCB, json)
	}

	switch status {
	case StatusOK:
		monitoring.EventsRouted.WithLabelValues("ok").Inc()
		b.callback(c, clientCB, CodeOK, "", "", nil, nil, nil)
	case StatusHandled:
		// Handler owns the reply.
		monitoring.EventsRouted.WithLabelValues("handled").Inc()
	default:
		code, msg := c.routeErrCode, c.routeErrMsg
		if code == 0 {
			code, msg = CodeInternal, "error"
		}
		monitoring.EventsRouted.WithLabelValues("error").Inc()
		b.callback(c, clientCB, code, msg, "", nil, nil, nil)
	}
}

// onEvent runs the subscribe flow for a resolved event.
func (b *Broker) onEvent(c *Client, ev *Event, evExtra string, clientCB uint32, json string) {
	sub := ev.subGet(evExtra, true)

	switch c.subAdd(sub) {
	case subPending:
		sub.Unref()
		b.callback(c, clientCB, CodePending, "subscription pending", "", nil, nil, nil)
		return
	case subActive:
		sub.Unref()
		b.callback(c, clientCB, CodeOK, "", "", nil, nil, nil)
		return
	case subNull:
		sub.Unref()
		b.callback(c, clientCB, CodeEnhanceCalm, "enhance your calm", "", nil, nil, nil)
		return
	}

	// subCreated: the subGet reference now belongs to the pending
	// entry. The hook decides; absent one, admission stands.
	info := &OnInfo{
		Client:   c,
		Event:    ev,
		Extra:    evExtra,
		JSON:     json,
		broker:   b,
		sub:      sub,
		clientCB: clientCB,
	}
	if ev.onFn == nil {
		b.onFinish(info, StatusOK)
		return
	}
	if status := ev.onFn(info); status != StatusHandled {
		b.onFinish(info, status)
	}
}

func (b *Broker) onFinish(info *OnInfo, status Status) {
	c, sub := info.Client, info.sub

	if status != StatusOK {
		c.subReject(sub)
		b.callback(c, info.clientCB, CodeUnauthorized, "subscription denied", "", nil, nil, nil)
		return
	}

	switch c.subAccept(sub) {
	case subActive, subTombstoned:
		// A tombstoned entry was unsubscribed while pending; the
		// subscribe itself still succeeded.
		b.callback(c, info.clientCB, CodeOK, "", "", nil, nil, nil)
	default:
		b.callback(c, info.clientCB, CodeEnhanceCalm, "enhance your calm", "", nil, nil, nil)
	}
}

// offEvent runs the unsubscribe flow. A removal that was deferred
// behind a pending subscribe skips the hook; the acceptance path
// finishes the cleanup.
func (b *Broker) offEvent(c *Client, ev *Event, evExtra string) {
	sub := ev.subGet(evExtra, false)
	if sub == nil {
		return
	}

	if c.subRemove(sub) && ev.offFn != nil {
		ev.offFn(c, evExtra)
	}
	sub.Unref()
}

// Send pushes one event to a single client, optionally registering a
// server callback for the client's reply. The client not holding an
// active subscription is unusual but allowed.
func (b *Broker) Send(c *Client, ev *Event, extra, json string, fn CallbackFn, data any, freeFn FreeFn) error {
	if sub := ev.subGet(extra, false); sub != nil {
		if !c.subActive(sub) {
			b.logger.Warn().
				Str("path", ev.path).
				Str("extra", extra).
				Msg("Send to client without active subscription")
		}
		sub.Unref()
	}

	serverCB := c.callbackNew(fn, data, freeFn)
	if err := c.proto.deliver(c, c.proto.frame(ev.path, extra, serverCB, json)); err != nil {
		b.closeClient(c, closeWriteError)
		return err
	}
	return nil
}

// callback answers a client's callback id with the standard envelope:
//
//	{"code":<code>,"data":<json_or_null>}
//	{"code":<code>,"data":<json_or_null>,"err_msg":<json string>}
//
// clientCB 0 means the client asked for no reply; the attached server
// callback state is released without sending anything.
func (b *Broker) callback(c *Client, clientCB uint32, code Code, errMsg, data string, fn CallbackFn, cbData any, freeFn FreeFn) {
	if clientCB == NoCallback {
		if freeFn != nil {
			freeFn(cbData)
		}
		return
	}

	serverCB := c.callbackNew(fn, cbData, freeFn)

	if data == "" {
		data = "null"
	}
	payload := make([]byte, 0, len(data)+len(errMsg)+32)
	payload = append(payload, `{"code":`...)
	payload = strconv.AppendInt(payload, int64(code), 10)
	payload = append(payload, `,"data":`...)
	payload = append(payload, data...)
	if errMsg != "" {
		msg, _ := json.Marshal(errMsg)
		payload = append(payload, `,"err_msg":`...)
		payload = append(payload, msg...)
	}
	payload = append(payload, '}')

	path := "/qio/callback/" + strconv.FormatUint(uint64(clientCB), 10)
	if err := c.proto.deliver(c, c.proto.frame(path, "", serverCB, string(payload))); err != nil {
		b.closeClient(c, closeWriteError)
	}
}

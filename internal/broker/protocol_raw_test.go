package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventText(t *testing.T) {
	path, cb, json, err := parseEventText([]byte(`/qio/ping:1=null`))
	require.NoError(t, err)
	assert.Equal(t, "/qio/ping", path)
	assert.Equal(t, uint32(1), cb)
	assert.Equal(t, "null", json)

	// JSON may itself contain ':' and '='; only the first ':' and the
	// '=' after it delimit.
	path, cb, json, err = parseEventText([]byte(`/a:0={"k:v":"a=b"}`))
	require.NoError(t, err)
	assert.Equal(t, "/a", path)
	assert.Equal(t, uint32(0), cb)
	assert.Equal(t, `{"k:v":"a=b"}`, json)
}

func TestParseEventTextMalformed(t *testing.T) {
	bad := []string{
		"",
		"/path",
		"/path:1",
		"/path:=null",
		"/path:x=null",
		"/path:-1=null",
		"/path:4294967296=null", // over 32 bits
	}
	for _, in := range bad {
		_, _, _, err := parseEventText([]byte(in))
		assert.ErrorIs(t, err, errMalformedEvent, "input %q", in)
	}
}

func TestFormatEventText(t *testing.T) {
	assert.Equal(t, "/qio/ping:0=null", string(formatEventText("/qio/ping", "", 0, "")))
	assert.Equal(t, "/chat/lobby:7=true", string(formatEventText("/chat", "/lobby", 7, "true")))
}

func TestRawFrameRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	framed := b.protoRaw.frame("/a", "", 3, `{"x":1}`)

	require.GreaterOrEqual(t, len(framed), 8)
	path, cb, json, err := parseEventText(framed[8:])
	require.NoError(t, err)
	assert.Equal(t, "/a", path)
	assert.Equal(t, uint32(3), cb)
	assert.Equal(t, `{"x":1}`, json)
}

func TestRawHeartbeatFrameIsWellFormed(t *testing.T) {
	msgs := rawMessages(t, []byte(rawHeartbeat))
	require.Len(t, msgs, 1)
	assert.Equal(t, "/qio/heartbeat:0=null", msgs[0])
}

func TestRawSniff(t *testing.T) {
	b := newTestBroker(t)
	c, _ := newTestClient(b)

	c.rbuf = []byte("/qio/oh")
	assert.Equal(t, sniffMaybe, b.protoRaw.sniff(c))

	c.rbuf = []byte("/qio/ohai")
	assert.Equal(t, sniffYes, b.protoRaw.sniff(c))

	c.rbuf = []byte("/qio/ohXY")
	assert.Equal(t, sniffNo, b.protoRaw.sniff(c))
}

func TestRawIncompleteFrameWaits(t *testing.T) {
	b := newTestBroker(t)
	c, fc := newTestClient(b)
	handshakeRaw(t, b, c, fc)

	full := rawFrame("/qio/ping:1=null")
	feed(b, c, full[:11])
	assert.False(t, c.closed.Load())
	assert.Empty(t, fc.takeOutput())

	feed(b, c, full[11:])
	msgs := rawMessages(t, fc.takeOutput())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], `"code":200`)
}

func TestRawOversizedFrameCloses(t *testing.T) {
	b := newTestBroker(t)
	c, fc := newTestClient(b)
	handshakeRaw(t, b, c, fc)

	huge := make([]byte, 8)
	huge[0] = 0xff // far over the event bound
	feed(b, c, huge)
	assert.True(t, c.closed.Load())
}

func TestRawMalformedEventCloses(t *testing.T) {
	b := newTestBroker(t)
	c, fc := newTestClient(b)
	handshakeRaw(t, b, c, fc)

	feed(b, c, rawFrame("not an event"))
	assert.True(t, c.closed.Load())
}

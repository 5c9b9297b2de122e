package broker

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// maskedTextFrame builds a client TEXT frame (clients must mask).
func maskedTextFrame(t *testing.T, payload string) []byte {
	t.Helper()
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}

	var buf bytes.Buffer
	require.NoError(t, ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Masked: true,
		Mask:   mask,
		Length: int64(len(payload)),
	}))

	masked := []byte(payload)
	ws.Cipher(masked, mask, 0)
	buf.Write(masked)
	return buf.Bytes()
}

// wsClient is a client already switched onto the WebSocket driver, as
// the HTTP upgrade leaves it.
func wsClient(b *Broker) (*Client, *fakeConn) {
	c, fc := newTestClient(b)
	c.proto = b.protoWS
	c.state = stateHandshaking
	return c, fc
}

// readServerFrames decodes unmasked server frames from raw bytes.
func readServerFrames(t *testing.T, data []byte) []string {
	t.Helper()
	var out []string
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		h, err := ws.ReadHeader(r)
		require.NoError(t, err)
		payload := make([]byte, h.Length)
		_, err = io.ReadFull(r, payload)
		require.NoError(t, err)
		out = append(out, string(payload))
	}
	return out
}

func TestWSHandshakeAndPing(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	feed(b, c, maskedTextFrame(t, rawHandshake))
	frames := readServerFrames(t, fc.takeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, rawHandshake, frames[0])
	assert.True(t, c.handshaked)

	feed(b, c, maskedTextFrame(t, "/qio/ping:1=null"))
	frames = readServerFrames(t, fc.takeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, `/qio/callback/1:0={"code":200,"data":null}`, frames[0])
}

func TestWSBadHandshakeMessage(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	feed(b, c, maskedTextFrame(t, "/qio/nope"))
	assert.True(t, c.closed.Load())
	assert.False(t, c.handshaked)

	out := fc.takeOutput()
	h, err := ws.ReadHeader(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, h.OpCode)
	body := out[len(out)-int(h.Length):]
	assert.Equal(t, uint16(1002), binary.BigEndian.Uint16(body[:2]))
}

func TestWSUnmaskedFrameCloses(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	var buf bytes.Buffer
	require.NoError(t, ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Length: int64(len(rawHandshake)),
	}))
	buf.WriteString(rawHandshake)

	feed(b, c, buf.Bytes())
	assert.True(t, c.closed.Load())

	// Goodbye is a 1002 close frame.
	out := fc.takeOutput()
	require.NotEmpty(t, out)
	h, err := ws.ReadHeader(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, h.OpCode)
	body := out[len(out)-int(h.Length):]
	assert.Equal(t, uint16(1002), binary.BigEndian.Uint16(body[:2]))
}

func TestWSBinaryOpcodeCloses(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	feed(b, c, maskedTextFrame(t, rawHandshake))
	fc.takeOutput()

	mask := [4]byte{1, 2, 3, 4}
	var buf bytes.Buffer
	require.NoError(t, ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpBinary,
		Masked: true,
		Mask:   mask,
		Length: 2,
	}))
	payload := []byte{0x00, 0x01}
	ws.Cipher(payload, mask, 0)
	buf.Write(payload)

	feed(b, c, buf.Bytes())
	assert.True(t, c.closed.Load())

	out := fc.takeOutput()
	h, err := ws.ReadHeader(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, h.OpCode)
	body := out[len(out)-int(h.Length):]
	assert.Equal(t, uint16(1003), binary.BigEndian.Uint16(body[:2]))
}

func TestWSInvalidUTF8Closes(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	feed(b, c, maskedTextFrame(t, rawHandshake))
	fc.takeOutput()

	feed(b, c, maskedTextFrame(t, "/a:0=\xff\xfe"))
	assert.True(t, c.closed.Load())

	out := fc.takeOutput()
	h, err := ws.ReadHeader(bytes.NewReader(out))
	require.NoError(t, err)
	body := out[len(out)-int(h.Length):]
	assert.Equal(t, uint16(1007), binary.BigEndian.Uint16(body[:2]))
}

func TestWSCloseFrameEndsSession(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	feed(b, c, maskedTextFrame(t, rawHandshake))
	fc.takeOutput()

	mask := [4]byte{9, 9, 9, 9}
	var buf bytes.Buffer
	require.NoError(t, ws.WriteHeader(&buf, ws.Header{
		Fin:    true,
		OpCode: ws.OpClose,
		Masked: true,
		Mask:   mask,
		Length: 0,
	}))

	feed(b, c, buf.Bytes())
	assert.True(t, c.closed.Load())

	// Clean close: 1001 going away.
	out := fc.takeOutput()
	h, err := ws.ReadHeader(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, h.OpCode)
	body := out[len(out)-int(h.Length):]
	assert.Equal(t, uint16(1001), binary.BigEndian.Uint16(body[:2]))
}

func TestWSPartialFrameWaits(t *testing.T) {
	b := newTestBroker(t)
	c, fc := wsClient(b)

	frame := maskedTextFrame(t, rawHandshake)
	feed(b, c, frame[:3])
	assert.False(t, c.closed.Load())
	assert.Empty(t, fc.takeOutput())

	feed(b, c, frame[3:])
	assert.True(t, c.handshaked)
}

func TestWSFrameLengthEncodings(t *testing.T) {
	b := newTestBroker(t)

	// Sizes straddling the 7-bit, 16-bit and 64-bit length encodings.
	for _, n := range []int{1, 120, 126, 65530, 70000} {
		payload := string(bytes.Repeat([]byte("x"), n))
		framed := b.protoWS.frame("/p", "", 0, payload)

		r := bytes.NewReader(framed)
		h, err := ws.ReadHeader(r)
		require.NoError(t, err, "payload size %d", n)
		headerLen := len(framed) - r.Len()

		body := formatEventText("/p", "", 0, payload)
		assert.Equal(t, int64(len(body)), h.Length)
		assert.Equal(t, headerLen+len(body), len(framed))
		assert.Equal(t, string(body), string(framed[headerLen:]))
	}
}

package broker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffHTTP(t *testing.T) {
	assert.Equal(t, sniffMaybe, sniffHTTP([]byte("G")))
	assert.Equal(t, sniffMaybe, sniffHTTP([]byte("GET /")))
	assert.Equal(t, sniffMaybe, sniffHTTP([]byte("POST / HTTP/1.1\r\n")))
	assert.Equal(t, sniffYes, sniffHTTP([]byte("GET / HTTP/1.1\r\n\r\n")))
	assert.Equal(t, sniffNo, sniffHTTP([]byte("GETX")))
	assert.Equal(t, sniffNo, sniffHTTP([]byte("/qio/ohai")))
}

func TestHeaderBlockEnd(t *testing.T) {
	assert.Equal(t, 0, headerBlockEnd([]byte("GET / HTTP/1.1\r\n")))
	assert.Equal(t, 18, headerBlockEnd([]byte("GET / HTTP/1.1\r\n\r\nbody")))
	assert.Equal(t, 16, headerBlockEnd([]byte("GET / HTTP/1.1\n\n\r\n\r\n")),
		"bare-LF terminator wins when it comes first")
}

func TestParseHTTPRequest(t *testing.T) {
	raw := "POST /?sid=0123&connect=true HTTP/1.1\r\n" +
		"Host: qio.test\r\n" +
		"Content-Length: 12\r\n" +
		"Connection: keep-alive\r\n" +
		"\r\n"

	req, ok, err := parseHTTPRequest([]byte(raw))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "POST", req.method)
	assert.Equal(t, "/", req.path)
	assert.Equal(t, "0123", req.query["sid"])
	assert.Equal(t, "true", req.query["connect"])
	assert.True(t, req.hasLength)
	assert.Equal(t, 12, req.contentLength)
	assert.Equal(t, len(raw), req.headerLen)
	assert.False(t, req.httpTen)
}

func TestParseHTTPRequestIncomplete(t *testing.T) {
	_, ok, err := parseHTTPRequest([]byte("POST / HTTP/1.1\r\nContent-"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseHTTPRequestMalformed(t *testing.T) {
	_, ok, err := parseHTTPRequest([]byte("POSTONLY\r\n\r\n"))
	require.True(t, ok)
	assert.Error(t, err)
}

func TestParseHTTPHeaderCaseInsensitive(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n" +
		"UPGRADE: WebSocket\r\n" +
		"connection: Upgrade\r\n" +
		"SEC-WEBSOCKET-KEY: abc==\r\n" +
		"sec-websocket-version: 13\r\n" +
		"Sec-WebSocket-Protocol: quickio\r\n" +
		"\r\n"

	req, ok, err := parseHTTPRequest([]byte(raw))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "abc==", req.wsKey)
	assert.Equal(t, "13", req.wsVersion)
	assert.Equal(t, "quickio", req.wsProtocol)
	assert.True(t, req.connectionWantsUpgrade())
	assert.True(t, strings.EqualFold(req.upgrade, "websocket"))
}

func TestKeepAliveRules(t *testing.T) {
	cases := []struct {
		proto string
		conn  string
		want  bool
	}{
		{"HTTP/1.1", "", true},
		{"HTTP/1.1", "keep-alive", true},
		{"HTTP/1.1", "close", false},
		{"HTTP/1.0", "", false},
		{"HTTP/1.0", "Keep-Alive", true},
		{"HTTP/1.0", "close", false},
	}
	for _, tc := range cases {
		r := &httpRequest{httpTen: tc.proto == "HTTP/1.0", connection: tc.conn}
		assert.Equal(t, tc.want, r.keepAlive(), "%s Connection=%q", tc.proto, tc.conn)
	}
}

func TestHTTPResponseShape(t *testing.T) {
	resp := string(httpResponse(CodeOK, "text/plain", []byte("hello"), false))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 200 OK\r\n"))
	assert.Contains(t, resp, "Content-Length: 5\r\n")
	assert.Contains(t, resp, "Cache-Control: private, max-age=0\r\n")
	assert.Contains(t, resp, "Expires: -1\r\n")
	assert.Contains(t, resp, "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\nhello"))

	keep := string(httpResponse(CodeForbidden, "text/plain", nil, true))
	assert.True(t, strings.HasPrefix(keep, "HTTP/1.0 403 Forbidden\r\n"))
	assert.Contains(t, keep, "Connection: Keep-Alive\r\n")
	assert.Contains(t, keep, "Content-Length: 0\r\n")
}

func TestParseSessionID(t *testing.T) {
	sid, ok := parseSessionID("0123456789abcdef0123456789abcdef")
	require.True(t, ok)
	assert.Equal(t, uint64(0x0123456789abcdef), sid.hi)
	assert.Equal(t, uint64(0x0123456789abcdef), sid.lo)

	for _, bad := range []string{
		"",
		"0123456789abcdef0123456789abcde",   // 31
		"0123456789abcdef0123456789abcdef0", // 33
		"0123456789ABCDEF0123456789abcdef",  // uppercase
		"0123456789abcdefg123456789abcdef",  // non-hex
	} {
		_, ok := parseSessionID(bad)
		assert.False(t, ok, "sid %q", bad)
	}
}

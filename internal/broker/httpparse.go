package broker

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Hand-rolled HTTP parsing: the poll transport multiplexes logical
// sessions over sniffed raw sockets, so requests arrive pre-buffered
// and net/http cannot own the connection. Only the handful of headers
// the transport needs are kept.

// httpRequest is one parsed request head.
type httpRequest struct {
	method  string
	target  string // path?query as sent
	path    string
	query   map[string]string
	proto   string // "HTTP/1.0" or "HTTP/1.1"
	httpTen bool

	// Case-insensitive header subset
	wsKey         string
	wsVersion     string
	wsProtocol    string
	upgrade       string
	connection    string
	contentLength int
	hasLength     bool

	headerLen int // bytes of the header block including terminator
}

var httpMethods = []string{"GET", "POST", "OPTIONS", "PUT", "HEAD", "DELETE"}

// sniffHTTP decides whether buffered bytes open an HTTP request:
// a known method, a space, a '/'. MAYBE until the header block is
// complete.
func sniffHTTP(buf []byte) sniffStatus {
	for _, m := range httpMethods {
		prefix := m + " /"
		n := len(buf)
		if n >= len(prefix) {
			if string(buf[:len(prefix)]) == prefix {
				if headerBlockEnd(buf) > 0 {
					return sniffYes
				}
				return sniffMaybe
			}
			continue
		}
		if string(buf) == prefix[:n] {
			return sniffMaybe
		}
	}
	return sniffNo
}

// headerBlockEnd returns the length of the header block including its
// terminator (\r\n\r\n or \n\n), or 0 when incomplete.
func headerBlockEnd(buf []byte) int {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + 4
	case lf >= 0:
		return lf + 2
	}
	return 0
}

// parseHTTPRequest parses a complete header block from buf.
// ok=false means the block has not fully arrived yet.
func parseHTTPRequest(buf []byte) (req *httpRequest, ok bool, err error) {
	end := headerBlockEnd(buf)
	if end == 0 {
		return nil, false, nil
	}

	req = &httpRequest{headerLen: end, query: map[string]string{}}

	lines := strings.Split(string(buf[:end]), "\n")
	reqLine := strings.TrimRight(lines[0], "\r")

	parts := strings.SplitN(reqLine, " ", 3)
	if len(parts) != 3 {
		return nil, true, fmt.Errorf("malformed request line %q", reqLine)
	}
	req.method = parts[0]
	req.target = parts[1]
	req.proto = parts[2]
	req.httpTen = req.proto == "HTTP/1.0"

	// Split target into path and query.
	req.path = req.target
	if q := strings.IndexByte(req.target, '?'); q >= 0 {
		req.path = req.target[:q]
		for _, kv := range strings.Split(req.target[q+1:], "&") {
			if kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			req.query[k] = v
		}
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		val = strings.TrimSpace(val)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "sec-websocket-key":
			req.wsKey = val
		case "sec-websocket-version":
			req.wsVersion = val
		case "sec-websocket-protocol":
			req.wsProtocol = val
		case "upgrade":
			req.upgrade = val
		case "connection":
			req.connection = val
		case "content-length":
			if n, perr := strconv.Atoi(val); perr == nil && n >= 0 {
				req.contentLength = n
				req.hasLength = true
			}
		}
	}

	return req, true, nil
}

// keepAlive resolves the connection reuse rules: HTTP/1.1 defaults to
// keep-alive unless "Connection: close"; HTTP/1.0 defaults to close
// unless "Connection: keep-alive".
func (r *httpRequest) keepAlive() bool {
	conn := strings.ToLower(r.connection)
	if r.httpTen {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close")
}

// connectionWantsUpgrade checks the Connection header token list.
func (r *httpRequest) connectionWantsUpgrade() bool {
	return strings.Contains(strings.ToLower(r.connection), "upgrade")
}

var httpStatusText = map[Code]string{
	CodeOK:               "OK",
	CodeBadRequest:       "Bad Request",
	CodeForbidden:        "Forbidden",
	CodeMethodNotAllowed: "Method Not Allowed",
	CodeLengthRequired:   "Length Required",
	CodePayloadTooLarge:  "Payload Too Large",
	CodeUpgradeRequired:  "Upgrade Required",
	CodeNotImplemented:   "Not Implemented",
}

// httpResponse renders a full response. Responses are HTTP/1.0-framed
// with explicit Content-Length so they work identically for both peer
// versions; cache-busting headers keep intermediaries from replaying
// poll bodies.
func httpResponse(code Code, contentType string, body []byte, keepAlive bool) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.0 %d %s\r\n", int(code), httpStatusText[code])
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("Cache-Control: private, max-age=0\r\n")
	buf.WriteString("Expires: -1\r\n")
	if keepAlive {
		buf.WriteString("Connection: Keep-Alive\r\n")
		buf.WriteString("Keep-Alive: timeout=60\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", contentType)
	buf.Write(body)
	return buf.Bytes()
}

// Static HTML for the iframe transport. The page relays events to its
// parent window via postMessage.
const httpIframeHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><script>
(function() {
	window.addEventListener("message", function(ev) {
		window.parent.postMessage(ev.data, "*");
	});
	window.parent.postMessage("ready", "*");
})();
</script></head><body></body></html>`

// Served on 501 when HTTP is disabled (no public address configured);
// the page tells the parent frame the transport is unavailable.
const httpDisabledHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><script>
window.parent.postMessage("error:disabled", "*");
</script></head><body></body></html>`

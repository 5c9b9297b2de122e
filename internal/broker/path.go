package broker

// Event paths are UTF-8 strings of the form /seg1/seg2/... restricted
// to the alphabet [-_/a-zA-Z0-9].
//
// CleanPath canonicalizes a path:
//   - disallowed bytes are dropped,
//   - repeated '/' runs collapse to one,
//   - the trailing '/' is trimmed,
//   - a missing leading '/' is added.
//
// Cleaning is idempotent. The empty string (which is also what a path
// of only slashes collapses to) is illegal and callers must reject it.
func CleanPath(path string) string {
	buf := make([]byte, 0, len(path)+1)

	for i := 0; i < len(path); i++ {
		c := path[i]
		if !pathByteAllowed(c) {
			continue
		}
		if c == '/' && len(buf) > 0 && buf[len(buf)-1] == '/' {
			continue
		}
		if len(buf) == 0 && c != '/' {
			buf = append(buf, '/')
		}
		buf = append(buf, c)
	}

	// Trim the trailing slash. "/" alone collapses to empty, which is
	// the illegal-path signal.
	if len(buf) > 0 && buf[len(buf)-1] == '/' {
		buf = buf[:len(buf)-1]
	}

	return string(buf)
}

func pathByteAllowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '/':
		return true
	}
	return false
}

// Trie children are indexed by (byte - '-'). '-' is the smallest
// allowed byte and 'z' the largest.
const (
	childBase = '-'
	childSpan = 'z' - '-' + 1
)

func childIndex(c byte) int {
	return int(c) - childBase
}

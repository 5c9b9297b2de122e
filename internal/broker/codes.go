package broker

// Status is what an event handler or hook reports back to the router.
type Status int

const (
	// StatusOK means the operation succeeded; the router sends the
	// empty success callback.
	StatusOK Status = iota

	// StatusErr means the operation failed; the router sends an error
	// callback with the client's current error code.
	StatusErr

	// StatusHandled means the handler already responded itself; the
	// router sends nothing.
	StatusHandled
)

// Code is the numeric code carried inside callback envelopes and used
// as the HTTP status on the polling transport. The values follow HTTP
// semantics so one taxonomy serves every protocol.
type Code int

const (
	CodeOK               Code = 200
	CodePending          Code = 202 // subscription awaiting async verification
	CodeBadRequest       Code = 400
	CodeUnauthorized     Code = 401
	CodeForbidden        Code = 403
	CodeNotFound         Code = 404
	CodeMethodNotAllowed Code = 405
	CodeLengthRequired   Code = 411
	CodePayloadTooLarge  Code = 413
	CodeUpgradeRequired  Code = 426
	CodeEnhanceCalm      Code = 429
	CodeInternal         Code = 500
	CodeNotImplemented   Code = 501
)

// closeReason says why a client is being torn down. Each protocol maps
// reasons to its own goodbye (RFC6455 close codes for WebSocket, a
// status response for HTTP pollers, nothing for raw).
type closeReason int

const (
	closeExiting closeReason = iota
	closeBadHandshake
	closeInvalidEvent
	closeNoMask
	closeBadOpcode
	closeNotUTF8
	closeTooLarge
	closeHeartattack
	closeTimeout
	closeNotSupported
	closeReadError
	closeWriteError
)

func (r closeReason) String() string {
	switch r {
	case closeExiting:
		return "exiting"
	case closeBadHandshake:
		return "bad_handshake"
	case closeInvalidEvent:
		return "invalid_event_format"
	case closeNoMask:
		return "no_mask"
	case closeBadOpcode:
		return "unsupported_opcode"
	case closeNotUTF8:
		return "not_utf8"
	case closeTooLarge:
		return "payload_too_large"
	case closeHeartattack:
		return "heartattack"
	case closeTimeout:
		return "timeout"
	case closeNotSupported:
		return "not_supported"
	case closeReadError:
		return "read_error"
	case closeWriteError:
		return "write_error"
	}
	return "unknown"
}

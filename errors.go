// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import "errors"

// Kind classifies a terminal or recoverable condition raised by a
// component. Most kinds are fatal to the owning component and are
// reported exactly once via a state-change notification; see Error.
type Kind uint8

const (
	// KindOpenFailure means a Channel never transitioned to Connected.
	KindOpenFailure Kind = iota + 1
	// KindTimeout means no RUDP packet was received within lifetime_seconds,
	// or a STUN request timed out. Closure proceeds without a goodbye.
	KindTimeout
	// KindIllegalStreamState means the peer violated ordering/flag invariants
	// beyond tolerance (e.g. gsnfr > gsnr in the same packet).
	KindIllegalStreamState
	// KindShuttingDown means the component is draining toward Shutdown.
	KindShuttingDown
	// KindInsufficientCapacity means channel-number probing exhausted its
	// bounded retry budget.
	KindInsufficientCapacity
	// KindUnauthorized means a STUN long-term-credential challenge was
	// received again after Channel had already reissued its open request
	// once with the returned realm/nonce.
	KindUnauthorized
	// KindBadRequest means an inbound STUN request could not be routed to
	// any known channel and was not a ReliableChannelOpen.
	KindBadRequest
	// KindPreconditionFailed means a TCPMessaging frame declared a length
	// exceeding max_message_size_in_bytes.
	KindPreconditionFailed
	// KindExpectationFailed means a mode-B TCPMessaging write arrived
	// without a ChannelHeader.
	KindExpectationFailed
	// KindNetworkConnectTimeout means the TCP dial/connect deadline elapsed.
	KindNetworkConnectTimeout
)

func (k Kind) String() string {
	switch k {
	case KindOpenFailure:
		return "open_failure"
	case KindTimeout:
		return "timeout"
	case KindIllegalStreamState:
		return "illegal_stream_state"
	case KindShuttingDown:
		return "shutting_down"
	case KindInsufficientCapacity:
		return "insufficient_capacity"
	case KindUnauthorized:
		return "unauthorized"
	case KindBadRequest:
		return "bad_request"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindExpectationFailed:
		return "expectation_failed"
	case KindNetworkConnectTimeout:
		return "network_connect_timeout"
	default:
		return "unknown"
	}
}

// Error is the concrete error type surfaced to subscribers. Kind is
// stable and suitable for Is-style switching via IsKind; Reason
// carries a human-readable detail and, where applicable, Cause wraps
// the underlying error.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func wrapError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// IsKind reports whether err (or any error it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrInvalidArgument reports a nil collaborator or malformed configuration.
	ErrInvalidArgument = errors.New("rudp: invalid argument")

	// ErrTooLong reports that a frame or vector exceeds its encodable size.
	ErrTooLong = errors.New("rudp: too long")

	// ErrClosed reports an operation attempted after Shutdown.
	ErrClosed = errors.New("rudp: closed")
)

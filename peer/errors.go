package peer

import (
	"errors"
	"fmt"
)

// AbortCause classifies why an exchange with a peer was aborted.
type AbortCause uint8

const (
	// PeerError is a generic failure talking to the peer.
	PeerError AbortCause = iota
	// PeerAbort means the peer answered in a way that violates the protocol
	// or explicitly refused the request.
	PeerAbort
	// Timeout means the exchange was idle for longer than allowed.
	Timeout
	// UserAbort means the local caller cancelled the exchange.
	UserAbort
	// Shutdown means the local node is shutting down.
	Shutdown
)

func (c AbortCause) String() string {
	switch c {
	case PeerError:
		return "peer_error"
	case PeerAbort:
		return "peer_abort"
	case Timeout:
		return "timeout"
	case UserAbort:
		return "user_abort"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("cause(%d)", uint8(c))
	}
}

// Error is a failure attributed to an exchange with a peer.
type Error struct {
	Cause AbortCause
	Msg   string
	Err   error
}

// NewError creates an error with the given cause and message.
func NewError(cause AbortCause, msg string) *Error {
	return &Error{Cause: cause, Msg: msg}
}

// WrapError converts err into a peer error. Errors that already are peer
// errors are returned unchanged.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Cause: PeerError, Msg: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != e.Err.Error() {
		return fmt.Sprintf("%s: %s: %v", e.Cause, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Cause, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUserAbort reports whether err was caused by a local cancellation.
func IsUserAbort(err error) bool {
	return hasCause(err, UserAbort)
}

// IsTimeout reports whether err was caused by an idle timeout.
func IsTimeout(err error) bool {
	return hasCause(err, Timeout)
}

// IsPeerAbort reports whether err was caused by a protocol violation or a
// refusal of the remote peer.
func IsPeerAbort(err error) bool {
	return hasCause(err, PeerAbort)
}

func hasCause(err error, cause AbortCause) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Cause == cause
	}
	return false
}

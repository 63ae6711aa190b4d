package domain

import (
	"errors"
	"fmt"
)

var (
	// Kraken protocol errors.
	ErrInvalidKrakenResponse = errors.New("invalid kraken response")
	ErrInvalidJSEP           = errors.New("invalid jsep")
	ErrRoomFull              = errors.New("room full")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrPeerClosed            = errors.New("peer closed")
	ErrTrackNotFound         = errors.New("track not found")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrNetworkFailure        = errors.New("network failure")
	ErrUnauthorized          = errors.New("unauthorized")

	ErrCallNotFound = errors.New("call not found")
	ErrUserNotFound = errors.New("user not found")
	ErrBusy         = errors.New("another call is active")
	ErrLoggedOut    = errors.New("account logged out")
	ErrCallEnded    = errors.New("call already ended")
)

// InvalidStateError reports an operation invoked while the call was not in
// a state satisfying its precondition. The operation must not have mutated
// anything when this is returned.
type InvalidStateError struct {
	Op    string
	State CallState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid call state %s", e.Op, e.State)
}

// NewInvalidStateError builds an InvalidStateError for the given operation.
func NewInvalidStateError(op string, state CallState) error {
	return &InvalidStateError{Op: op, State: state}
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// IsSessionGone reports whether err means the server-side session object no
// longer exists and the local session must be rebuilt from scratch.
func IsSessionGone(err error) bool {
	return errors.Is(err, ErrPeerNotFound) ||
		errors.Is(err, ErrPeerClosed) ||
		errors.Is(err, ErrTrackNotFound)
}

// IsTerminalSignalingError reports whether err should never be retried at
// the transport level, whatever the caller decides to do about it.
func IsTerminalSignalingError(err error) bool {
	return IsSessionGone(err) ||
		errors.Is(err, ErrRoomFull) ||
		errors.Is(err, ErrInvalidJSEP) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUnauthorized)
}

package call

import (
	"errors"
	"fmt"
)

var (
	ErrCaptureDenied    = errors.New("media capture denied")
	ErrNotInCall        = errors.New("not in call")
	ErrAlreadyInCall    = errors.New("already in call")
	ErrDuplicateLink    = errors.New("duplicate peer link")
	ErrNoSuchLink       = errors.New("no peer link for participant")
	ErrLinkClosed       = errors.New("peer link closed")
	ErrUnexpectedSignal = errors.New("unexpected signal for link state")
	ErrRestartFailed    = errors.New("ice restart failed")
)

// CallError wraps a failure with the operation and the remote peer it
// concerned. Failures are isolated per link: an error on one peer never
// affects another peer's connection.
type CallError struct {
	Op   string
	Peer ParticipantID
	Err  error
}

func (e *CallError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s [peer %s]: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func NewError(op string, peer ParticipantID, err error) *CallError {
	return &CallError{Op: op, Peer: peer, Err: err}
}

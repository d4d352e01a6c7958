package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/podcast/internal/domain"
)

// Error kinds. Match with errors.Is.
var (
	// ErrTransport: channel unreachable or reconnect exhausted. Fatal to the session.
	ErrTransport = errors.New("transport error")
	// ErrNegotiation: description set/apply failure. Scoped to one peer link.
	ErrNegotiation = errors.New("negotiation error")
	// ErrMedia: capture unavailable. The session continues without tracks.
	ErrMedia = errors.New("media error")
	// ErrAuthorization: a host-only action attempted by someone else.
	ErrAuthorization = errors.New("authorization error")
	// ErrStateConflict: duplicate start/stop/join. Benign.
	ErrStateConflict = errors.New("state conflict")
)

// Error carries the kind plus where it happened.
type Error struct {
	Kind error
	Op   string
	Peer domain.ParticipantID
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error() + ": " + e.Op
	if e.Peer != "" {
		msg += " (peer " + string(e.Peer) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func PeerError(kind error, op string, peer domain.ParticipantID, err error) error {
	return &Error{Kind: kind, Op: op, Peer: peer, Err: err}
}

func Conflict(op string, format string, args ...any) error {
	return &Error{Kind: ErrStateConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

// Benign reports errors that are logged and otherwise ignored.
func Benign(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

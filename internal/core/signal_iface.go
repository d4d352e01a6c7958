package core

import (
	"context"

	"github.com/dkeye/podcast/internal/domain"
)

// SignalSender emits events over the signaling channel.
type SignalSender interface {
	Send(msg domain.Message) error
}

// SignalChannel is a connected signaling transport. It is owned by the
// session controller and passed by reference to collaborators, which only
// send through it.
type SignalChannel interface {
	SignalSender
	// LocalID is the participant id assigned by the relay. Stable across reconnects.
	LocalID() domain.ParticipantID
	// Subscribe installs the single handler for a kind. A second
	// subscription for the same kind fails with ErrStateConflict.
	Subscribe(kind domain.MessageKind, handler func(domain.Message)) (unsubscribe func(), err error)
	// Done is closed once the channel reaches its terminal Disconnected state.
	Done() <-chan struct{}
	// Err is nil after Disconnect, an ErrTransport error after reconnect exhaustion.
	Err() error
	Disconnect() error
}

type SignalDialer interface {
	Connect(ctx context.Context, endpoint, authToken string) (SignalChannel, error)
}

package core

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/dkeye/podcast/internal/core SessionAPI,SignalSender,Uploader

import (
	"context"

	"github.com/dkeye/podcast/internal/domain"
)

// SessionAPI is the session-management service.
type SessionAPI interface {
	Create(ctx context.Context, title string) (domain.Room, error)
	Join(ctx context.Context, invite domain.InviteKey) (domain.Room, error)
	End(ctx context.Context, room domain.RoomID) error
}

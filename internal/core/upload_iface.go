package core

import (
	"context"

	"github.com/dkeye/podcast/internal/domain"
)

type UploadRequest struct {
	Artifact        domain.Artifact
	SessionID       domain.RoomID
	UserID          domain.ParticipantID
	ActiveSpeakerID domain.ParticipantID
}

// Uploader hands a finished recording to the processing service and returns
// a reference to the processed result.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (string, error)
}

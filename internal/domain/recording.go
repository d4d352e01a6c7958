package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecordingSession struct {
	ID     string
	Active bool
	// StartedAt keeps the monotonic clock reading of time.Now.
	StartedAt time.Time
	Chunks    [][]byte
}

// Artifact is a finalized recording ready for upload.
type Artifact struct {
	ID       string
	MimeType string
	Data     []byte
	Duration time.Duration
}

func NewRecordingSession(now time.Time) *RecordingSession {
	return &RecordingSession{
		ID:        uuid.NewString(),
		Active:    true,
		StartedAt: now,
	}
}

// Append copies the chunk; callers may reuse their buffer.
func (s *RecordingSession) Append(chunk []byte) {
	if !s.Active || len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.Chunks = append(s.Chunks, c)
}

// Finalize flattens the chunks in order and deactivates the session.
func (s *RecordingSession) Finalize(now time.Time, mimeType string) Artifact {
	size := 0
	for _, c := range s.Chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range s.Chunks {
		data = append(data, c...)
	}
	s.Active = false
	s.Chunks = nil
	return Artifact{
		ID:       s.ID,
		MimeType: mimeType,
		Data:     data,
		Duration: now.Sub(s.StartedAt),
	}
}

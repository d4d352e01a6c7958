package core

import (
	"context"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

// TrackSink accepts local tracks.
type TrackSink interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	HasLocalTrack(id string) bool
}

// MediaConnection is the transport handle behind one peer link. Callbacks
// fire on transport goroutines.
type MediaConnection interface {
	TrackSink

	// CreateOffer generates an offer and stages it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer generates an answer and stages it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a staged local offer.
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnICEStateChange(fn func(webrtc.ICEConnectionState))
	// OnTrackReady fires once per remote track after its first packet arrives.
	OnTrackReady(fn func(kind webrtc.RTPCodecType))

	Close() error
}

type MediaConnectionFactory interface {
	New(peer domain.ParticipantID) (MediaConnection, error)
}

// LocalTrack is a captured track. Disabling keeps it attached and stops samples.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(on bool)
}

type LevelMeter interface {
	// Level is a normalized [0, 1] estimate of the local audio level.
	Level() float64
}

type ChunkSource interface {
	// Tap delivers encoded recording chunks until the returned func is called.
	Tap(fn func(chunk []byte)) (untap func())
}

// CaptureProvider owns the local devices.
type CaptureProvider interface {
	LevelMeter
	ChunkSource
	Acquire(ctx context.Context) ([]LocalTrack, error)
	// Release stops every track it produced.
	Release() error
}

package capture

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Track is a sample track with an enable switch. A disabled track stays
// attached and simply receives no samples.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
}

func newTrack(mime, prefix, streamID string, kind webrtc.RTPCodecType) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		prefix+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &Track{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Track() webrtc.TrackLocal  { return t.local }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)        { t.enabled.Store(on) }

func (t *Track) write(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}

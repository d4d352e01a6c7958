// Package media holds the local capture shared by every peer link.
package media

import (
	"context"
	"sync"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Uninitialized State = iota
	Ready
	// MediaUnavailable: capture failed, the session runs without tracks.
	MediaUnavailable
	Released
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case MediaUnavailable:
		return "media-unavailable"
	case Released:
		return "released"
	default:
		return "uninitialized"
	}
}

// Pipeline is the only component allowed to stop local tracks.
type Pipeline struct {
	provider core.CaptureProvider

	mu     sync.RWMutex
	state  State
	tracks []core.LocalTrack

	releaseOnce sync.Once
	releaseErr  error
}

func New(provider core.CaptureProvider) *Pipeline {
	return &Pipeline{provider: provider}
}

// Acquire asks the provider for tracks. A failure leaves the pipeline in
// MediaUnavailable and is returned as ErrMedia for the caller to log.
func (p *Pipeline) Acquire(ctx context.Context) error {
	tracks, err := p.provider.Acquire(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Released {
		return core.Conflict("acquire media", "pipeline already released")
	}
	if err != nil || len(tracks) == 0 {
		p.state = MediaUnavailable
		if err == nil {
			err = errNoTracks
		}
		log.Warn().Err(err).Str("module", "app.media").Msg("capture unavailable, continuing without media")
		return core.Wrap(core.ErrMedia, "acquire media", err)
	}
	p.tracks = tracks
	p.state = Ready
	log.Info().Str("module", "app.media").Int("tracks", len(tracks)).Msg("local media ready")
	return nil
}

func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// EnableAudio flips the enabled flag of local audio tracks. The tracks stay
// attached. It reports whether any track changed.
func (p *Pipeline) EnableAudio(on bool) bool {
	return p.enable(webrtc.RTPCodecTypeAudio, on)
}

func (p *Pipeline) EnableVideo(on bool) bool {
	return p.enable(webrtc.RTPCodecTypeVideo, on)
}

func (p *Pipeline) enable(kind webrtc.RTPCodecType, on bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	changed := false
	for _, t := range p.tracks {
		if t.Kind() == kind && t.Enabled() != on {
			t.SetEnabled(on)
			changed = true
		}
	}
	if changed {
		log.Info().Str("module", "app.media").Str("kind", kind.String()).Bool("enabled", on).Msg("track toggled")
	}
	return changed
}

// MediaState is what the local participant currently publishes.
func (p *Pipeline) MediaState() domain.MediaState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ms domain.MediaState
	if p.state != Ready {
		return ms
	}
	for _, t := range p.tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			ms.AudioEnabled = ms.AudioEnabled || t.Enabled()
		case webrtc.RTPCodecTypeVideo:
			ms.VideoEnabled = ms.VideoEnabled || t.Enabled()
		}
	}
	return ms
}

// AttachTo adds every enabled local track the sink does not carry yet.
func (p *Pipeline) AttachTo(sink core.TrackSink) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != Ready {
		return 0, nil
	}
	added := 0
	for _, t := range p.tracks {
		if !t.Enabled() || sink.HasLocalTrack(t.Track().ID()) {
			continue
		}
		if err := sink.AddLocalTrack(t.Track()); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Level reads the provider's meter; zero without media.
func (p *Pipeline) Level() float64 {
	if p.State() != Ready {
		return 0
	}
	return p.provider.Level()
}

func (p *Pipeline) Tap(fn func(chunk []byte)) func() {
	if p.State() != Ready {
		return func() {}
	}
	return p.provider.Tap(fn)
}

// Release stops the tracks once. Later calls return nil.
func (p *Pipeline) Release() error {
	first := false
	p.releaseOnce.Do(func() {
		first = true
		p.mu.Lock()
		had := p.state == Ready
		p.state = Released
		p.tracks = nil
		p.mu.Unlock()
		if had {
			p.releaseErr = p.provider.Release()
		}
		log.Info().Str("module", "app.media").Bool("had_tracks", had).Msg("local media released")
	})
	if !first {
		return nil
	}
	if p.releaseErr != nil {
		return core.Wrap(core.ErrMedia, "release media", p.releaseErr)
	}
	return nil
}

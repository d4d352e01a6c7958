// Package capture provides local media read from Ogg/Opus and IVF files.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/podcast/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SilenceSource as the audio path streams Opus silence instead of a file.
const SilenceSource = "silence"

var (
	ErrNoSources = errors.New("no capture sources configured")
	errAcquired  = errors.New("capture already acquired")
)

// FileProvider streams files as if they were live devices. Files are looped
// until Release.
type FileProvider struct {
	audioPath string
	videoPath string
	streamID  string

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	acquired bool
	released bool

	level *levelMeter
	taps  *tapSet
}

func NewFileProvider(audioPath, videoPath string) *FileProvider {
	return &FileProvider{
		audioPath: audioPath,
		videoPath: videoPath,
		streamID:  "podcast-" + uuid.NewString(),
		level:     &levelMeter{},
		taps:      newTapSet(),
	}
}

func (p *FileProvider) Acquire(ctx context.Context) ([]core.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquired {
		return nil, errAcquired
	}
	if p.audioPath == "" && p.videoPath == "" {
		return nil, ErrNoSources
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		tracks []core.LocalTrack
		pumps  []func(context.Context)
	)
	if p.audioPath != "" {
		src, err := openAudio(p.audioPath)
		if err != nil {
			return nil, fmt.Errorf("audio source: %w", err)
		}
		play := src.play
		if src.silent {
			play = playSilence
		}
		t, err := newTrack(webrtc.MimeTypeOpus, "audio", p.streamID, webrtc.RTPCodecTypeAudio)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		pumps = append(pumps, func(ctx context.Context) { pumpAudio(ctx, play, t, p.level, p.taps) })
	}
	if p.videoPath != "" {
		src, mime, err := openVideo(p.videoPath)
		if err != nil {
			return nil, fmt.Errorf("video source: %w", err)
		}
		t, err := newTrack(mime, "video", p.streamID, webrtc.RTPCodecTypeVideo)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		pumps = append(pumps, func(ctx context.Context) { pumpVideo(ctx, src, t) })
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.acquired = true
	for _, pump := range pumps {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			pump(runCtx)
		}()
	}
	log.Info().Str("module", "adapters.capture").Int("tracks", len(tracks)).Msg("capture started")
	return tracks, nil
}

// Level is the smoothed audio level of what is currently being sent.
func (p *FileProvider) Level() float64 { return p.level.Level() }

// Tap records the audio as an Ogg/Opus stream. The first chunk carries the
// stream headers so the concatenated chunks form a playable file.
func (p *FileProvider) Tap(fn func(chunk []byte)) func() {
	return p.taps.add(fn)
}

func (p *FileProvider) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.taps.closeAll()
	log.Info().Str("module", "adapters.capture").Msg("capture released")
	return nil
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

var errUnsupportedCodec = errors.New("unsupported video codec")

// silentFrame is a 20ms Opus frame of digital silence.
var silentFrame = []byte{0xf8, 0xff, 0xfe}

type playFunc func(ctx context.Context, emit func(page []byte, granule uint64, d time.Duration)) error

type audioSource struct {
	path   string
	silent bool
}

func openAudio(path string) (*audioSource, error) {
	if path == SilenceSource {
		return &audioSource{silent: true}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, _, err := oggreader.NewWith(f); err != nil {
		return nil, err
	}
	return &audioSource{path: path}, nil
}

// play paces the file's pages in real time. Header pages carry no granule
// and are skipped.
func (s *audioSource) play(ctx context.Context, emit func(page []byte, granule uint64, d time.Duration)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	var last uint64
	for {
		page, header, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if header.GranulePosition == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		samples := header.GranulePosition - last
		if header.GranulePosition < last {
			samples = 0
		}
		last = header.GranulePosition
		emit(page, header.GranulePosition, time.Duration(float64(samples)/opusClockRate*float64(time.Second)))
	}
}

// playSilence emits silent frames for one second per call.
func playSilence(ctx context.Context, emit func(page []byte, granule uint64, d time.Duration)) error {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	const frame = opusClockRate / 50
	for i := uint64(1); i <= 50; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		emit(silentFrame, i*frame, oggPageDuration)
	}
	return nil
}

func pumpAudio(ctx context.Context, play playFunc, t *Track, level *levelMeter, taps *tapSet) {
	logger := log.With().Str("module", "adapters.capture").Str("kind", "audio").Logger()
	var (
		seq    uint16
		offset uint64
		end    uint64
	)
	for ctx.Err() == nil {
		err := play(ctx, func(page []byte, granule uint64, d time.Duration) {
			if !t.Enabled() {
				level.observe(0)
				return
			}
			level.observe(len(page))
			if err := t.write(media.Sample{Data: page, Duration: d}); err != nil {
				logger.Debug().Err(err).Msg("write sample")
			}
			end = offset + granule
			seq++
			taps.write(&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(end)},
				Payload: page,
			})
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("audio source failed")
			return
		}
		offset = end
	}
}

type videoSource struct {
	path  string
	frame time.Duration
}

func openVideo(path string) (*videoSource, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, "", err
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return nil, "", fmt.Errorf("%w: %s", errUnsupportedCodec, header.FourCC)
	}
	frame := time.Second / 30
	if header.TimebaseDenominator > 0 {
		frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return &videoSource{path: path, frame: frame}, mime, nil
}

func (s *videoSource) play(ctx context.Context, emit func(frame []byte)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, _, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()
	for {
		frame, _, err := r.ParseNextFrame()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		emit(frame)
	}
}

func pumpVideo(ctx context.Context, src *videoSource, t *Track) {
	logger := log.With().Str("module", "adapters.capture").Str("kind", "video").Logger()
	for ctx.Err() == nil {
		err := src.play(ctx, func(frame []byte) {
			if err := t.write(media.Sample{Data: frame, Duration: src.frame}); err != nil {
				logger.Debug().Err(err).Msg("write sample")
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("video source failed")
			return
		}
	}
}

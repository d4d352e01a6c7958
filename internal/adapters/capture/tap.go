package capture

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

type chunkWriter func([]byte)

func (w chunkWriter) Write(p []byte) (int, error) {
	w(append([]byte(nil), p...))
	return len(p), nil
}

type tapSet struct {
	mu   sync.Mutex
	next int
	taps map[int]*oggwriter.OggWriter
}

func newTapSet() *tapSet {
	return &tapSet{taps: make(map[int]*oggwriter.OggWriter)}
}

func (s *tapSet) add(fn func([]byte)) func() {
	w, err := oggwriter.NewWith(chunkWriter(fn), opusClockRate, 2)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.capture").Msg("open recording tap")
		return func() {}
	}
	s.mu.Lock()
	id := s.next
	s.next++
	s.taps[id] = w
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *tapSet) remove(id int) {
	s.mu.Lock()
	w, ok := s.taps[id]
	delete(s.taps, id)
	s.mu.Unlock()
	if ok {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.capture").Msg("close recording tap")
		}
	}
}

func (s *tapSet) write(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.taps {
		if err := w.WriteRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "adapters.capture").Msg("tap write")
		}
	}
}

func (s *tapSet) closeAll() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.taps))
	for id := range s.taps {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.remove(id)
	}
}

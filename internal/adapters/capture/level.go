package capture

import (
	"math"
	"sync/atomic"
)

const (
	// loudPage is the page size treated as full level.
	loudPage  = 320
	smoothing = 0.3
)

// levelMeter estimates loudness from encoded Opus page sizes. Opus spends
// more bytes on speech than on silence, which is enough for speaker
// detection.
type levelMeter struct {
	bits atomic.Uint64
}

func (m *levelMeter) observe(size int) {
	x := math.Min(float64(size)/loudPage, 1)
	prev := m.Level()
	m.bits.Store(math.Float64bits(prev + smoothing*(x-prev)))
}

func (m *levelMeter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}

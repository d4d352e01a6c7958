package relay

import (
	"sync"

	"github.com/dkeye/podcast/internal/domain"
)

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickMember
)

func (a BackpressureAction) String() string {
	if a == KickMember {
		return "kick"
	}
	return "drop"
}

// Policy decides what happens to a frame that does not fit a participant's
// send buffer.
type Policy interface {
	OnBackPressure(id domain.ParticipantID, kind domain.MessageKind) BackpressureAction
	// Forget clears the state kept for a participant that left.
	Forget(id domain.ParticipantID)
}

// KindPolicy drops frames a client can live without and kicks when a frame
// that negotiation or the roster depends on would be lost. A member that
// keeps overflowing is kicked after MaxDrops dropped frames.
type KindPolicy struct {
	MaxDrops int

	mu    sync.Mutex
	drops map[domain.ParticipantID]int
}

func NewKindPolicy(maxDrops int) *KindPolicy {
	return &KindPolicy{MaxDrops: maxDrops, drops: make(map[domain.ParticipantID]int)}
}

// droppable frames are superseded by later ones or only decorate the room.
func droppable(kind domain.MessageKind) bool {
	switch kind {
	case domain.KindICECandidate, domain.KindActiveSpeaker, domain.KindParticipantCount, domain.KindError:
		return true
	}
	return false
}

func (p *KindPolicy) OnBackPressure(id domain.ParticipantID, kind domain.MessageKind) BackpressureAction {
	if !droppable(kind) {
		return KickMember
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops[id]++
	if p.MaxDrops > 0 && p.drops[id] > p.MaxDrops {
		return KickMember
	}
	return DropFrame
}

func (p *KindPolicy) Forget(id domain.ParticipantID) {
	p.mu.Lock()
	delete(p.drops, id)
	p.mu.Unlock()
}

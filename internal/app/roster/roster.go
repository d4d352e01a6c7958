// Package roster keeps the local view of who is in the room.
package roster

import (
	"sync"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

// Tracker is the only owner of the roster. Writers run on the session loop;
// Snapshot may be called from anywhere.
type Tracker struct {
	mu       sync.RWMutex
	order    []domain.ParticipantID
	byID     map[domain.ParticipantID]*domain.Participant
	onChange func([]domain.Participant)
}

func New() *Tracker {
	return &Tracker{byID: make(map[domain.ParticipantID]*domain.Participant)}
}

// OnChange registers a callback receiving a fresh snapshot after each mutation.
func (t *Tracker) OnChange(fn func([]domain.Participant)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Upsert inserts p or updates the existing entry in place. An existing
// active-speaker flag survives unless p sets it.
func (t *Tracker) Upsert(p domain.Participant) {
	t.mu.Lock()
	if cur, ok := t.byID[p.ID]; ok {
		active := cur.IsActiveSpeaker || p.IsActiveSpeaker
		*cur = p
		cur.IsActiveSpeaker = active
	} else {
		np := p
		t.byID[p.ID] = &np
		t.order = append(t.order, p.ID)
	}
	if p.IsActiveSpeaker {
		t.clearActiveExcept(p.ID)
	}
	t.mu.Unlock()
	log.Debug().Str("module", "app.roster").Str("peer", string(p.ID)).Msg("upsert")
	t.notify()
}

// Remove drops a remote participant. The local entry is permanent until Clear.
func (t *Tracker) Remove(id domain.ParticipantID) bool {
	t.mu.Lock()
	p, ok := t.byID[id]
	if !ok || p.IsLocal {
		t.mu.Unlock()
		return false
	}
	delete(t.byID, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	log.Debug().Str("module", "app.roster").Str("peer", string(id)).Msg("removed")
	t.notify()
	return true
}

// MarkActiveSpeaker flags id and clears every other entry. An unknown id
// still clears the previous speaker and reports false.
func (t *Tracker) MarkActiveSpeaker(id domain.ParticipantID) bool {
	t.mu.Lock()
	p, ok := t.byID[id]
	if ok {
		p.IsActiveSpeaker = true
	}
	t.clearActiveExcept(id)
	t.mu.Unlock()
	t.notify()
	return ok
}

// SetMedia updates the published media state of a participant.
func (t *Tracker) SetMedia(id domain.ParticipantID, update func(*domain.MediaState)) bool {
	t.mu.Lock()
	p, ok := t.byID[id]
	if ok {
		update(&p.Media)
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
	return ok
}

func (t *Tracker) Get(id domain.ParticipantID) (domain.Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.byID[id]; ok {
		return *p, true
	}
	return domain.Participant{}, false
}

func (t *Tracker) ActiveSpeaker() (domain.ParticipantID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.order {
		if t.byID[id].IsActiveSpeaker {
			return id, true
		}
	}
	return "", false
}

// Snapshot returns a copy in join order.
func (t *Tracker) Snapshot() []domain.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.order = nil
	t.byID = make(map[domain.ParticipantID]*domain.Participant)
	t.mu.Unlock()
	log.Info().Str("module", "app.roster").Msg("cleared")
	t.notify()
}

func (t *Tracker) clearActiveExcept(id domain.ParticipantID) {
	for oid, p := range t.byID {
		if oid != id {
			p.IsActiveSpeaker = false
		}
	}
}

func (t *Tracker) snapshotLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.byID[id])
	}
	return out
}

func (t *Tracker) notify() {
	t.mu.RLock()
	fn := t.onChange
	var snap []domain.Participant
	if fn != nil {
		snap = t.snapshotLocked()
	}
	t.mu.RUnlock()
	if fn != nil {
		fn(snap)
	}
}

package relay

import (
	"context"
	"sync"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

type member struct {
	id     domain.ParticipantID
	name   string
	conn   *Conn
	cancel context.CancelFunc

	// room is guarded by Registry.mu.
	room domain.RoomID
}

// Registry maps participant ids to their current connection and room.
type Registry struct {
	mu      sync.RWMutex
	members map[domain.ParticipantID]*member
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[domain.ParticipantID]*member)}
}

// Bind makes m the current connection for its id and returns the one it
// replaced, if any.
func (r *Registry) Bind(m *member) *member {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.members[m.id]
	r.members[m.id] = m
	log.Info().Str("module", "relay.registry").Str("id", m.id.String()).Bool("replaced", old != nil).Msg("bound connection")
	return old
}

func (r *Registry) Busy(id domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

func (r *Registry) Get(id domain.ParticipantID) (*member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

// Unbind drops m and returns the room it was in. A replaced member is not
// bound anymore but still reports its room.
func (r *Registry) Unbind(m *member) domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[m.id]; ok && cur == m {
		delete(r.members, m.id)
		log.Info().Str("module", "relay.registry").Str("id", m.id.String()).Msg("unbind connection")
	}
	room := m.room
	m.room = ""
	return room
}

// SetRoom moves m into room and returns the previous one.
func (r *Registry) SetRoom(m *member, room domain.RoomID) domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := m.room
	m.room = room
	return prev
}

func (r *Registry) RoomOf(m *member) domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return m.room
}

// InRoom lists bound members of room.
func (r *Registry) InRoom(room domain.RoomID) []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.room == room {
			out = append(out, m)
		}
	}
	return out
}

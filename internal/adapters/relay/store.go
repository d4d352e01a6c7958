package relay

import (
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrUnknownInvite = errors.New("invalid invite key")
	ErrUnknownRoom   = errors.New("session does not exist")
	ErrRoomEnded     = errors.New("session has ended")
	ErrNotHost       = errors.New("only the host can do that")
)

// Store keeps the sessions created through the API, in memory.
type Store struct {
	mu      sync.RWMutex
	rooms   map[domain.RoomID]*domain.Room
	invites map[domain.InviteKey]domain.RoomID
}

func NewStore() *Store {
	return &Store{
		rooms:   make(map[domain.RoomID]*domain.Room),
		invites: make(map[domain.InviteKey]domain.RoomID),
	}
}

func (s *Store) Create(title string, host domain.ParticipantID) domain.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	var invite domain.InviteKey
	for {
		invite = domain.InviteKey(strings.ToUpper(uuid.NewString()[:8]))
		if _, taken := s.invites[invite]; !taken {
			break
		}
	}
	room := &domain.Room{
		ID:        domain.RoomID(uuid.NewString()),
		InviteKey: invite,
		Title:     title,
		HostID:    host,
		Status:    domain.RoomActive,
	}
	s.rooms[room.ID] = room
	s.invites[invite] = room.ID
	return *room
}

func (s *Store) Join(invite domain.InviteKey) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.invites[domain.InviteKey(strings.ToUpper(string(invite)))]
	if !ok {
		return domain.Room{}, ErrUnknownInvite
	}
	room := s.rooms[id]
	if !room.Active() {
		return domain.Room{}, ErrRoomEnded
	}
	return *room, nil
}

func (s *Store) Get(id domain.RoomID) (domain.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, false
	}
	return *room, true
}

func (s *Store) End(id domain.RoomID, caller domain.ParticipantID) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, ErrUnknownRoom
	}
	if !room.IsHost(caller) {
		return domain.Room{}, ErrNotHost
	}
	if !room.Active() {
		return domain.Room{}, ErrRoomEnded
	}
	room.Status = domain.RoomEnded
	room.Recording = false
	return *room, nil
}

// SetRecording flips the flag and reports whether it changed.
func (s *Store) SetRecording(id domain.RoomID, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok || room.Recording == on {
		return false
	}
	room.Recording = on
	return true
}

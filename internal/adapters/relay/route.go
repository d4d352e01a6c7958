package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

func (h *Hub) handleFrame(m *member, data []byte) {
	kind := domain.MessageKind(gjson.GetBytes(data, "type").String())
	switch kind {
	case domain.KindJoin:
		h.join(m, domain.RoomID(gjson.GetBytes(data, "roomId").String()))
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
		h.forward(m, domain.ParticipantID(gjson.GetBytes(data, "targetId").String()), data)
	case domain.KindActiveSpeaker:
		h.activeSpeaker(m)
	case domain.KindStartRecording, domain.KindStopRecording:
		h.recording(m, kind == domain.KindStartRecording)
	default:
		log.Warn().Str("module", "relay.route").Str("type", string(kind)).Msg("unknown signal")
		h.reject(m, "unknown message type")
	}
}

func (h *Hub) join(m *member, roomID domain.RoomID) {
	logger := log.With().Str("module", "relay.route").Str("id", m.id.String()).Str("room", string(roomID)).Logger()
	if ok, wait := h.limiter.Allow(m.id); !ok {
		logger.Warn().Dur("retry_after", wait).Msg("join rate limited")
		h.reject(m, fmt.Sprintf("too many join attempts, retry in %s", wait.Truncate(time.Millisecond)))
		return
	}
	room, ok := h.store.Get(roomID)
	if !ok || !room.Active() {
		logger.Warn().Msg("room is not available")
		h.reject(m, "room does not exist")
		return
	}

	if prev := h.registry.SetRoom(m, roomID); prev != "" && prev != roomID {
		h.notifyLeft(m, prev)
	}

	var existing []domain.ParticipantID
	others := make([]*member, 0)
	for _, o := range h.registry.InRoom(roomID) {
		if o.id == m.id {
			continue
		}
		existing = append(existing, o.id)
		others = append(others, o)
	}
	h.deliver(m, domain.Message{Type: domain.KindExistingParticipants, RoomID: roomID, Participants: existing})
	for _, o := range others {
		h.deliver(o, domain.Message{Type: domain.KindUserConnected, RoomID: roomID, UserID: m.id})
	}
	if room.Recording {
		h.deliver(m, domain.Message{Type: domain.KindRecordingStarted, RoomID: roomID})
	}
	h.broadcastCount(roomID)
	logger.Info().Int("existing", len(existing)).Msg("join")
}

// forward relays a point-to-point message, stamping the sender.
func (h *Hub) forward(m *member, target domain.ParticipantID, data []byte) {
	room := h.registry.RoomOf(m)
	to, ok := h.registry.Get(target)
	if room == "" || !ok || h.registry.RoomOf(to) != room {
		log.Debug().Str("module", "relay.route").Str("id", m.id.String()).Str("target", target.String()).Msg("target not in room")
		h.reject(m, "target is not in the room")
		return
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reject(m, "bad_payload")
		return
	}
	msg.SenderID = m.id
	msg.RoomID = room
	h.deliver(to, msg)
}

func (h *Hub) activeSpeaker(m *member) {
	room := h.registry.RoomOf(m)
	if room == "" {
		return
	}
	msg := domain.Message{Type: domain.KindActiveSpeaker, RoomID: room, UserID: m.id}
	for _, o := range h.registry.InRoom(room) {
		if o.id != m.id {
			h.deliver(o, msg)
		}
	}
}

func (h *Hub) recording(m *member, start bool) {
	roomID := h.registry.RoomOf(m)
	room, ok := h.store.Get(roomID)
	if !ok {
		h.reject(m, "not in a room")
		return
	}
	if !room.IsHost(m.id) {
		log.Warn().Str("module", "relay.route").Str("id", m.id.String()).Msg("recording control from non-host")
		h.reject(m, "only the host can control recording")
		return
	}
	if !h.store.SetRecording(roomID, start) {
		return
	}
	kind := domain.KindRecordingStopped
	if start {
		kind = domain.KindRecordingStarted
	}
	h.Broadcast(roomID, domain.Message{Type: kind, RoomID: roomID})
	log.Info().Str("module", "relay.route").Str("room", string(roomID)).Bool("recording", start).Msg("recording toggled")
}

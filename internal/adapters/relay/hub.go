// Package relay is a development signaling relay and session service. It
// forwards negotiation messages between participants of a room and keeps
// sessions in memory.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
	UploadDir    string
}

// dropBudget is how many droppable frames a slow member may lose before it
// is kicked.
const dropBudget = 32

type Hub struct {
	cfg      Config
	auth     *Auth
	registry *Registry
	store    *Store
	policy   Policy
	limiter  *RateLimiter
}

func NewHub(cfg Config, auth *Auth, limiter *RateLimiter) *Hub {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		cfg:      cfg,
		auth:     auth,
		registry: NewRegistry(),
		store:    NewStore(),
		policy:   NewKindPolicy(dropBudget),
		limiter:  limiter,
	}
}

func (h *Hub) Store() *Store { return h.store }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and greets the participant with its id.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	id, name := h.identify(c)
	logger := log.With().Str("module", "relay.signal").Str("id", id.String()).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(ctx)
	m := &member{
		id:     id,
		name:   name,
		conn:   newConn(ws, h.cfg.SendBuffer),
		cancel: cancel,
	}
	if old := h.registry.Bind(m); old != nil {
		logger.Info().Msg("replacing previous connection")
		h.kick(old)
	}
	resume, err := h.auth.Mint(id, name, resumeTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("mint resume token")
	}
	h.deliver(m, domain.Message{Type: domain.KindHello, UserID: id, Token: resume})
	logger.Info().Msg("new WS connection")

	go h.writePump(ctx, m)
	go h.readPump(ctx, m)
}

// resumeTTL bounds how long a hello token can reclaim its id.
const resumeTTL = 24 * time.Hour

// identify picks the participant id: the subject of a valid token, then the
// client cookie when it is not connected, then a fresh one. A bare ?id= is
// never trusted; reconnecting clients present the token from their hello.
func (h *Hub) identify(c *gin.Context) (domain.ParticipantID, string) {
	token := c.Query("token")
	if token == "" {
		token = bearer(c.GetHeader("Authorization"))
	}
	if token != "" {
		claims, err := h.auth.Verify(token)
		if err == nil {
			return domain.ParticipantID(claims.Subject), claims.Name
		}
		log.Warn().Err(err).Str("module", "relay.signal").Msg("ignoring invalid token")
	}
	id := domain.ParticipantID(c.GetString(ClientTokenKey))
	if id == "" || h.registry.Busy(id) {
		id = domain.ParticipantID(uuid.NewString())
	}
	if requested := c.Query("id"); requested != "" && requested != id.String() {
		log.Warn().Str("module", "relay.signal").Str("requested", requested).Str("id", id.String()).Msg("unauthenticated id request refused")
	}
	return id, ""
}

func (h *Hub) writePump(ctx context.Context, m *member) {
	ping := time.NewTicker(h.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-m.conn.send:
			if !ok {
				return
			}
			if err := m.conn.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "relay.signal").Msg("writePump set deadline")
				h.kick(m)
				return
			}
			if err := m.conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "relay.signal").Str("id", m.id.String()).Msg("writePump write error")
				h.kick(m)
				return
			}
		case <-ping.C:
			if err := m.conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.kick(m)
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, m *member) {
	defer h.leave(m)

	pongWait := h.cfg.PingPeriod * 2
	_ = m.conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.ws.SetPongHandler(func(string) error {
		return m.conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for ctx.Err() == nil {
		_, data, err := m.conn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info().Err(err).Str("module", "relay.signal").Str("id", m.id.String()).Msg("readPump closing")
			}
			return
		}
		_ = m.conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(m, data)
	}
}

func (h *Hub) kick(m *member) {
	m.cancel()
	m.conn.Close()
}

// leave runs once per connection when its read pump stops.
func (h *Hub) leave(m *member) {
	h.kick(m)
	h.policy.Forget(m.id)
	room := h.registry.Unbind(m)
	if room == "" {
		return
	}
	log.Info().Str("module", "relay.signal").Str("id", m.id.String()).Str("room", string(room)).Msg("left room")
	h.notifyLeft(m, room)
}

func (h *Hub) notifyLeft(m *member, room domain.RoomID) {
	for _, other := range h.registry.InRoom(room) {
		if other.id != m.id {
			h.deliver(other, domain.Message{Type: domain.KindUserDisconnected, RoomID: room, UserID: m.id})
		}
	}
	h.broadcastCount(room)
}

func (h *Hub) broadcastCount(room domain.RoomID) {
	members := h.registry.InRoom(room)
	msg := domain.Message{Type: domain.KindParticipantCount, RoomID: room, Count: len(members)}
	for _, m := range members {
		h.deliver(m, msg)
	}
}

// Broadcast sends msg to every member of room.
func (h *Hub) Broadcast(room domain.RoomID, msg domain.Message) {
	for _, m := range h.registry.InRoom(room) {
		h.deliver(m, msg)
	}
}

// Participants lists the members currently joined to room.
func (h *Hub) Participants(room domain.RoomID) []domain.Participant {
	members := h.registry.InRoom(room)
	out := make([]domain.Participant, 0, len(members))
	for _, m := range members {
		p := domain.NewRemoteParticipant(m.id)
		if m.name != "" {
			_ = p.SetDisplayName(m.name)
		}
		out = append(out, p)
	}
	return out
}

func (h *Hub) deliver(m *member, msg domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.signal").Msg("marshal")
		return
	}
	err = m.conn.TrySend(data)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	action := h.policy.OnBackPressure(m.id, msg.Type)
	logger := log.With().
		Str("module", "relay.signal").
		Str("id", m.id.String()).
		Str("room", string(h.registry.RoomOf(m))).
		Str("kind", string(msg.Type)).
		Str("action", action.String()).
		Logger()
	switch action {
	case KickMember:
		logger.Warn().Msg("kicking slow member")
		h.kick(m)
	case DropFrame:
		logger.Debug().Msg("frame dropped")
	}
}

func (h *Hub) reject(m *member, reason string) {
	h.deliver(m, domain.Message{Type: domain.KindError, Error: reason})
}

package relay

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// ClientTokenKey is the gin context key of the anonymous cookie token.
	ClientTokenKey = "client_token"
	participantKey = "participant_id"

	maxUploadBytes = 512 << 20
)

// RequireToken rejects requests without a valid bearer token and stores the
// caller's participant id in the context.
func (h *Hub) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := h.auth.Verify(token)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay.api").Str("ip", c.ClientIP()).Msg("invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(participantKey, claims.Subject)
		c.Next()
	}
}

func caller(c *gin.Context) domain.ParticipantID {
	return domain.ParticipantID(c.GetString(participantKey))
}

type createRequest struct {
	Title string `json:"title" binding:"required,max=120"`
}

type joinRequest struct {
	InviteKey string `json:"inviteKey" binding:"required"`
}

type endRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

func (h *Hub) CreateSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room := h.store.Create(req.Title, caller(c))
	log.Info().Str("module", "relay.api").Str("room", string(room.ID)).Str("host", caller(c).String()).Msg("session created")
	c.JSON(http.StatusCreated, room)
}

func (h *Hub) JoinSession(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, err := h.store.Join(domain.InviteKey(req.InviteKey))
	switch {
	case errors.Is(err, ErrUnknownInvite):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRoomEnded):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		room.ParticipantCount = len(h.registry.InRoom(room.ID))
		c.JSON(http.StatusOK, room)
	}
}

// EndSession ends the session for everyone. Only the host may call it.
func (h *Hub) EndSession(c *gin.Context) {
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	roomID := domain.RoomID(req.RoomID)
	room, err := h.store.End(roomID, caller(c))
	switch {
	case errors.Is(err, ErrUnknownRoom):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrNotHost):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrRoomEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.Broadcast(roomID, domain.Message{Type: domain.KindSessionEnded, RoomID: roomID})
	log.Info().Str("module", "relay.api").Str("room", string(roomID)).Msg("session ended")
	c.JSON(http.StatusOK, room)
}

func (h *Hub) ListParticipants(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if _, ok := h.store.Get(roomID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownRoom.Error()})
		return
	}
	participants := h.Participants(roomID)
	c.JSON(http.StatusOK, gin.H{
		"roomId":       roomID,
		"participants": participants,
		"count":        len(participants),
	})
}

// Upload stores a finished recording and returns its reference.
func (h *Hub) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	sessionID := domain.RoomID(c.PostForm("sessionId"))
	if _, ok := h.store.Get(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownRoom.Error()})
		return
	}
	fh, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing recording"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mtype := mimetype.Detect(data)
	reference := uuid.NewString() + mtype.Extension()
	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(filepath.Join(h.cfg.UploadDir, reference), data, 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().
		Str("module", "relay.api").
		Str("room", string(sessionID)).
		Str("user", c.PostForm("userId")).
		Str("active_speaker", c.PostForm("activeSpeakerId")).
		Str("mime", mtype.String()).
		Int("bytes", len(data)).
		Msg("recording stored")
	c.JSON(http.StatusOK, gin.H{
		"reference":       reference,
		"mimeType":        mtype.String(),
		"sessionId":       sessionID,
		"activeSpeakerId": c.PostForm("activeSpeakerId"),
	})
}

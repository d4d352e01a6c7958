package http

import (
	"context"

	"github.com/dkeye/podcast/internal/adapters/relay"
	"github.com/dkeye/podcast/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable anonymous id, kept in
// the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(relay.ClientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(relay.ClientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(relay.ClientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("PodcastSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(relay.ClientTokenKey)).Msg("ws signal endpoint hit")
		hub.HandleSignal(ctx, c)
	})
	api.GET("/sessions/:id/participants", hub.ListParticipants)

	authed := api.Group("/sessions", hub.RequireToken())
	authed.POST("", hub.CreateSession)
	authed.POST("/join", hub.JoinSession)
	authed.POST("/end", hub.EndSession)

	r.POST("/upload", hub.RequireToken(), hub.Upload)

	return r
}

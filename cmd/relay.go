package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	router "github.com/dkeye/podcast/internal/adapters/http"
	"github.com/dkeye/podcast/internal/adapters/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the development signaling relay and session service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		hub := relay.NewHub(relay.Config{
			PingPeriod:   cfg.PingPeriod,
			WriteTimeout: cfg.WriteTimeout,
			ReadLimit:    cfg.ReadLimit,
			UploadDir:    cfg.UploadDir,
		}, relay.NewAuth(cfg.Secret), relay.NewRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval))

		addr := fmt.Sprintf(":%d", cfg.Port)
		srv := &http.Server{
			Addr:    addr,
			Handler: router.SetupRouter(ctx, cfg, hub),
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("relay started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
				return err
			}
			log.Info().Msg("Server exited gracefully")
			return nil
		})
		return g.Wait()
	},
}

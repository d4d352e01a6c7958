package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/podcast/internal/adapters/capture"
	"github.com/dkeye/podcast/internal/adapters/rtc"
	"github.com/dkeye/podcast/internal/adapters/signal"
	"github.com/dkeye/podcast/internal/adapters/upload"
	"github.com/dkeye/podcast/internal/app/session"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var joinFlags struct {
	name      string
	audio     string
	video     string
	recordFor time.Duration
	endAfter  bool
}

var joinCmd = &cobra.Command{
	Use:   "join <inviteKey>",
	Short: "Join a session as a headless participant streaming capture files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		factory, err := rtc.NewFactory(rtc.ICEServers(cfg.ICEServers, cfg.ICEUsername, cfg.ICECredential))
		if err != nil {
			return err
		}
		ctrl := session.New(session.Config{
			SignalURL:        cfg.SignalURL,
			Token:            authToken,
			DisplayName:      joinFlags.name,
			SpeakerInterval:  cfg.SpeakerInterval,
			SpeakerThreshold: cfg.SpeakerThreshold,
			RecordingMime:    cfg.RecordingMime,
			UploadTimeout:    cfg.UploadTimeout,
			MaxLinkRecreate:  cfg.MaxLinkRecreate,
		}, session.Deps{
			API: apiClient(),
			Dialer: &signal.Dialer{
				Attempts:     cfg.ReconnectAttempts,
				Backoff:      cfg.ReconnectBackoff,
				WriteTimeout: cfg.WriteTimeout,
				PingPeriod:   cfg.PingPeriod,
				ReadLimit:    cfg.ReadLimit,
			},
			Capture:     capture.NewFileProvider(joinFlags.audio, joinFlags.video),
			Connections: factory,
			Uploader:    upload.New(cfg.APIURL+"/upload", authToken),
		})

		ctx := cmd.Context()
		if err := ctrl.Join(ctx, domain.InviteKey(args[0])); err != nil {
			return err
		}
		ctrl.OnRosterChange(func(ps []domain.Participant) {
			log.Info().Str("module", "cmd").Int("participants", len(ps)).Msg("roster changed")
		})
		room := ctrl.Room()
		fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s\n", room.ID, ctrl.LocalID())

		g, gctx := errgroup.WithContext(ctx)
		if joinFlags.recordFor > 0 {
			g.Go(func() error { return record(gctx, ctrl, joinFlags.recordFor) })
		}
		g.Go(func() error {
			select {
			case <-ctrl.Done():
				return ctrl.Err()
			case <-gctx.Done():
			}
			leaveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if joinFlags.endAfter && ctrl.Room().IsHost(ctrl.LocalID()) {
				return ctrl.EndSession(leaveCtx)
			}
			return ctrl.Leave(leaveCtx)
		})
		return g.Wait()
	},
}

// record runs one host recording of length d.
func record(ctx context.Context, ctrl *session.Controller, d time.Duration) error {
	if err := ctrl.StartRecording(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-ctrl.Done():
		return nil
	case <-time.After(d):
	}
	artifact, err := ctrl.StopRecording(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("module", "cmd").Int("bytes", len(artifact.Data)).Dur("duration", artifact.Duration).Msg("recording finished")
	return nil
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.name, "name", "", "display name")
	joinCmd.Flags().StringVar(&joinFlags.audio, "audio", capture.SilenceSource, "Ogg/Opus file to stream, or \"silence\"")
	joinCmd.Flags().StringVar(&joinFlags.video, "video", "", "IVF file to stream")
	joinCmd.Flags().DurationVar(&joinFlags.recordFor, "record-for", 0, "as host, record for this long after joining")
	joinCmd.Flags().BoolVar(&joinFlags.endAfter, "end", false, "as host, end the session for everyone on exit")
}

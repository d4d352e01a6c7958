package session

import (
	"context"
	"errors"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

var errNotHost = errors.New("only the host can end the session")

// EnableAudio toggles the local audio track. Tracks that were never attached
// are attached now, which renegotiates the affected links.
func (c *Controller) EnableAudio(ctx context.Context, on bool) error {
	return c.call(ctx, func() error {
		c.media.EnableAudio(on)
		return c.syncMedia(on)
	})
}

func (c *Controller) EnableVideo(ctx context.Context, on bool) error {
	return c.call(ctx, func() error {
		c.media.EnableVideo(on)
		return c.syncMedia(on)
	})
}

func (c *Controller) syncMedia(enabled bool) error {
	state := c.media.MediaState()
	c.roster.SetMedia(c.local, func(m *domain.MediaState) { *m = state })
	if !enabled {
		return nil
	}
	return c.peers.SyncTracks()
}

func (c *Controller) StartRecording(ctx context.Context) error {
	return c.call(ctx, func() error {
		if err := c.recorder.Start(c.local); err != nil {
			return err
		}
		c.updateRoom(func(r *domain.Room) { r.Recording = true })
		return nil
	})
}

// StopRecording returns the artifact that was handed to the uploader.
func (c *Controller) StopRecording(ctx context.Context) (domain.Artifact, error) {
	var artifact domain.Artifact
	err := c.call(ctx, func() error {
		a, err := c.recorder.Stop(c.local)
		if err != nil {
			return err
		}
		artifact = a
		c.updateRoom(func(r *domain.Room) { r.Recording = false })
		return nil
	})
	return artifact, err
}

// EndSession is host-only: it ends the room for everyone, then tears down.
func (c *Controller) EndSession(ctx context.Context) error {
	room := c.Room()
	if !room.IsHost(c.local) {
		return core.PeerError(core.ErrAuthorization, "end session", c.local, errNotHost)
	}
	if err := c.deps.API.End(ctx, room.ID); err != nil {
		return err
	}
	log.Info().Str("module", "app.session").Str("room", string(room.ID)).Msg("session ended by host")
	return c.Leave(ctx)
}

// Package recording implements host-controlled capture of the local media
// into a single artifact that is handed to the upload service.
package recording

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	errNotHost  = errors.New("only the host controls recording")
	errActive   = errors.New("recording already active")
	errInactive = errors.New("recording not active")
)

type Config struct {
	Local         domain.ParticipantID
	MimeType      string
	UploadTimeout time.Duration
}

// Deps are read on the session loop.
type Deps struct {
	Room     func() domain.Room
	Source   core.ChunkSource
	Signal   core.SignalSender
	Uploader core.Uploader
	// Speaker reports the current active speaker for attribution.
	Speaker func() domain.ParticipantID
	// OnUploaded observes upload results.
	OnUploaded func(ref string, err error)
}

type Coordinator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	session *domain.RecordingSession
	untap   func()

	uploads errgroup.Group
	base    context.Context
}

func New(ctx context.Context, cfg Config, deps Deps) *Coordinator {
	if cfg.MimeType == "" {
		cfg.MimeType = "audio/ogg"
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = time.Minute
	}
	return &Coordinator{cfg: cfg, deps: deps, now: time.Now, base: context.WithoutCancel(ctx)}
}

func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.Active
}

// Start begins buffering local chunks. Only the host may start.
func (c *Coordinator) Start(caller domain.ParticipantID) error {
	room := c.deps.Room()
	if !room.IsHost(caller) {
		return core.PeerError(core.ErrAuthorization, "start recording", caller, errNotHost)
	}

	c.mu.Lock()
	if c.session != nil && c.session.Active {
		c.mu.Unlock()
		return core.PeerError(core.ErrStateConflict, "start recording", caller, errActive)
	}
	c.session = domain.NewRecordingSession(c.now())
	id := c.session.ID
	c.mu.Unlock()

	c.untap = c.deps.Source.Tap(c.append)
	log.Info().Str("module", "app.recording").Str("room", string(room.ID)).Str("recording", id).Msg("recording started")

	if err := c.deps.Signal.Send(domain.StartRecording(room.ID)); err != nil {
		log.Warn().Err(err).Str("module", "app.recording").Msg("announce recording start")
	}
	return nil
}

// Stop finalizes the recording and hands it off for upload.
func (c *Coordinator) Stop(caller domain.ParticipantID) (domain.Artifact, error) {
	if !c.deps.Room().IsHost(caller) {
		return domain.Artifact{}, core.PeerError(core.ErrAuthorization, "stop recording", caller, errNotHost)
	}
	if !c.Active() {
		return domain.Artifact{}, core.PeerError(core.ErrStateConflict, "stop recording", caller, errInactive)
	}
	return c.finalize(), nil
}

// ForceStop is used by teardown and skips the host check. It is a no-op
// when nothing is recording.
func (c *Coordinator) ForceStop() bool {
	if !c.Active() {
		return false
	}
	c.finalize()
	return true
}

// Wait blocks until pending uploads finish or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.uploads.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) append(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Append(chunk)
	}
}

func (c *Coordinator) finalize() domain.Artifact {
	if c.untap != nil {
		c.untap()
		c.untap = nil
	}
	c.mu.Lock()
	artifact := c.session.Finalize(c.now(), c.cfg.MimeType)
	c.session = nil
	c.mu.Unlock()

	room := c.deps.Room()
	log.Info().
		Str("module", "app.recording").
		Str("room", string(room.ID)).
		Str("recording", artifact.ID).
		Int("bytes", len(artifact.Data)).
		Dur("duration", artifact.Duration).
		Msg("recording stopped")

	if err := c.deps.Signal.Send(domain.StopRecording(room.ID)); err != nil {
		log.Warn().Err(err).Str("module", "app.recording").Msg("announce recording stop")
	}

	var speaker domain.ParticipantID
	if c.deps.Speaker != nil {
		speaker = c.deps.Speaker()
	}
	c.handoff(core.UploadRequest{
		Artifact:        artifact,
		SessionID:       room.ID,
		UserID:          c.cfg.Local,
		ActiveSpeakerID: speaker,
	})
	return artifact
}

func (c *Coordinator) handoff(req core.UploadRequest) {
	if c.deps.Uploader == nil {
		return
	}
	c.uploads.Go(func() error {
		ctx, cancel := context.WithTimeout(c.base, c.cfg.UploadTimeout)
		defer cancel()
		ref, err := c.deps.Uploader.Upload(ctx, req)
		if err != nil {
			log.Error().Err(err).Str("module", "app.recording").Str("recording", req.Artifact.ID).Msg("upload failed")
		} else {
			log.Info().Str("module", "app.recording").Str("recording", req.Artifact.ID).Str("reference", ref).Msg("upload complete")
		}
		if c.deps.OnUploaded != nil {
			c.deps.OnUploaded(ref, err)
		}
		return err
	})
}

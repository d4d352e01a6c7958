// Package session runs one participant's session: join, the event loop that
// serializes every state change, and ordered teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/podcast/internal/app/media"
	"github.com/dkeye/podcast/internal/app/peer"
	"github.com/dkeye/podcast/internal/app/recording"
	"github.com/dkeye/podcast/internal/app/roster"
	"github.com/dkeye/podcast/internal/app/speaker"
	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	errClosed        = errors.New("session closed")
	errAlreadyJoined = errors.New("session already joined")
)

type Config struct {
	SignalURL        string
	Token            string
	DisplayName      string
	SpeakerInterval  time.Duration
	SpeakerThreshold float64
	RecordingMime    string
	UploadTimeout    time.Duration
	MaxLinkRecreate  int
	TeardownTimeout  time.Duration
}

type Deps struct {
	API         core.SessionAPI
	Dialer      core.SignalDialer
	Capture     core.CaptureProvider
	Connections core.MediaConnectionFactory
	Uploader    core.Uploader
}

// Controller owns every per-session component. Component state is touched
// only from the loop goroutine; public methods submit work to it.
type Controller struct {
	cfg  Config
	deps Deps

	roomMu sync.RWMutex
	room   domain.Room

	channel  core.SignalChannel
	local    domain.ParticipantID
	roster   *roster.Tracker
	peers    *peer.Manager
	media    *media.Pipeline
	speaker  *speaker.Tracker
	recorder *recording.Coordinator

	events       chan func()
	unsubscribe  []func()
	stopSampling context.CancelFunc

	joined  bool
	running bool
	ended   bool
	reason  error
	done    chan struct{}
}

func New(cfg Config, deps Deps) *Controller {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		roster: roster.New(),
		media:  media.New(deps.Capture),
		events: make(chan func(), 256),
		done:   make(chan struct{}),
	}
}

// Join resolves the invite, connects signaling, acquires local media and
// announces the participant. The session then runs until Leave, EndSession,
// a remote session-ended or a terminal transport failure.
func (c *Controller) Join(ctx context.Context, invite domain.InviteKey) error {
	if c.joined {
		return core.Conflict("join", "%w", errAlreadyJoined)
	}
	c.joined = true

	room, err := c.deps.API.Join(ctx, invite)
	if err != nil {
		return err
	}
	c.setRoom(room)
	logger := log.With().Str("module", "app.session").Str("room", string(room.ID)).Logger()

	ch, err := c.deps.Dialer.Connect(ctx, c.cfg.SignalURL, c.cfg.Token)
	if err != nil {
		return core.Wrap(core.ErrTransport, "connect signaling", err)
	}
	c.channel = ch
	c.local = ch.LocalID()

	if err := c.media.Acquire(ctx); err != nil {
		if !errors.Is(err, core.ErrMedia) {
			_ = ch.Disconnect()
			return err
		}
		logger.Warn().Err(err).Msg("joining without local media")
	}

	if err := c.wire(); err != nil {
		_ = c.media.Release()
		_ = ch.Disconnect()
		return err
	}

	sampleCtx, cancel := context.WithCancel(context.Background())
	c.stopSampling = cancel
	c.running = true
	go c.run()
	go c.speaker.Run(sampleCtx)

	if err := c.call(ctx, func() error {
		return c.channel.Send(domain.JoinRoom(room.ID))
	}); err != nil {
		_ = c.Leave(context.WithoutCancel(ctx))
		return core.Wrap(core.ErrTransport, "send join", err)
	}
	logger.Info().Str("local", c.local.String()).Str("media", c.media.State().String()).Msg("joined")
	return nil
}

func (c *Controller) wire() error {
	local, err := domain.NewLocalParticipant(c.local, c.cfg.DisplayName)
	if err != nil {
		return err
	}
	local.Media = c.media.MediaState()
	c.roster.Upsert(local)

	room := c.Room()
	c.peers = peer.NewManager(peer.Config{
		Room:        room.ID,
		Local:       c.local,
		Factory:     c.deps.Connections,
		Signal:      c.channel,
		Attach:      c.media.AttachTo,
		Post:        c.post,
		MaxRecreate: c.cfg.MaxLinkRecreate,
	})
	c.peers.OnLinkOpened(c.onLinkOpened)
	c.peers.OnLinkClosed(c.onLinkClosed)
	c.peers.OnTrackReady(c.onTrackReady)

	c.speaker = speaker.New(speaker.Config{
		Room:      room.ID,
		Local:     c.local,
		Interval:  c.cfg.SpeakerInterval,
		Threshold: c.cfg.SpeakerThreshold,
	}, c.media, c.channel, c.roster, c.post)

	c.recorder = recording.New(context.Background(), recording.Config{
		Local:         c.local,
		MimeType:      c.cfg.RecordingMime,
		UploadTimeout: c.cfg.UploadTimeout,
	}, recording.Deps{
		Room:     c.Room,
		Source:   c.media,
		Signal:   c.channel,
		Uploader: c.deps.Uploader,
		Speaker: func() domain.ParticipantID {
			id, _ := c.roster.ActiveSpeaker()
			return id
		},
	})

	return c.subscribe()
}

func (c *Controller) Done() <-chan struct{} { return c.done }

// Err is the reason the session ended, nil for an orderly end.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

func (c *Controller) LocalID() domain.ParticipantID { return c.local }

// Roster is the read-only projection for presentation.
func (c *Controller) Roster() []domain.Participant { return c.roster.Snapshot() }

// OnRosterChange forwards roster snapshots.
func (c *Controller) OnRosterChange(fn func([]domain.Participant)) { c.roster.OnChange(fn) }

func (c *Controller) MediaState() media.State { return c.media.State() }

func (c *Controller) Room() domain.Room {
	c.roomMu.RLock()
	defer c.roomMu.RUnlock()
	return c.room
}

func (c *Controller) setRoom(r domain.Room) {
	c.roomMu.Lock()
	c.room = r
	c.roomMu.Unlock()
}

func (c *Controller) updateRoom(fn func(*domain.Room)) {
	c.roomMu.Lock()
	fn(&c.room)
	c.roomMu.Unlock()
}

// Leave tears the session down. Calling it again is a no-op.
func (c *Controller) Leave(ctx context.Context) error {
	if !c.running {
		return nil
	}
	err := c.call(ctx, func() error { return c.teardown(nil) })
	if errors.Is(err, errClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.channel.Done():
			err := c.channel.Err()
			if err != nil {
				log.Error().Err(err).Str("module", "app.session").Msg("signaling lost, tearing down")
			}
			if terr := c.teardown(err); terr != nil {
				log.Warn().Err(terr).Str("module", "app.session").Msg("teardown")
			}
		}
		if c.ended {
			return
		}
	}
}

// post queues fn for the loop. Work posted after the loop exits is dropped.
func (c *Controller) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	wrapped := func() { res <- fn() }
	select {
	case c.events <- wrapped:
	case <-c.done:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return errClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown runs every step in order even when earlier steps fail: recording,
// peer links, local media, signaling, roster.
func (c *Controller) teardown(reason error) error {
	if c.ended {
		return nil
	}
	c.ended = true
	c.reason = reason
	logger := log.With().Str("module", "app.session").Str("room", string(c.Room().ID)).Logger()

	if c.stopSampling != nil {
		c.stopSampling()
	}

	var errs []error
	if c.recorder.ForceStop() {
		logger.Info().Msg("recording stopped by teardown")
	}
	if err := c.peers.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	if err := c.media.Release(); err != nil {
		errs = append(errs, err)
	}
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil
	if err := c.channel.Disconnect(); err != nil {
		errs = append(errs, core.Wrap(core.ErrTransport, "disconnect", err))
	}
	c.roster.Clear()
	c.updateRoom(func(r *domain.Room) {
		r.Status = domain.RoomEnded
		r.Recording = false
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
	defer cancel()
	if err := c.recorder.Wait(waitCtx); err != nil {
		logger.Warn().Err(err).Msg("pending uploads")
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Warn().Err(err).Msg("teardown finished with errors")
	} else {
		logger.Info().Msg("session closed")
	}
	return err
}

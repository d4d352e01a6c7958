// Package speaker announces the local participant as active speaker and
// reflects announcements from others in the roster.
package speaker

import (
	"context"
	"time"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/rs/zerolog/log"
)

type Marker interface {
	MarkActiveSpeaker(id domain.ParticipantID) bool
}

type Config struct {
	Room      domain.RoomID
	Local     domain.ParticipantID
	Interval  time.Duration
	Threshold float64
}

// Tracker samples on its own goroutine and mutates state only through post,
// which runs on the session loop.
type Tracker struct {
	cfg    Config
	meter  core.LevelMeter
	out    core.SignalSender
	roster Marker
	post   func(func())

	last domain.ParticipantID
}

func New(cfg Config, meter core.LevelMeter, out core.SignalSender, roster Marker, post func(func())) *Tracker {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Tracker{cfg: cfg, meter: meter, out: out, roster: roster, post: post}
}

// Run samples until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	log.Debug().Str("module", "app.speaker").Dur("interval", t.cfg.Interval).Msg("sampling started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "app.speaker").Msg("sampling stopped")
			return
		case <-ticker.C:
			level := t.meter.Level()
			t.post(func() { t.Sample(level) })
		}
	}
}

// Sample broadcasts the local id when level crosses the threshold and the
// last announced speaker was someone else.
func (t *Tracker) Sample(level float64) bool {
	if level < t.cfg.Threshold || t.last == t.cfg.Local {
		return false
	}
	if err := t.out.Send(domain.ActiveSpeaker(t.cfg.Room, t.cfg.Local)); err != nil {
		log.Warn().Err(err).Str("module", "app.speaker").Msg("announce active speaker")
		return false
	}
	t.last = t.cfg.Local
	t.roster.MarkActiveSpeaker(t.cfg.Local)
	return true
}

// OnActiveSpeaker handles an inbound announcement.
func (t *Tracker) OnActiveSpeaker(id domain.ParticipantID) {
	if id == "" {
		return
	}
	t.last = id
	if !t.roster.MarkActiveSpeaker(id) {
		log.Debug().Str("module", "app.speaker").Str("peer", id.String()).Msg("active speaker not in roster")
	}
}

func (t *Tracker) Last() domain.ParticipantID { return t.last }

package session

import (
	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var inbound = []domain.MessageKind{
	domain.KindExistingParticipants,
	domain.KindUserConnected,
	domain.KindUserDisconnected,
	domain.KindOffer,
	domain.KindAnswer,
	domain.KindICECandidate,
	domain.KindActiveSpeaker,
	domain.KindRecordingStarted,
	domain.KindRecordingStopped,
	domain.KindParticipantCount,
	domain.KindSessionEnded,
	domain.KindError,
}

// subscribe installs exactly one handler per kind. Handlers only enqueue.
func (c *Controller) subscribe() error {
	for _, kind := range inbound {
		unsub, err := c.channel.Subscribe(kind, func(msg domain.Message) {
			c.post(func() { c.handle(msg) })
		})
		if err != nil {
			for _, u := range c.unsubscribe {
				u()
			}
			c.unsubscribe = nil
			return err
		}
		c.unsubscribe = append(c.unsubscribe, unsub)
	}
	return nil
}

func (c *Controller) handle(msg domain.Message) {
	if c.ended {
		return
	}
	switch msg.Type {
	case domain.KindExistingParticipants:
		c.report("existing participants", c.peers.OnExistingParticipants(msg.Participants))
	case domain.KindUserConnected:
		c.report("user connected", c.peers.OnUserConnected(msg.UserID))
	case domain.KindUserDisconnected:
		c.report("user disconnected", c.peers.OnUserDisconnected(msg.UserID))
	case domain.KindOffer, domain.KindAnswer, domain.KindICECandidate:
		c.report(string(msg.Type), c.peers.OnSignaling(msg))
	case domain.KindActiveSpeaker:
		c.speaker.OnActiveSpeaker(msg.UserID)
	case domain.KindRecordingStarted:
		c.updateRoom(func(r *domain.Room) { r.Recording = true })
	case domain.KindRecordingStopped:
		c.updateRoom(func(r *domain.Room) { r.Recording = false })
	case domain.KindParticipantCount:
		c.updateRoom(func(r *domain.Room) { r.ParticipantCount = msg.Count })
	case domain.KindSessionEnded:
		log.Info().Str("module", "app.session").Msg("session ended remotely")
		c.report("session ended", c.teardown(nil))
	case domain.KindError:
		log.Warn().Str("module", "app.session").Str("error", msg.Error).Msg("relay error")
	}
}

// report logs per-peer and benign errors. None of them abort the session.
func (c *Controller) report(op string, err error) {
	if err == nil {
		return
	}
	if core.Benign(err) {
		log.Debug().Err(err).Str("module", "app.session").Str("op", op).Msg("ignored")
		return
	}
	log.Warn().Err(err).Str("module", "app.session").Str("op", op).Msg("event failed")
}

func (c *Controller) onLinkOpened(id domain.ParticipantID) {
	if _, ok := c.roster.Get(id); ok {
		return
	}
	c.roster.Upsert(domain.NewRemoteParticipant(id))
}

func (c *Controller) onLinkClosed(id domain.ParticipantID) {
	c.roster.Remove(id)
}

func (c *Controller) onTrackReady(id domain.ParticipantID, kind webrtc.RTPCodecType) {
	c.roster.SetMedia(id, func(m *domain.MediaState) {
		switch kind {
		case webrtc.RTPCodecTypeAudio:
			m.AudioEnabled = true
		case webrtc.RTPCodecTypeVideo:
			m.VideoEnabled = true
		}
	})
}

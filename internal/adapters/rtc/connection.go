package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errClosed = errors.New("connection closed")

// Connection wraps one pion PeerConnection. Negotiation methods are called
// from the session loop; callbacks fire on pion goroutines.
type Connection struct {
	peer   domain.ParticipantID
	build  func() (*webrtc.PeerConnection, error)
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	tracks     map[string]webrtc.TrackLocal
	senders    map[string]*webrtc.RTPSender
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onICEState func(webrtc.ICEConnectionState)
	onReady    func(webrtc.RTPCodecType)
}

func newConnection(peer domain.ParticipantID, build func() (*webrtc.PeerConnection, error)) (*Connection, error) {
	pc, err := build()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		peer:    peer,
		build:   build,
		ctx:     ctx,
		cancel:  cancel,
		pc:      pc,
		tracks:  make(map[string]webrtc.TrackLocal),
		senders: make(map[string]*webrtc.RTPSender),
	}
	c.start(pc)
	return c, nil
}

func (c *Connection) conn() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// start installs the pion handlers for pc. Events from a peer connection
// that has since been replaced are dropped.
func (c *Connection) start(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("peer", c.peer.String()).Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fn, live := c.onICEState, c.pc == pc
		c.mu.Unlock()
		if live && fn != nil {
			fn(s)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "adapters.rtc").Str("peer", c.peer.String()).Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn, live := c.onICE, c.pc == pc
		c.mu.Unlock()
		if live && fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("peer", c.peer.String()).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go c.readRemote(pc, track)
	})
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	pc := c.conn()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc := c.conn()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription parses the SDP before handing it to pion so malformed
// input is reported with the parser's error.
func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("parse remote %s: %w", desc.Type, err)
	}
	log.Debug().
		Str("module", "adapters.rtc").
		Str("peer", c.peer.String()).
		Str("type", desc.Type.String()).
		Int("media_sections", len(parsed.MediaDescriptions)).
		Msg("remote description")
	return c.conn().SetRemoteDescription(desc)
}

// Rollback discards a staged local offer. pion cannot apply a local rollback
// description, so the peer connection is rebuilt with the same local tracks
// and callbacks, and the old one is closed.
func (c *Connection) Rollback() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	old := c.pc
	if st := old.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		c.mu.Unlock()
		return fmt.Errorf("rollback in signaling state %s", st)
	}
	pc, err := c.build()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	senders := make(map[string]*webrtc.RTPSender, len(c.tracks))
	for id, track := range c.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			c.mu.Unlock()
			_ = pc.Close()
			return fmt.Errorf("re-add track %s: %w", id, err)
		}
		senders[id] = sender
	}
	c.start(pc)
	c.pc = pc
	c.senders = senders
	c.mu.Unlock()

	for _, sender := range senders {
		go drainRTCP(c.ctx, sender)
	}
	if err := old.Close(); err != nil {
		log.Debug().Err(err).Str("module", "adapters.rtc").Str("peer", c.peer.String()).Msg("close rolled back connection")
	}
	log.Info().Str("module", "adapters.rtc").Str("peer", c.peer.String()).Int("tracks", len(senders)).Msg("local offer rolled back")
	return nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.conn().AddICECandidate(ci)
}

// AddLocalTrack attaches a shared local track. The track itself is never
// stopped from here.
func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if _, ok := c.senders[track.ID()]; ok {
		return nil
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.tracks[track.ID()] = track
	c.senders[track.ID()] = sender
	go drainRTCP(c.ctx, sender)
	return nil
}

func (c *Connection) HasLocalTrack(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.senders[id]
	return ok
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = fn
	c.mu.Unlock()
}

// OnTrackReady sets the callback fired after the first packet of each remote track.
func (c *Connection) OnTrackReady(fn func(webrtc.RTPCodecType)) {
	c.mu.Lock()
	c.onReady = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.pc
	c.mu.Unlock()

	c.cancel()
	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("peer", c.peer.String()).Msg("close error")
		return err
	}
	log.Info().Str("module", "adapters.rtc").Str("peer", c.peer.String()).Msg("closed")
	return nil
}

// readRemote consumes a remote track. Video gets an immediate keyframe
// request; readiness is signalled on the first packet.
func (c *Connection) readRemote(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := pc.WriteRTCP(pli); err != nil {
			log.Debug().Err(err).Str("module", "adapters.rtc").Str("peer", c.peer.String()).Msg("initial PLI")
		}
	}

	var stats recvStats
	ready := false
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().
				Str("module", "adapters.rtc").
				Str("peer", c.peer.String()).
				Str("kind", track.Kind().String()).
				Int("packets", stats.packets).
				Int("bytes", stats.bytes).
				Int("lost", stats.lost).
				Msg("remote track ended")
			return
		}
		stats.observe(pkt)
		if !ready {
			ready = true
			c.mu.Lock()
			fn, live := c.onReady, c.pc == pc
			c.mu.Unlock()
			if live && fn != nil {
				fn(track.Kind())
			}
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

type recvStats struct {
	packets int
	bytes   int
	lost    int
	lastSeq uint16
	started bool
}

func (s *recvStats) observe(pkt *rtp.Packet) {
	if s.started {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost += int(gap - 1)
		}
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
	s.packets++
	s.bytes += len(pkt.Payload)
}

func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

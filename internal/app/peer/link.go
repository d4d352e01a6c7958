package peer

import (
	"errors"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errStale           = errors.New("link closed while the step was in flight")
	errRemoteRestarted = errors.New("remote rebuilt its connection")
)

// Link is the negotiation and connectivity state machine for one remote
// participant. It is driven only from the session loop.
type Link struct {
	room  domain.RoomID
	local domain.ParticipantID
	peer  domain.ParticipantID
	role  Role
	epoch uint64

	state State
	ice   webrtc.ICEConnectionState

	conn core.MediaConnection
	out  core.SignalSender

	remoteSet bool
	// remoteSession is the SDP origin session of the remote connection.
	remoteSession uint64
	pending       []webrtc.ICECandidateInit
	// renegotiate is set when an outbound offer is requested mid-negotiation.
	renegotiate bool

	onState func(State)
	logger  zerolog.Logger
}

func newLink(room domain.RoomID, local, peer domain.ParticipantID, epoch uint64, conn core.MediaConnection, out core.SignalSender) *Link {
	role := RoleFor(local, peer)
	return &Link{
		room:  room,
		local: local,
		peer:  peer,
		role:  role,
		epoch: epoch,
		state: Idle,
		ice:   webrtc.ICEConnectionStateNew,
		conn:  conn,
		out:   out,
		logger: log.With().
			Str("module", "app.peer").
			Str("peer", string(peer)).
			Str("role", role.String()).
			Uint64("epoch", epoch).
			Logger(),
	}
}

func (l *Link) Peer() domain.ParticipantID          { return l.peer }
func (l *Link) Role() Role                          { return l.role }
func (l *Link) State() State                        { return l.state }
func (l *Link) ICEState() webrtc.ICEConnectionState { return l.ice }
func (l *Link) Epoch() uint64                       { return l.epoch }
func (l *Link) Closed() bool                        { return l.state == Closed }
func (l *Link) PendingCandidates() int              { return len(l.pending) }

// Conn is the transport handle. Shared tracks attached to it are never
// stopped through it.
func (l *Link) Conn() core.MediaConnection { return l.conn }

// OnStateChange observes negotiation transitions.
func (l *Link) OnStateChange(fn func(State)) { l.onState = fn }

func (l *Link) AddLocalTrack(track webrtc.TrackLocal) error {
	if l.Closed() {
		return core.PeerError(core.ErrStateConflict, "add track", l.peer, errStale)
	}
	return l.conn.AddLocalTrack(track)
}

func (l *Link) HasLocalTrack(id string) bool {
	return l.conn.HasLocalTrack(id)
}

// CreateOutbound generates and sends a local offer. While a negotiation
// round is in flight the request is deferred until the link is stable.
func (l *Link) CreateOutbound() error {
	switch {
	case l.Closed():
		return core.PeerError(core.ErrStateConflict, "create outbound", l.peer, errStale)
	case l.state.Negotiating():
		l.renegotiate = true
		l.logger.Debug().Str("state", l.state.String()).Msg("offer deferred until stable")
		return nil
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		return core.PeerError(core.ErrNegotiation, "create offer", l.peer, err)
	}
	if l.Closed() {
		return core.PeerError(core.ErrStateConflict, "create offer", l.peer, errStale)
	}
	l.setState(LocalOfferPending)
	if err := l.out.Send(domain.Offer(l.room, l.peer, offer.SDP)); err != nil {
		return core.PeerError(core.ErrTransport, "send offer", l.peer, err)
	}
	return nil
}

// ReceiveOffer applies a remote offer and answers it. On glare the polite
// side rolls back its own offer; the impolite side ignores the remote one.
func (l *Link) ReceiveOffer(raw string) error {
	if l.Closed() {
		return core.PeerError(core.ErrStateConflict, "receive offer", l.peer, errStale)
	}
	session := originSession(raw)
	if l.restarted(session) {
		return core.PeerError(core.ErrNegotiation, "receive offer", l.peer, errRemoteRestarted)
	}
	if l.state == LocalOfferPending {
		if l.role == Impolite {
			l.logger.Info().Msg("glare: keeping local offer, ignoring remote")
			return nil
		}
		l.logger.Info().Msg("glare: rolling back local offer")
		if err := l.conn.Rollback(); err != nil {
			return core.PeerError(core.ErrNegotiation, "rollback", l.peer, err)
		}
		if l.Closed() {
			return core.PeerError(core.ErrStateConflict, "rollback", l.peer, errStale)
		}
	}

	l.setState(RemoteOfferPending)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}
	if err := l.conn.SetRemoteDescription(offer); err != nil {
		return core.PeerError(core.ErrNegotiation, "set remote offer", l.peer, err)
	}
	if l.Closed() {
		return core.PeerError(core.ErrStateConflict, "set remote offer", l.peer, errStale)
	}
	l.remoteSet = true
	l.track(session)
	l.flushCandidates()

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return core.PeerError(core.ErrNegotiation, "create answer", l.peer, err)
	}
	if l.Closed() {
		return core.PeerError(core.ErrStateConflict, "create answer", l.peer, errStale)
	}
	// The answer is applied locally, so the round is over even if the send fails.
	l.setState(Stable)
	if err := l.out.Send(domain.Answer(l.room, l.peer, answer.SDP)); err != nil {
		return core.PeerError(core.ErrTransport, "send answer", l.peer, err)
	}
	return l.afterStable()
}

// ApplyAnswer completes a round we started. Answers outside
// LocalOfferPending are stale or duplicated.
func (l *Link) ApplyAnswer(raw string) error {
	if l.state != LocalOfferPending {
		return core.PeerError(core.ErrStateConflict, "apply answer", l.peer,
			errors.New("no local offer pending, state "+l.state.String()))
	}
	session := originSession(raw)
	if l.restarted(session) {
		return core.PeerError(core.ErrNegotiation, "apply answer", l.peer, errRemoteRestarted)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw}
	if err := l.conn.SetRemoteDescription(answer); err != nil {
		return core.PeerError(core.ErrNegotiation, "set remote answer", l.peer, err)
	}
	if l.Closed() {
		return core.PeerError(core.ErrStateConflict, "set remote answer", l.peer, errStale)
	}
	l.remoteSet = true
	l.track(session)
	l.flushCandidates()
	l.setState(Stable)
	return l.afterStable()
}

// AddCandidate applies c now if a remote description exists, otherwise
// buffers it in arrival order.
func (l *Link) AddCandidate(c domain.Candidate) error {
	if l.Closed() {
		return nil
	}
	ci := toInit(c)
	if !l.remoteSet {
		l.pending = append(l.pending, ci)
		l.logger.Debug().Int("pending", len(l.pending)).Msg("candidate buffered")
		return nil
	}
	if err := l.conn.AddICECandidate(ci); err != nil {
		return core.PeerError(core.ErrNegotiation, "add candidate", l.peer, err)
	}
	return nil
}

// SetICEState records connectivity and reports whether the link must close.
func (l *Link) SetICEState(s webrtc.ICEConnectionState) bool {
	if l.Closed() {
		return false
	}
	prev := l.ice
	l.ice = s
	l.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("ice state")
	return s == webrtc.ICEConnectionStateFailed
}

// Close releases the connection handle and drops buffered candidates.
// Closing twice is a no-op.
func (l *Link) Close() error {
	if l.Closed() {
		return nil
	}
	l.setState(Closed)
	l.pending = nil
	l.renegotiate = false
	if err := l.conn.Close(); err != nil {
		return core.PeerError(core.ErrNegotiation, "close", l.peer, err)
	}
	return nil
}

func (l *Link) flushCandidates() {
	if len(l.pending) == 0 {
		return
	}
	pending := l.pending
	l.pending = nil
	for i, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Int("index", i).Msg("buffered candidate rejected")
		}
	}
	l.logger.Debug().Int("count", len(pending)).Msg("flushed candidates")
}

// restarted reports whether session belongs to a different remote connection
// than the one already negotiated with.
func (l *Link) restarted(session uint64) bool {
	return session != 0 && l.remoteSession != 0 && session != l.remoteSession
}

func (l *Link) track(session uint64) {
	if session != 0 {
		l.remoteSession = session
	}
}

// originSession returns the o= session id of raw, or 0 when it does not parse.
func originSession(raw string) uint64 {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return 0
	}
	return desc.Origin.SessionID
}

func (l *Link) afterStable() error {
	if !l.renegotiate {
		return nil
	}
	l.renegotiate = false
	return l.CreateOutbound()
}

func (l *Link) setState(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("transition")
	l.state = s
	if l.onState != nil {
		l.onState(s)
	}
}

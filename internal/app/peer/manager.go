// Package peer owns the per-participant peer links of one session and routes
// signaling to them.
package peer

import (
	"errors"
	"slices"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// AttachFunc adds the current local tracks to a link and reports how many
// were newly attached.
type AttachFunc func(sink core.TrackSink) (int, error)

type Config struct {
	Room    domain.RoomID
	Local   domain.ParticipantID
	Factory core.MediaConnectionFactory
	Signal  core.SignalSender
	Attach  AttachFunc
	// Post runs fn on the session loop. Transport callbacks go through it.
	Post func(fn func())
	// MaxRecreate bounds link recreation after negotiation failures.
	MaxRecreate int
}

// Manager exclusively owns the link map. All methods run on the session loop.
type Manager struct {
	cfg   Config
	links map[domain.ParticipantID]*Link
	// presence is the net user-connected count per peer.
	presence  map[domain.ParticipantID]int
	recreated map[domain.ParticipantID]int
	epoch     uint64
	// seenSnapshot is set once the first existing-participants snapshot arrived.
	seenSnapshot bool

	onOpened     func(domain.ParticipantID)
	onClosed     func(domain.ParticipantID)
	onTrackReady func(domain.ParticipantID, webrtc.RTPCodecType)
	onLink       func(*Link)
}

func NewManager(cfg Config) *Manager {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	return &Manager{
		cfg:       cfg,
		links:     make(map[domain.ParticipantID]*Link),
		presence:  make(map[domain.ParticipantID]int),
		recreated: make(map[domain.ParticipantID]int),
	}
}

// OnLinkOpened fires after a new link is registered.
func (m *Manager) OnLinkOpened(fn func(domain.ParticipantID)) { m.onOpened = fn }

// OnLinkClosed fires after a link is closed and removed from the map.
func (m *Manager) OnLinkClosed(fn func(domain.ParticipantID)) { m.onClosed = fn }

func (m *Manager) OnTrackReady(fn func(domain.ParticipantID, webrtc.RTPCodecType)) {
	m.onTrackReady = fn
}

// OnLinkCreated exposes each new link before it negotiates.
func (m *Manager) OnLinkCreated(fn func(*Link)) { m.onLink = fn }

func (m *Manager) Link(peer domain.ParticipantID) (*Link, bool) {
	l, ok := m.links[peer]
	return l, ok
}

func (m *Manager) Len() int { return len(m.links) }

// Peers returns linked ids in sorted order.
func (m *Manager) Peers() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Connect returns the connection handle for peer, creating the link if
// needed. A second call never creates a competing connection.
func (m *Manager) Connect(peer domain.ParticipantID) (core.MediaConnection, error) {
	l, _, err := m.ensure(peer)
	if err != nil {
		return nil, err
	}
	return l.Conn(), nil
}

func (m *Manager) OnUserConnected(peer domain.ParticipantID) error {
	if peer == m.cfg.Local {
		return nil
	}
	m.presence[peer]++
	if m.presence[peer] <= 0 {
		log.Debug().Str("module", "app.peer").Str("peer", string(peer)).Msg("connect cancels an earlier disconnect")
		return nil
	}
	return m.dial(peer)
}

// OnExistingParticipants is the snapshot sent after our own join. A later
// snapshot follows a signaling reconnect and replaces what we knew: peers
// missing from it left while we were away.
func (m *Manager) OnExistingParticipants(peers []domain.ParticipantID) error {
	var errs []error
	if m.seenSnapshot {
		errs = append(errs, m.prune(peers))
	}
	m.seenSnapshot = true
	for _, peer := range peers {
		if peer == m.cfg.Local {
			continue
		}
		if m.presence[peer] < 1 {
			m.presence[peer] = 1
		}
		if l, ok := m.links[peer]; ok && !l.Closed() {
			continue
		}
		if err := m.dial(peer); err != nil && !core.Benign(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) prune(present []domain.ParticipantID) error {
	for id := range m.presence {
		if slices.Contains(present, id) {
			m.presence[id] = 1
			continue
		}
		delete(m.presence, id)
		delete(m.recreated, id)
	}
	var errs []error
	for _, id := range m.Peers() {
		if slices.Contains(present, id) {
			continue
		}
		log.Info().Str("module", "app.peer").Str("peer", id.String()).Msg("peer left while disconnected")
		if err := m.closeLink(m.links[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) OnUserDisconnected(peer domain.ParticipantID) error {
	m.presence[peer]--
	if m.presence[peer] > 0 {
		return nil
	}
	l, ok := m.links[peer]
	if !ok {
		return nil
	}
	return m.closeLink(l)
}

// OnSignaling routes offer, answer and ice-candidate by sender id.
func (m *Manager) OnSignaling(msg domain.Message) error {
	peer := msg.SenderID
	if peer == "" || peer == m.cfg.Local {
		return core.Conflict("route "+string(msg.Type), "missing or self sender %q", peer)
	}

	switch msg.Type {
	case domain.KindOffer:
		if n, seen := m.presence[peer]; seen && n <= 0 {
			return core.PeerError(core.ErrStateConflict, "route offer", peer, errors.New("offer from departed peer"))
		}
		if _, seen := m.presence[peer]; !seen {
			m.presence[peer] = 1
		}
		l, _, err := m.ensure(peer)
		if err != nil {
			return err
		}
		err = l.ReceiveOffer(msg.SDP)
		if errors.Is(err, errRemoteRestarted) {
			log.Info().Str("module", "app.peer").Str("peer", peer.String()).Msg("remote restarted, replacing link")
			if cerr := m.closeLink(l); cerr != nil {
				log.Warn().Err(cerr).Str("module", "app.peer").Str("peer", peer.String()).Msg("close replaced link")
			}
			if l, _, err = m.ensure(peer); err != nil {
				return err
			}
			err = l.ReceiveOffer(msg.SDP)
		}
		return m.drive(l, err)
	case domain.KindAnswer:
		l, ok := m.open(peer)
		if !ok {
			return core.PeerError(core.ErrStateConflict, "route answer", peer, errors.New("no open link"))
		}
		return m.drive(l, l.ApplyAnswer(msg.SDP))
	case domain.KindICECandidate:
		if msg.Candidate == nil {
			return nil
		}
		l, ok := m.open(peer)
		if !ok {
			log.Debug().Str("module", "app.peer").Str("peer", string(peer)).Msg("candidate for unknown peer dropped")
			return nil
		}
		return l.AddCandidate(*msg.Candidate)
	default:
		return core.Conflict("route", "unexpected kind %s", msg.Type)
	}
}

// SyncTracks attaches newly enabled local tracks and renegotiates the links
// that gained one.
func (m *Manager) SyncTracks() error {
	if m.cfg.Attach == nil {
		return nil
	}
	var errs []error
	for _, id := range m.Peers() {
		l := m.links[id]
		added, err := m.cfg.Attach(l)
		if err != nil {
			errs = append(errs, core.PeerError(core.ErrMedia, "attach", id, err))
		}
		if added == 0 {
			continue
		}
		if err := m.drive(l, l.CreateOutbound()); err != nil && !core.Benign(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every link. Used on session end.
func (m *Manager) CloseAll() error {
	var errs []error
	for _, id := range m.Peers() {
		if err := m.closeLink(m.links[id]); err != nil {
			errs = append(errs, err)
		}
	}
	clear(m.presence)
	clear(m.recreated)
	m.seenSnapshot = false
	return errors.Join(errs...)
}

func (m *Manager) dial(peer domain.ParticipantID) error {
	l, created, err := m.ensure(peer)
	if err != nil {
		return err
	}
	if !created {
		return core.PeerError(core.ErrStateConflict, "connect", peer, errors.New("link already exists"))
	}
	return m.drive(l, l.CreateOutbound())
}

func (m *Manager) open(peer domain.ParticipantID) (*Link, bool) {
	l, ok := m.links[peer]
	if !ok || l.Closed() {
		return nil, false
	}
	return l, true
}

func (m *Manager) ensure(peer domain.ParticipantID) (*Link, bool, error) {
	if l, ok := m.open(peer); ok {
		return l, false, nil
	}
	conn, err := m.cfg.Factory.New(peer)
	if err != nil {
		return nil, false, core.PeerError(core.ErrNegotiation, "new connection", peer, err)
	}
	m.epoch++
	l := newLink(m.cfg.Room, m.cfg.Local, peer, m.epoch, conn, m.cfg.Signal)
	m.bind(l)
	m.links[peer] = l
	if m.onLink != nil {
		m.onLink(l)
	}
	if m.cfg.Attach != nil {
		if n, err := m.cfg.Attach(l); err != nil {
			log.Warn().Err(err).Str("module", "app.peer").Str("peer", string(peer)).Msg("attach local tracks")
		} else {
			log.Debug().Str("module", "app.peer").Str("peer", string(peer)).Int("tracks", n).Msg("attached local tracks")
		}
	}
	log.Info().Str("module", "app.peer").Str("peer", string(peer)).Str("role", l.Role().String()).Msg("link created")
	if m.onOpened != nil {
		m.onOpened(peer)
	}
	return l, true, nil
}

// bind routes transport callbacks onto the loop. Results for a link that has
// since closed or been replaced are discarded.
func (m *Manager) bind(l *Link) {
	conn := l.Conn()
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.cfg.Post(func() {
			if !m.current(l) {
				return
			}
			if err := m.cfg.Signal.Send(domain.ICECandidate(m.cfg.Room, l.Peer(), fromInit(c))); err != nil {
				log.Warn().Err(err).Str("module", "app.peer").Str("peer", string(l.Peer())).Msg("send candidate")
			}
		})
	})
	conn.OnICEStateChange(func(s webrtc.ICEConnectionState) {
		m.cfg.Post(func() {
			if !m.current(l) {
				return
			}
			if s == webrtc.ICEConnectionStateConnected {
				delete(m.recreated, l.Peer())
			}
			if l.SetICEState(s) {
				log.Warn().Str("module", "app.peer").Str("peer", string(l.Peer())).Msg("ice failed, closing link")
				if err := m.closeLink(l); err != nil {
					log.Warn().Err(err).Str("module", "app.peer").Msg("close after ice failure")
				}
			}
		})
	})
	conn.OnTrackReady(func(kind webrtc.RTPCodecType) {
		m.cfg.Post(func() {
			if !m.current(l) || m.onTrackReady == nil {
				return
			}
			m.onTrackReady(l.Peer(), kind)
		})
	})
}

func (m *Manager) current(l *Link) bool {
	cur, ok := m.links[l.Peer()]
	return ok && cur == l && !l.Closed()
}

// drive isolates per-link failures. A negotiation error closes the link and
// recreates it a bounded number of times.
func (m *Manager) drive(l *Link, err error) error {
	if err == nil || !errors.Is(err, core.ErrNegotiation) {
		return err
	}
	peer := l.Peer()
	log.Warn().Err(err).Str("module", "app.peer").Str("peer", peer.String()).Msg("negotiation failed")
	if cerr := m.closeLink(l); cerr != nil {
		log.Warn().Err(cerr).Str("module", "app.peer").Str("peer", peer.String()).Msg("close failed link")
	}
	if m.recreated[peer] >= m.cfg.MaxRecreate || m.presence[peer] <= 0 {
		return err
	}
	m.recreated[peer]++
	nl, _, nerr := m.ensure(peer)
	if nerr != nil {
		return errors.Join(err, nerr)
	}
	log.Info().Str("module", "app.peer").Str("peer", peer.String()).Int("attempt", m.recreated[peer]).Msg("link recreated")
	return errors.Join(err, m.drive(nl, nl.CreateOutbound()))
}

// closeLink closes before removing so observers never see a closed link.
func (m *Manager) closeLink(l *Link) error {
	err := l.Close()
	peer := l.Peer()
	if cur, ok := m.links[peer]; ok && cur == l {
		delete(m.links, peer)
		log.Info().Str("module", "app.peer").Str("peer", peer.String()).Msg("link closed")
		if m.onClosed != nil {
			m.onClosed(peer)
		}
	}
	return err
}

package peer

import (
	"errors"
	"fmt"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

type fakeConn struct {
	peer    domain.ParticipantID
	offers  int
	answers int

	remote     []webrtc.SessionDescription
	candidates []string
	tracks     map[string]webrtc.TrackLocal
	rollbacks  int
	closes     int

	failSetRemote error
	beforeAnswer  func()

	onICE      func(webrtc.ICECandidateInit)
	onICEState func(webrtc.ICEConnectionState)
	onTrack    func(webrtc.RTPCodecType)
}

func newFakeConn(peer domain.ParticipantID) *fakeConn {
	return &fakeConn{peer: peer, tracks: make(map[string]webrtc.TrackLocal)}
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-to-%s-%d", f.peer, f.offers)}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	if f.beforeAnswer != nil {
		f.beforeAnswer()
	}
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-to-%s-%d", f.peer, f.answers)}, nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if f.failSetRemote != nil {
		return f.failSetRemote
	}
	f.remote = append(f.remote, desc)
	return nil
}

func (f *fakeConn) Rollback() error {
	f.rollbacks++
	return nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	if len(f.remote) == 0 {
		return errors.New("no remote description")
	}
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeConn) AddLocalTrack(track webrtc.TrackLocal) error {
	f.tracks[track.ID()] = track
	return nil
}

func (f *fakeConn) HasLocalTrack(id string) bool {
	_, ok := f.tracks[id]
	return ok
}

func (f *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit))     { f.onICE = fn }
func (f *fakeConn) OnICEStateChange(fn func(webrtc.ICEConnectionState)) { f.onICEState = fn }
func (f *fakeConn) OnTrackReady(fn func(webrtc.RTPCodecType))           { f.onTrack = fn }

func (f *fakeConn) Close() error {
	f.closes++
	return nil
}

type fakeFactory struct {
	conns   map[domain.ParticipantID][]*fakeConn
	prepare func(*fakeConn)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.ParticipantID][]*fakeConn)}
}

func (f *fakeFactory) New(peer domain.ParticipantID) (core.MediaConnection, error) {
	c := newFakeConn(peer)
	if f.prepare != nil {
		f.prepare(c)
	}
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

func (f *fakeFactory) last(peer domain.ParticipantID) *fakeConn {
	cs := f.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type outbox struct {
	sent []domain.Message
}

func (o *outbox) Send(msg domain.Message) error {
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) ofType(kind domain.MessageKind) []domain.Message {
	var out []domain.Message
	for _, m := range o.sent {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (o *outbox) drain() []domain.Message {
	out := o.sent
	o.sent = nil
	return out
}

func newTestManager(local domain.ParticipantID) (*Manager, *fakeFactory, *outbox) {
	f := newFakeFactory()
	out := &outbox{}
	m := NewManager(Config{
		Room:        "R1",
		Local:       local,
		Factory:     f,
		Signal:      out,
		MaxRecreate: 1,
	})
	return m, f, out
}

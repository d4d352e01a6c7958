package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

// journal records side effects across fakes in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	for i, e := range j.list() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.list() {
		if e == entry {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	j        *journal
	id       domain.ParticipantID
	mu       sync.Mutex
	handlers map[domain.MessageKind]func(domain.Message)
	sent     []domain.Message
	done     chan struct{}
	once     sync.Once
	err      error
}

func newFakeChannel(j *journal, id domain.ParticipantID) *fakeChannel {
	return &fakeChannel{
		j:        j,
		id:       id,
		handlers: make(map[domain.MessageKind]func(domain.Message)),
		done:     make(chan struct{}),
	}
}

func (f *fakeChannel) Send(msg domain.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.j.add("send:%s", msg.Type)
	return nil
}

func (f *fakeChannel) LocalID() domain.ParticipantID { return f.id }

func (f *fakeChannel) Subscribe(kind domain.MessageKind, h func(domain.Message)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[kind]; ok {
		return nil, core.Conflict("subscribe", "duplicate %s", kind)
	}
	f.handlers[kind] = h
	return func() {
		f.mu.Lock()
		delete(f.handlers, kind)
		f.mu.Unlock()
	}, nil
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) Disconnect() error {
	f.j.add("disconnect")
	f.once.Do(func() { close(f.done) })
	return nil
}

// fail simulates reconnect exhaustion.
func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeChannel) inject(msg domain.Message) {
	f.mu.Lock()
	h := f.handlers[msg.Type]
	f.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (f *fakeChannel) sentOf(kind domain.MessageKind) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.sent {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChannel) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type fakeDialer struct{ ch *fakeChannel }

func (d fakeDialer) Connect(context.Context, string, string) (core.SignalChannel, error) {
	d.ch.j.add("connect")
	return d.ch, nil
}

type localTrack struct {
	track   webrtc.TrackLocal
	kind    webrtc.RTPCodecType
	mu      sync.Mutex
	enabled bool
}

func (t *localTrack) Track() webrtc.TrackLocal  { return t.track }
func (t *localTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *localTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

type fakeCapture struct {
	j      *journal
	tracks []core.LocalTrack
	err    error
}

func (p *fakeCapture) Acquire(context.Context) ([]core.LocalTrack, error) {
	p.j.add("acquire")
	return p.tracks, p.err
}

func (p *fakeCapture) Release() error {
	p.j.add("release")
	return nil
}

func (p *fakeCapture) Level() float64 { return 0 }

func (p *fakeCapture) Tap(fn func([]byte)) func() {
	fn([]byte("chunk"))
	return func() {}
}

type fakeConn struct {
	j      *journal
	peer   domain.ParticipantID
	tracks map[string]bool
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeConn) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (f *fakeConn) Rollback() error                                      { return nil }
func (f *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }

func (f *fakeConn) AddLocalTrack(t webrtc.TrackLocal) error {
	f.tracks[t.ID()] = true
	return nil
}

func (f *fakeConn) HasLocalTrack(id string) bool                     { return f.tracks[id] }
func (f *fakeConn) OnICECandidate(func(webrtc.ICECandidateInit))     {}
func (f *fakeConn) OnICEStateChange(func(webrtc.ICEConnectionState)) {}
func (f *fakeConn) OnTrackReady(func(webrtc.RTPCodecType))           {}

func (f *fakeConn) Close() error {
	f.j.add("close:%s", f.peer)
	return nil
}

type fakeFactory struct {
	j     *journal
	mu    sync.Mutex
	conns map[domain.ParticipantID]*fakeConn
}

func (f *fakeFactory) New(peer domain.ParticipantID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{j: f.j, peer: peer, tracks: make(map[string]bool)}
	f.conns[peer] = c
	return c, nil
}

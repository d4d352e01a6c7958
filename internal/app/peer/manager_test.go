package peer

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/dkeye/podcast/internal/app/roster"
	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

type side struct {
	id  domain.ParticipantID
	m   *Manager
	f   *fakeFactory
	out *outbox
}

func newSide(id domain.ParticipantID) *side {
	m, f, out := newTestManager(id)
	return &side{id: id, m: m, f: f, out: out}
}

// pump relays queued messages between a and b until both are quiet.
func pump(t *testing.T, a, b *side) {
	t.Helper()
	for range 20 {
		fromA, fromB := a.out.drain(), b.out.drain()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		deliver(t, fromA, a.id, b)
		deliver(t, fromB, b.id, a)
	}
	t.Fatal("signaling did not quiesce")
}

func deliver(t *testing.T, msgs []domain.Message, from domain.ParticipantID, to *side) {
	t.Helper()
	for _, msg := range msgs {
		msg.SenderID = from
		msg.TargetID = ""
		if err := to.m.OnSignaling(msg); err != nil && !core.Benign(err) {
			t.Fatalf("%s handling %s from %s: %v", to.id, msg.Type, from, err)
		}
	}
}

func TestScenarioJoinOfferAnswer(t *testing.T) {
	a, b := newSide("A"), newSide("B")

	if err := a.m.OnExistingParticipants(nil); err != nil {
		t.Fatalf("existing: %v", err)
	}
	if a.m.Len() != 0 {
		t.Fatal("no links expected for empty room")
	}

	var bStates []State
	b.m.OnLinkCreated(func(l *Link) { l.OnStateChange(func(s State) { bStates = append(bStates, s) }) })

	if err := a.m.OnUserConnected("B"); err != nil {
		t.Fatalf("user connected: %v", err)
	}
	la, _ := a.m.Link("B")
	if la.State() != LocalOfferPending {
		t.Fatalf("A state %s", la.State())
	}
	offers := a.out.ofType(domain.KindOffer)
	if len(offers) != 1 || offers[0].TargetID != "B" {
		t.Fatalf("A offers: %+v", offers)
	}

	pump(t, a, b)

	lb, ok := b.m.Link("A")
	if !ok {
		t.Fatal("B has no link to A")
	}
	want := []State{RemoteOfferPending, Stable}
	if !slices.Equal(bStates, want) {
		t.Errorf("B transitions %v, want %v", bStates, want)
	}
	if la.State() != Stable || lb.State() != Stable {
		t.Errorf("not stable: A=%s B=%s", la.State(), lb.State())
	}
}

func TestGlareConvergesWithOneOffer(t *testing.T) {
	a, b := newSide("A"), newSide("B")

	if err := a.m.OnUserConnected("B"); err != nil {
		t.Fatal(err)
	}
	if err := b.m.OnExistingParticipants([]domain.ParticipantID{"A"}); err != nil {
		t.Fatal(err)
	}

	pump(t, a, b)

	la, _ := a.m.Link("B")
	lb, _ := b.m.Link("A")
	if la.State() != Stable || lb.State() != Stable {
		t.Fatalf("not stable: A=%s B=%s", la.State(), lb.State())
	}
	// A is impolite, so its offer survives and B answers it.
	if got := len(b.f.last("A").remote); got != 1 || b.f.last("A").remote[0].Type != webrtc.SDPTypeOffer {
		t.Errorf("B applied %v", b.f.last("A").remote)
	}
	if got := len(a.f.last("B").remote); got != 1 || a.f.last("B").remote[0].Type != webrtc.SDPTypeAnswer {
		t.Errorf("A applied %v", a.f.last("B").remote)
	}
	if b.f.last("A").rollbacks != 1 || a.f.last("B").rollbacks != 0 {
		t.Errorf("rollbacks A=%d B=%d", a.f.last("B").rollbacks, b.f.last("A").rollbacks)
	}
	if len(a.f.conns["B"]) != 1 || len(b.f.conns["A"]) != 1 {
		t.Error("glare created competing connections")
	}
}

func TestConnectReturnsExistingHandle(t *testing.T) {
	m, f, _ := newTestManager("A")
	c1, err := m.Connect("B")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Connect("B")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 || len(f.conns["B"]) != 1 {
		t.Error("second connect created another connection")
	}
}

func TestDuplicateUserConnectedIsBenign(t *testing.T) {
	m, _, out := newTestManager("A")
	if err := m.OnUserConnected("B"); err != nil {
		t.Fatal(err)
	}
	err := m.OnUserConnected("B")
	if !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("got %v", err)
	}
	if n := len(out.ofType(domain.KindOffer)); n != 1 {
		t.Errorf("duplicate join produced %d offers", n)
	}
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	m, _, _ := newTestManager("A")
	closed := 0
	m.OnLinkClosed(func(domain.ParticipantID) { closed++ })

	if err := m.OnUserDisconnected("Z"); err != nil {
		t.Fatalf("got %v", err)
	}
	if closed != 0 || m.Len() != 0 {
		t.Error("disconnect of unknown peer changed state")
	}
}

func TestNegotiationFailureRecreatesOnlyThatLink(t *testing.T) {
	m, f, out := newTestManager("A")
	_ = m.OnUserConnected("C")
	f.prepare = func(c *fakeConn) {
		if c.peer == "B" && len(f.conns["B"]) == 0 {
			c.failSetRemote = errors.New("bad sdp")
		}
	}
	_ = m.OnUserConnected("B")
	out.drain()

	err := m.OnSignaling(domain.Message{Type: domain.KindAnswer, SenderID: "B", SDP: "x"})
	if !errors.Is(err, core.ErrNegotiation) {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if len(f.conns["B"]) != 2 || f.conns["B"][0].closes != 1 {
		t.Fatalf("expected B recreated once, conns=%d", len(f.conns["B"]))
	}
	lb, _ := m.Link("B")
	if lb.State() != LocalOfferPending {
		t.Errorf("recreated link state %s", lb.State())
	}
	if offers := out.ofType(domain.KindOffer); len(offers) != 1 || offers[0].TargetID != "B" {
		t.Errorf("expected a fresh offer to B, got %+v", offers)
	}
	lc, _ := m.Link("C")
	if lc.Closed() || f.last("C").closes != 0 {
		t.Error("failure leaked into C")
	}
}

func TestTransportCallbacksAfterCloseAreDropped(t *testing.T) {
	m, f, out := newTestManager("A")
	_ = m.OnUserConnected("B")
	conn := f.last("B")
	out.drain()

	ready := 0
	m.OnTrackReady(func(domain.ParticipantID, webrtc.RTPCodecType) { ready++ })

	conn.onICE(webrtc.ICECandidateInit{Candidate: "live"})
	if n := len(out.ofType(domain.KindICECandidate)); n != 1 {
		t.Fatalf("expected candidate relayed, got %d", n)
	}

	_ = m.OnUserDisconnected("B")
	conn.onICE(webrtc.ICECandidateInit{Candidate: "stale"})
	conn.onTrack(webrtc.RTPCodecTypeAudio)
	conn.onICEState(webrtc.ICEConnectionStateFailed)

	if n := len(out.ofType(domain.KindICECandidate)); n != 1 {
		t.Errorf("stale candidate relayed")
	}
	if ready != 0 {
		t.Errorf("stale track-ready delivered")
	}
}

func TestICEFailureClosesLink(t *testing.T) {
	m, f, _ := newTestManager("A")
	var closed []domain.ParticipantID
	m.OnLinkClosed(func(p domain.ParticipantID) { closed = append(closed, p) })
	_ = m.OnUserConnected("B")

	f.last("B").onICEState(webrtc.ICEConnectionStateFailed)

	if _, ok := m.Link("B"); ok {
		t.Error("link survived ice failure")
	}
	if !slices.Equal(closed, []domain.ParticipantID{"B"}) {
		t.Errorf("closed %v", closed)
	}
}

// Roster must equal the ids with a positive net connect count and an open link.
func TestRosterConvergesUnderRandomMembership(t *testing.T) {
	peers := []domain.ParticipantID{"B", "C", "D", "E"}
	rng := rand.New(rand.NewSource(7))

	for round := range 50 {
		m, _, _ := newTestManager("A")
		r := roster.New()
		m.OnLinkOpened(func(p domain.ParticipantID) { r.Upsert(domain.NewRemoteParticipant(p)) })
		m.OnLinkClosed(func(p domain.ParticipantID) { r.Remove(p) })

		net := make(map[domain.ParticipantID]int)
		for range 30 {
			p := peers[rng.Intn(len(peers))]
			if rng.Intn(2) == 0 {
				net[p]++
				if err := m.OnUserConnected(p); err != nil && !core.Benign(err) {
					t.Fatalf("round %d connect %s: %v", round, p, err)
				}
			} else {
				net[p]--
				if err := m.OnUserDisconnected(p); err != nil {
					t.Fatalf("round %d disconnect %s: %v", round, p, err)
				}
			}
		}

		var want []domain.ParticipantID
		for _, p := range peers {
			if l, ok := m.Link(p); net[p] > 0 && ok && !l.Closed() {
				want = append(want, p)
			}
		}
		var got []domain.ParticipantID
		for _, p := range r.Snapshot() {
			got = append(got, p.ID)
		}
		slices.Sort(got)
		if !slices.Equal(got, want) {
			t.Fatalf("round %d: roster %v, want %v (net %v)", round, got, want, net)
		}
		for _, p := range peers {
			if _, ok := m.Link(p); ok != (net[p] > 0) {
				t.Fatalf("round %d: peer %s link=%v net=%d", round, p, ok, net[p])
			}
		}
	}
}

func TestCloseAllClosesEveryLink(t *testing.T) {
	m, f, _ := newTestManager("A")
	for _, p := range []domain.ParticipantID{"B", "C", "D"} {
		_ = m.OnUserConnected(p)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Errorf("%d links left", m.Len())
	}
	for p, cs := range f.conns {
		if cs[0].closes != 1 {
			t.Errorf("%s closed %d times", p, cs[0].closes)
		}
	}
	if err := m.CloseAll(); err != nil {
		t.Errorf("second close all: %v", err)
	}
}

func TestRejoinSnapshotClosesDepartedPeers(t *testing.T) {
	m, f, _ := newTestManager("A")
	var closed []domain.ParticipantID
	m.OnLinkClosed(func(p domain.ParticipantID) { closed = append(closed, p) })

	if err := m.OnExistingParticipants([]domain.ParticipantID{"B", "C"}); err != nil {
		t.Fatal(err)
	}
	if err := m.OnExistingParticipants([]domain.ParticipantID{"B"}); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if got := m.Peers(); !slices.Equal(got, []domain.ParticipantID{"B"}) {
		t.Fatalf("peers after rejoin %v", got)
	}
	if !slices.Equal(closed, []domain.ParticipantID{"C"}) || f.last("C").closes != 1 {
		t.Errorf("closed %v", closed)
	}
	if len(f.conns["B"]) != 1 {
		t.Error("link to a present peer was rebuilt")
	}

	// C's count was reset, so a later connect/disconnect pair ends the link.
	if err := m.OnUserConnected("C"); err != nil {
		t.Fatal(err)
	}
	if err := m.OnUserDisconnected("C"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Link("C"); ok {
		t.Error("link to C survived a connect/disconnect pair")
	}
}

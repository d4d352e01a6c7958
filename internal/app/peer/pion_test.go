package peer

import (
	"strings"
	"testing"

	"github.com/dkeye/podcast/internal/adapters/rtc"
	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

// pionSide runs a Manager over real pion connections. Transport callbacks are
// discarded so only the offer/answer exchange is exercised.
type pionSide struct {
	id  domain.ParticipantID
	m   *Manager
	out *outbox
	log []domain.Message
}

func newPionSide(t *testing.T, f *rtc.Factory, id domain.ParticipantID) *pionSide {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio-"+string(id), "stream-"+string(id))
	if err != nil {
		t.Fatal(err)
	}
	out := &outbox{}
	m := NewManager(Config{
		Room:    "R1",
		Local:   id,
		Factory: f,
		Signal:  out,
		Attach: func(sink core.TrackSink) (int, error) {
			if sink.HasLocalTrack(track.ID()) {
				return 0, nil
			}
			return 1, sink.AddLocalTrack(track)
		},
		Post:        func(func()) {},
		MaxRecreate: 1,
	})
	t.Cleanup(func() { _ = m.CloseAll() })
	return &pionSide{id: id, m: m, out: out}
}

func pumpPion(t *testing.T, a, b *pionSide) {
	t.Helper()
	for range 20 {
		fromA, fromB := a.out.drain(), b.out.drain()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		a.log = append(a.log, fromA...)
		b.log = append(b.log, fromB...)
		deliver(t, fromA, a.id, &side{id: b.id, m: b.m})
		deliver(t, fromB, b.id, &side{id: a.id, m: a.m})
	}
	t.Fatal("signaling did not quiesce")
}

func (s *pionSide) sent(kind domain.MessageKind) []domain.Message {
	var out []domain.Message
	for _, m := range s.log {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func newPionFactory(t *testing.T) *rtc.Factory {
	t.Helper()
	f, err := rtc.NewFactory(nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestGlareConvergesOverPion(t *testing.T) {
	f := newPionFactory(t)
	a, b := newPionSide(t, f, "A"), newPionSide(t, f, "B")

	// A learns of B from user-connected while B dials from the snapshot.
	if err := a.m.OnUserConnected("B"); err != nil {
		t.Fatal(err)
	}
	if err := b.m.OnExistingParticipants([]domain.ParticipantID{"A"}); err != nil {
		t.Fatal(err)
	}
	pumpPion(t, a, b)

	la, _ := a.m.Link("B")
	lb, _ := b.m.Link("A")
	if la == nil || lb == nil {
		t.Fatal("missing link")
	}
	if la.State() != Stable || lb.State() != Stable {
		t.Fatalf("glare did not converge: A=%s B=%s", la.State(), lb.State())
	}
	if la.Epoch() != 1 || lb.Epoch() != 1 {
		t.Errorf("links were recreated: A epoch %d, B epoch %d", la.Epoch(), lb.Epoch())
	}
	answers := b.sent(domain.KindAnswer)
	if len(answers) != 1 || len(a.sent(domain.KindAnswer)) != 0 {
		t.Fatalf("answers A=%d B=%d", len(a.sent(domain.KindAnswer)), len(answers))
	}
	if !strings.Contains(answers[0].SDP, "audio-B") {
		t.Error("polite answer lost its local track after rollback")
	}
}

func TestRemoteRestartReplacesLinkOverPion(t *testing.T) {
	f := newPionFactory(t)
	a, b := newPionSide(t, f, "A"), newPionSide(t, f, "B")

	if err := a.m.OnUserConnected("B"); err != nil {
		t.Fatal(err)
	}
	pumpPion(t, a, b)
	first, _ := a.m.Link("B")
	if first.State() != Stable {
		t.Fatalf("initial negotiation: %s", first.State())
	}

	// B drops its link and dials again with a new peer connection.
	if err := b.m.OnUserDisconnected("A"); err != nil {
		t.Fatal(err)
	}
	if err := b.m.OnUserConnected("A"); err != nil {
		t.Fatal(err)
	}
	pumpPion(t, a, b)

	la, _ := a.m.Link("B")
	lb, _ := b.m.Link("A")
	if la == first || !first.Closed() {
		t.Fatal("A kept the link to B's old connection")
	}
	if la.State() != Stable || lb.State() != Stable {
		t.Fatalf("not stable after restart: A=%s B=%s", la.State(), lb.State())
	}
}

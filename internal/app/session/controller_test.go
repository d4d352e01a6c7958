package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/dkeye/podcast/internal/app/media"
	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/core/mocks"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

type harness struct {
	c   *Controller
	ch  *fakeChannel
	j   *journal
	api *mocks.MockSessionAPI
	up  *mocks.MockUploader
	f   *fakeFactory
}

func newHarness(t *testing.T, local, host domain.ParticipantID, captureErr error) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	j := &journal{}
	h := &harness{
		ch:  newFakeChannel(j, local),
		j:   j,
		api: mocks.NewMockSessionAPI(ctrl),
		up:  mocks.NewMockUploader(ctrl),
		f:   &fakeFactory{j: j, conns: make(map[domain.ParticipantID]*fakeConn)},
	}
	h.api.EXPECT().Join(gomock.Any(), domain.InviteKey("INV")).
		Return(domain.Room{ID: "R1", HostID: host, Status: domain.RoomActive}, nil)

	capture := &fakeCapture{j: j, err: captureErr}
	if captureErr == nil {
		tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
		if err != nil {
			t.Fatal(err)
		}
		capture.tracks = []core.LocalTrack{&localTrack{track: tr, kind: webrtc.RTPCodecTypeAudio, enabled: true}}
	}

	h.c = New(Config{
		SignalURL:        "ws://relay.test/api/ws/signal",
		DisplayName:      "me",
		SpeakerInterval:  time.Hour,
		SpeakerThreshold: 0.5,
		MaxLinkRecreate:  1,
		TeardownTimeout:  time.Second,
	}, Deps{
		API:         h.api,
		Dialer:      fakeDialer{ch: h.ch},
		Capture:     capture,
		Connections: h.f,
		Uploader:    h.up,
	})
	if err := h.c.Join(context.Background(), "INV"); err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(func() { _ = h.c.Leave(context.Background()) })
	return h
}

// sync waits until everything queued so far has run on the loop.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.c.call(ctx, func() error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func rosterIDs(c *Controller) []domain.ParticipantID {
	var out []domain.ParticipantID
	for _, p := range c.Roster() {
		out = append(out, p.ID)
	}
	return out
}

func TestJoinOrder(t *testing.T) {
	h := newHarness(t, "A", "A", nil)

	connect, acquire, join := h.j.index("connect"), h.j.index("acquire"), h.j.index("send:join-room")
	if connect < 0 || !(connect < acquire && acquire < join) {
		t.Fatalf("join sequence %v", h.j.list())
	}
	if got := h.ch.sentOf(domain.KindJoin); len(got) != 1 || got[0].RoomID != "R1" {
		t.Errorf("join message %+v", got)
	}
	if got := rosterIDs(h.c); !slices.Equal(got, []domain.ParticipantID{"A"}) {
		t.Errorf("roster %v", got)
	}
	if me := h.c.Roster()[0]; !me.IsLocal || !me.Media.AudioEnabled || me.DisplayName != "me" {
		t.Errorf("local participant %+v", me)
	}
	if n := h.ch.subscriptions(); n != len(inbound) {
		t.Errorf("expected one subscription per kind, got %d", n)
	}
}

func TestTeardownOrdering(t *testing.T) {
	h := newHarness(t, "H", "H", nil)
	h.up.EXPECT().Upload(gomock.Any(), gomock.Any()).Return("ref", nil)

	h.ch.inject(domain.Message{Type: domain.KindExistingParticipants, Participants: []domain.ParticipantID{"B", "C", "D"}})
	h.sync(t)
	if got := rosterIDs(h.c); len(got) != 4 {
		t.Fatalf("roster %v", got)
	}
	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}

	if err := h.c.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	h.waitDone(t)

	stop := h.j.index("send:stop-recording")
	release := h.j.index("release")
	disconnect := h.j.index("disconnect")
	if stop < 0 || release < 0 || disconnect < 0 {
		t.Fatalf("missing steps: %v", h.j.list())
	}
	for _, p := range []string{"B", "C", "D"} {
		closed := h.j.index("close:" + p)
		if closed < stop {
			t.Errorf("link %s closed before recording stopped", p)
		}
		if closed > release || closed > disconnect {
			t.Errorf("link %s closed after media release or disconnect", p)
		}
	}
	if release > disconnect {
		t.Error("media released after disconnect")
	}
	if n := h.j.count("release"); n != 1 {
		t.Errorf("tracks released %d times", n)
	}
	if len(h.c.Roster()) != 0 {
		t.Errorf("roster not cleared: %v", rosterIDs(h.c))
	}
	if h.ch.subscriptions() != 0 {
		t.Error("subscriptions left after teardown")
	}

	if err := h.c.Leave(context.Background()); err != nil {
		t.Errorf("second leave: %v", err)
	}
	if n := h.j.count("release"); n != 1 {
		t.Errorf("second leave released again")
	}
}

func TestTransportLossTearsDown(t *testing.T) {
	h := newHarness(t, "A", "H", nil)
	h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: "B"})
	h.sync(t)

	h.ch.fail(core.Wrap(core.ErrTransport, "reconnect", errors.New("attempts exhausted")))
	h.waitDone(t)

	if !errors.Is(h.c.Err(), core.ErrTransport) {
		t.Errorf("reason %v", h.c.Err())
	}
	if h.j.index("close:B") < 0 {
		t.Error("link not closed after channel loss")
	}
}

func TestSessionEndedRemotely(t *testing.T) {
	h := newHarness(t, "A", "H", nil)
	h.ch.inject(domain.Message{Type: domain.KindSessionEnded})
	h.waitDone(t)

	if h.c.Err() != nil {
		t.Errorf("reason %v", h.c.Err())
	}
	if h.c.Room().Active() {
		t.Error("room still active")
	}
}

func TestMembershipDrivesRoster(t *testing.T) {
	h := newHarness(t, "A", "H", nil)
	h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: "B"})
	h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: "C"})
	h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: "B"})
	h.sync(t)

	if got := rosterIDs(h.c); !slices.Equal(got, []domain.ParticipantID{"A", "B", "C"}) {
		t.Fatalf("roster %v", got)
	}
	if offers := h.ch.sentOf(domain.KindOffer); len(offers) != 2 {
		t.Errorf("expected 2 offers, got %d", len(offers))
	}
	if _, ok := h.f.conns["B"].tracks["audio"]; !ok {
		t.Error("local audio not attached to new link")
	}

	h.ch.inject(domain.Message{Type: domain.KindUserDisconnected, UserID: "C"})
	h.ch.inject(domain.Message{Type: domain.KindUserDisconnected, UserID: "Z"})
	h.sync(t)
	if got := rosterIDs(h.c); !slices.Equal(got, []domain.ParticipantID{"A", "B"}) {
		t.Errorf("roster %v", got)
	}
	if h.j.index("close:C") < 0 {
		t.Error("C link not closed")
	}
}

func TestActiveSpeakerAnnouncement(t *testing.T) {
	h := newHarness(t, "L", "H", nil)
	for _, id := range []domain.ParticipantID{"A", "B", "C"} {
		h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: id})
	}
	h.ch.inject(domain.Message{Type: domain.KindActiveSpeaker, UserID: "A"})
	h.ch.inject(domain.Message{Type: domain.KindActiveSpeaker, UserID: "B"})
	h.sync(t)

	for _, p := range h.c.Roster() {
		if p.IsActiveSpeaker != (p.ID == "B") {
			t.Errorf("%s active=%v", p.ID, p.IsActiveSpeaker)
		}
	}
}

func TestRoomProjection(t *testing.T) {
	h := newHarness(t, "A", "H", nil)
	h.ch.inject(domain.Message{Type: domain.KindRecordingStarted})
	h.ch.inject(domain.Message{Type: domain.KindParticipantCount, Count: 3})
	h.sync(t)

	room := h.c.Room()
	if !room.Recording || room.ParticipantCount != 3 {
		t.Errorf("room %+v", room)
	}
	h.ch.inject(domain.Message{Type: domain.KindRecordingStopped})
	h.sync(t)
	if h.c.Room().Recording {
		t.Error("recording flag not cleared")
	}
}

func TestDegradedMediaStillJoins(t *testing.T) {
	h := newHarness(t, "A", "H", errors.New("no capture device"))
	if h.c.MediaState() != media.MediaUnavailable {
		t.Fatalf("media state %s", h.c.MediaState())
	}
	h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: "B"})
	h.sync(t)
	if len(h.f.conns["B"].tracks) != 0 {
		t.Error("tracks attached without media")
	}
	if len(h.ch.sentOf(domain.KindOffer)) != 1 {
		t.Error("link did not negotiate without media")
	}
}

func TestHostOnlyControls(t *testing.T) {
	h := newHarness(t, "G", "H", nil)

	if err := h.c.StartRecording(context.Background()); !errors.Is(err, core.ErrAuthorization) {
		t.Errorf("start recording: %v", err)
	}
	if err := h.c.EndSession(context.Background()); !errors.Is(err, core.ErrAuthorization) {
		t.Errorf("end session: %v", err)
	}
	select {
	case <-h.c.Done():
		t.Fatal("non-host ended the session")
	default:
	}
}

func TestHostEndsSession(t *testing.T) {
	h := newHarness(t, "H", "H", nil)
	h.api.EXPECT().End(gomock.Any(), domain.RoomID("R1")).Return(nil)

	if err := h.c.EndSession(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	h.waitDone(t)
	if h.j.index("disconnect") < 0 {
		t.Error("channel not disconnected")
	}
}

func TestToggleAudio(t *testing.T) {
	h := newHarness(t, "A", "H", nil)
	if err := h.c.EnableAudio(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if h.c.Roster()[0].Media.AudioEnabled {
		t.Error("local audio still reported enabled")
	}

	h.ch.inject(domain.Message{Type: domain.KindUserConnected, UserID: "B"})
	h.sync(t)
	if len(h.f.conns["B"].tracks) != 0 {
		t.Fatal("disabled track attached")
	}
	// Finish the first round so the renegotiation offer goes out immediately.
	h.ch.inject(domain.Message{Type: domain.KindAnswer, SenderID: "B", SDP: "answer"})
	h.sync(t)

	if err := h.c.EnableAudio(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !h.f.conns["B"].tracks["audio"] {
		t.Error("enabled track not attached")
	}
	if n := len(h.ch.sentOf(domain.KindOffer)); n != 2 {
		t.Errorf("expected renegotiation offer, got %d offers", n)
	}
}

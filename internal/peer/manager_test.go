package peer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/signal"
	"github.com/dkeye/Huddle/internal/store"
)

// fakeMediaSession mimics the signaling-state machine of a real peer
// connection far enough for the manager's decisions: set a local offer and
// you are in have-local-offer, apply the answer and you are back to stable.
type fakeMediaSession struct {
	mu       sync.Mutex
	sigState webrtc.SignalingState
	locals   []webrtc.SessionDescription
	remotes  []webrtc.SessionDescription
	cands    []webrtc.ICECandidateInit
	closed   int

	onCand  func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (f *fakeMediaSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (f *fakeMediaSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (f *fakeMediaSession) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locals = append(f.locals, d)
	if d.Type == webrtc.SDPTypeOffer {
		f.sigState = webrtc.SignalingStateHaveLocalOffer
	} else {
		f.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeMediaSession) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remotes = append(f.remotes, d)
	if d.Type == webrtc.SDPTypeOffer {
		f.sigState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeMediaSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, c)
	return nil
}

func (f *fakeMediaSession) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigState
}

func (f *fakeMediaSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onCand = fn }
func (f *fakeMediaSession) OnTrack(func(*webrtc.TrackRemote))              {}
func (f *fakeMediaSession) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

func (f *fakeMediaSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeMediaSession) remoteAnswers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.remotes {
		if d.Type == webrtc.SDPTypeAnswer {
			n++
		}
	}
	return n
}

func (f *fakeMediaSession) fireState(s webrtc.PeerConnectionState) {
	f.onState(s)
}

type fakeTrack struct {
	muted   bool
	stopped bool
}

func (f *fakeTrack) SetMuted(m bool) { f.muted = m }
func (f *fakeTrack) Muted() bool     { return f.muted }
func (f *fakeTrack) Stop()           { f.stopped = true }

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeMediaSession
	fail     bool
}

func (f *fakeFactory) NewLocalTrack() (media.Track, error) { return &fakeTrack{}, nil }

func (f *fakeFactory) NewSession(media.Track) (media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no media")
	}
	s := &fakeMediaSession{sigState: webrtc.SignalingStateStable}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) last(t *testing.T) *fakeMediaSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		t.Fatal("no session created")
	}
	return f.sessions[len(f.sessions)-1]
}

func newManager(st store.Store, me domain.UserID, creator bool) (*Manager, *fakeFactory) {
	ch := signal.NewChannel(st, "4711", me)
	f := &fakeFactory{}
	return NewManager(me, creator, ch, f, &fakeTrack{}), f
}

func TestShouldInitiateExactlyOneSide(t *testing.T) {
	st := store.NewMemStore()
	cases := []struct {
		name               string
		a, b               domain.UserID
		aCreator, bCreator bool
	}{
		{name: "creator vs lesser id", a: "aaa", b: "zzz", aCreator: true},
		{name: "creator vs greater id", a: "zzz", b: "aaa", aCreator: true},
		{name: "no creator, ordered ids", a: "aaa", b: "bbb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ma, _ := newManager(st, tc.a, tc.aCreator)
			mb, _ := newManager(st, tc.b, tc.bCreator)
			aInits := ma.ShouldInitiate(tc.b)
			bInits := mb.ShouldInitiate(tc.a)
			if aInits == bInits {
				t.Fatalf("tie-break broken: a=%v b=%v", aInits, bInits)
			}
		})
	}
}

func TestInitiatorSendsOffer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	var offers []webrtc.SessionDescription
	peerCh := signal.NewChannel(st, "4711", "guest")
	cancel, err := peerCh.OnOffer(ctx, func(_ domain.UserID, o webrtc.SessionDescription) {
		offers = append(offers, o)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	m.OnPeerJoined(ctx, "guest")

	if len(offers) != 1 {
		t.Fatalf("offer count = %d", len(offers))
	}
	sess := f.last(t)
	if sess.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("state = %v", sess.SignalingState())
	}
	if m.SessionCount() != 1 {
		t.Fatalf("session count = %d", m.SessionCount())
	}
}

func TestNonInitiatorWaitsForOffer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	// "aaa" loses the tie-break against "zzz" and must not offer.
	m, f := newManager(st, "aaa", false)

	offers := 0
	peerCh := signal.NewChannel(st, "4711", "zzz")
	cancel, err := peerCh.OnOffer(ctx, func(domain.UserID, webrtc.SessionDescription) { offers++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	m.OnPeerJoined(ctx, "zzz")

	if offers != 0 {
		t.Fatal("non-initiator sent an offer")
	}
	if m.SessionCount() != 1 {
		t.Fatalf("session count = %d", m.SessionCount())
	}
	if st := f.last(t).SignalingState(); st != webrtc.SignalingStateStable {
		t.Fatalf("state = %v", st)
	}
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	offers := 0
	peerCh := signal.NewChannel(st, "4711", "guest")
	cancel, err := peerCh.OnOffer(ctx, func(domain.UserID, webrtc.SessionDescription) { offers++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	m.OnPeerJoined(ctx, "guest")
	m.OnPeerJoined(ctx, "guest")

	if offers != 1 {
		t.Fatalf("offer count = %d", offers)
	}
	if len(f.sessions) != 1 {
		t.Fatalf("sessions created = %d", len(f.sessions))
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ma, fa := newManager(st, "host", true)
	mb, fb := newManager(st, "guest", false)

	// Wire each side's mailbox into its manager, the way the controller does.
	chA := signal.NewChannel(st, "4711", "host")
	chB := signal.NewChannel(st, "4711", "guest")
	cancelA, err := chA.OnAnswer(ctx, func(from domain.UserID, a webrtc.SessionDescription) {
		ma.OnAnswerReceived(ctx, from, a)
	})
	mustSub(t, cancelA, err)
	cancelB, err := chB.OnOffer(ctx, func(from domain.UserID, o webrtc.SessionDescription) {
		mb.OnOfferReceived(ctx, from, o)
	})
	mustSub(t, cancelB, err)

	ma.OnPeerJoined(ctx, "guest")

	// The offer flowed to the guest, the answer flowed back, both stable.
	if ma.SessionCount() != 1 || mb.SessionCount() != 1 {
		t.Fatalf("session counts: host=%d guest=%d", ma.SessionCount(), mb.SessionCount())
	}
	if n := fa.last(t).remoteAnswers(); n != 1 {
		t.Fatalf("host applied %d answers", n)
	}
	if st := fa.last(t).SignalingState(); st != webrtc.SignalingStateStable {
		t.Fatalf("host state = %v", st)
	}
	if st := fb.last(t).SignalingState(); st != webrtc.SignalingStateStable {
		t.Fatalf("guest state = %v", st)
	}
}

func TestEarlyAnswerBufferedAndReplayedOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "aaa", false)

	// Session exists but no local offer is out yet: the answer must wait.
	m.OnPeerJoined(ctx, "zzz")
	sess := f.last(t)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 early"}
	m.OnAnswerReceived(ctx, "zzz", answer)
	if n := sess.remoteAnswers(); n != 0 {
		t.Fatalf("answer applied prematurely, %d", n)
	}

	// Once the local offer is in place, the connected transition replays it.
	if err := sess.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("set local: %v", err)
	}
	sess.fireState(webrtc.PeerConnectionStateConnected)
	if n := sess.remoteAnswers(); n != 1 {
		t.Fatalf("replay count = %d", n)
	}

	// A second connected transition must not replay again.
	sess.fireState(webrtc.PeerConnectionStateConnected)
	if n := sess.remoteAnswers(); n != 1 {
		t.Fatalf("answer replayed twice, %d", n)
	}
}

func TestLaterAnswerOverwritesBuffered(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "aaa", false)

	m.OnPeerJoined(ctx, "zzz")
	sess := f.last(t)

	m.OnAnswerReceived(ctx, "zzz", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 stale"})
	m.OnAnswerReceived(ctx, "zzz", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fresh"})

	if err := sess.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err != nil {
		t.Fatalf("set local: %v", err)
	}
	sess.fireState(webrtc.PeerConnectionStateConnected)

	if n := sess.remoteAnswers(); n != 1 {
		t.Fatalf("applied %d answers", n)
	}
	if sdp := sess.remotes[len(sess.remotes)-1].SDP; sdp != "v=0 fresh" {
		t.Fatalf("stale answer won: %q", sdp)
	}
}

func TestOrphanCandidateDropped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	m.OnCandidateReceived(ctx, "nobody", webrtc.ICECandidateInit{Candidate: "candidate:1"})

	if len(f.sessions) != 0 {
		t.Fatal("orphan candidate created a session")
	}
	if m.SessionCount() != 0 {
		t.Fatal("session registered for orphan")
	}
}

func TestCandidateAppliedToSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	m.OnPeerJoined(ctx, "guest")
	m.OnCandidateReceived(ctx, "guest", webrtc.ICECandidateInit{Candidate: "candidate:1"})

	sess := f.last(t)
	if len(sess.cands) != 1 {
		t.Fatalf("candidates applied = %d", len(sess.cands))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	m.OnPeerJoined(ctx, "guest")
	sess := f.last(t)

	m.Close("guest")
	m.Close("guest")

	if sess.closed != 1 {
		t.Fatalf("media closed %d times", sess.closed)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("session count = %d", m.SessionCount())
	}
	// An answer after teardown is a warning, never a crash.
	m.OnAnswerReceived(ctx, "guest", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
}

func TestTransportLossClosesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	m.OnPeerJoined(ctx, "guest")
	sess := f.last(t)

	sess.fireState(webrtc.PeerConnectionStateFailed)

	if m.SessionCount() != 0 {
		t.Fatalf("session survived transport failure")
	}
	if sess.closed != 1 {
		t.Fatalf("media closed %d times", sess.closed)
	}
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m, f := newManager(st, "host", true)

	m.OnPeerJoined(ctx, "guest-1")
	m.OnPeerJoined(ctx, "guest-2")
	m.OnPeerJoined(ctx, "guest-3")
	if m.SessionCount() != 3 {
		t.Fatalf("session count = %d", m.SessionCount())
	}

	m.CloseAll()

	if m.SessionCount() != 0 {
		t.Fatalf("sessions left = %d", m.SessionCount())
	}
	for i, s := range f.sessions {
		if s.closed != 1 {
			t.Fatalf("session %d closed %d times", i, s.closed)
		}
	}
}

func TestSessionSetupFailureIsContained(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ch := signal.NewChannel(st, "4711", "host")
	f := &fakeFactory{fail: true}
	m := NewManager("host", true, ch, f, &fakeTrack{})

	m.OnPeerJoined(ctx, "guest")

	if m.SessionCount() != 0 {
		t.Fatal("failed setup left a session behind")
	}
}

func mustSub(t *testing.T, cancel store.CancelFunc, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(cancel)
}

// Package peer owns one connection state machine per remote participant:
// offer/answer negotiation, glare tie-breaking, candidate application,
// pending-answer buffering and teardown.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/signal"
)

// Manager drives every PeerSession of the local participant. All methods are
// invoked from feed handlers and media callbacks; the internal lock serializes
// them, and store/media I/O happens outside it where a callback could
// re-enter.
type Manager struct {
	me      domain.UserID
	creator bool
	ch      *signal.Channel
	factory media.Factory
	track   media.Track

	mu       sync.Mutex
	sessions map[domain.UserID]*PeerSession
}

func NewManager(me domain.UserID, creator bool, ch *signal.Channel, factory media.Factory, track media.Track) *Manager {
	return &Manager{
		me:       me,
		creator:  creator,
		ch:       ch,
		factory:  factory,
		track:    track,
		sessions: make(map[domain.UserID]*PeerSession),
	}
}

// ShouldInitiate is the deterministic glare tie-break: the room creator always
// initiates; otherwise the lexicographically greater identifier does. Exactly
// one side of any pair offers.
func (m *Manager) ShouldInitiate(peerID domain.UserID) bool {
	return m.creator || m.me > peerID
}

// SessionCount reports live (non-closed) peer sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OnPeerJoined creates the PeerSession for a newly online participant and,
// when the tie-break selects the local side, sends the opening offer.
func (m *Manager) OnPeerJoined(ctx context.Context, peerID domain.UserID) {
	sess, created, err := m.ensureSession(ctx, peerID)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("peer", string(peerID)).Msg("session setup failed")
		return
	}
	if !created {
		// Presence re-reported a peer we already manage; setup is idempotent.
		return
	}
	if !m.ShouldInitiate(peerID) {
		return
	}
	if err := m.sendOffer(ctx, peerID, sess); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("peer", string(peerID)).Msg("offer failed")
	}
}

// OnOfferReceived applies a remote offer, creating the session first if the
// tie-break put the remote side in charge of initiating. Failures are logged
// and the offer is abandoned; the sender re-offers via presence, never via
// retransmission.
func (m *Manager) OnOfferReceived(ctx context.Context, from domain.UserID, offer webrtc.SessionDescription) {
	sess, _, err := m.ensureSession(ctx, from)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("peer", string(from)).Msg("session setup for offer failed")
		return
	}

	if err := sess.media.SetRemoteDescription(offer); err != nil {
		log.Error().Err(fmt.Errorf("%w: %v", media.ErrNegotiation, err)).Str("module", "peer").Str("peer", string(from)).Msg("apply offer")
		return
	}
	answer, err := sess.media.CreateAnswer()
	if err != nil {
		log.Error().Err(fmt.Errorf("%w: %v", media.ErrNegotiation, err)).Str("module", "peer").Str("peer", string(from)).Msg("create answer")
		return
	}
	if err := sess.media.SetLocalDescription(answer); err != nil {
		log.Error().Err(fmt.Errorf("%w: %v", media.ErrNegotiation, err)).Str("module", "peer").Str("peer", string(from)).Msg("set local answer")
		return
	}
	if err := m.ch.SendAnswer(ctx, from, answer); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("peer", string(from)).Msg("send answer")
	}
}

// OnAnswerReceived applies the answer if the local session has a local offer
// outstanding; otherwise it buffers the answer for replay. Answers arriving
// before the local offer finished applying are a race inherent to the
// mailbox, not an error.
func (m *Manager) OnAnswerReceived(ctx context.Context, from domain.UserID, answer webrtc.SessionDescription) {
	m.mu.Lock()
	sess, ok := m.sessions[from]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("module", "peer").Str("peer", string(from)).Msg("answer for unknown session")
		return
	}
	if sess.media.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		sess.pendingAnswer = &answer
		m.mu.Unlock()
		log.Info().Str("module", "peer").Str("peer", string(from)).Msg("buffered answer for later")
		return
	}
	m.mu.Unlock()

	if err := sess.media.SetRemoteDescription(answer); err != nil {
		// Keep it buffered; the connected transition replays it.
		m.mu.Lock()
		sess.pendingAnswer = &answer
		m.mu.Unlock()
		log.Warn().Err(err).Str("module", "peer").Str("peer", string(from)).Msg("apply answer failed, buffered")
		return
	}
	m.mu.Lock()
	if sess.state == StateNew {
		sess.state = StateNegotiating
	}
	m.mu.Unlock()
	log.Info().Str("module", "peer").Str("peer", string(from)).Msg("applied answer")
}

// OnCandidateReceived applies the candidate to the existing session and
// silently drops orphans: gathering produces more candidates later, and a
// session exists by the time connectivity matters.
func (m *Manager) OnCandidateReceived(_ context.Context, from domain.UserID, cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	sess, ok := m.sessions[from]
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "peer").Str("peer", string(from)).Msg("candidate without session, dropped")
		return
	}
	if err := sess.media.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("peer", string(from)).Msg("add candidate")
	}
}

// Close tears down the session for one peer: stops outgoing media on it,
// closes the underlying media session, drops any buffered answer and removes
// the entry. A second Close for the same peer is a no-op.
func (m *Manager) Close(peerID domain.UserID) {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	if ok {
		sess.state = StateClosed
		sess.pendingAnswer = nil
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.media.Close()
	log.Info().Str("module", "peer").Str("peer", string(peerID)).Msg("closed peer session")
}

// CloseAll tears down every session. Used by the shared teardown routine.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]domain.UserID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// ensureSession returns the existing session for peerID or creates one with
// the full attach/registration sequence. created reports which happened.
func (m *Manager) ensureSession(ctx context.Context, peerID domain.UserID) (sess *PeerSession, created bool, err error) {
	m.mu.Lock()
	if existing, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}
	m.mu.Unlock()

	ms, err := m.factory.NewSession(m.track)
	if err != nil {
		return nil, false, fmt.Errorf("media session for %s: %w", peerID, err)
	}

	sess = &PeerSession{media: ms, state: StateNew}

	ms.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := m.ch.SendCandidate(ctx, peerID, ci); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("peer", string(peerID)).Msg("send candidate")
		}
	})
	ms.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handleStateChange(ctx, peerID, s)
	})

	m.mu.Lock()
	if existing, ok := m.sessions[peerID]; ok {
		// Lost a setup race with a concurrent handler; keep the winner.
		m.mu.Unlock()
		ms.Close()
		return existing, false, nil
	}
	m.sessions[peerID] = sess
	m.mu.Unlock()

	log.Info().Str("module", "peer").Str("peer", string(peerID)).Bool("initiator", m.ShouldInitiate(peerID)).Msg("peer session created")
	return sess, true, nil
}

func (m *Manager) sendOffer(ctx context.Context, peerID domain.UserID, sess *PeerSession) error {
	offer, err := sess.media.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: %v", media.ErrNegotiation, err)
	}
	if err := sess.media.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: %v", media.ErrNegotiation, err)
	}
	m.mu.Lock()
	sess.state = StateNegotiating
	m.mu.Unlock()
	return m.ch.SendOffer(ctx, peerID, offer)
}

// handleStateChange reacts to the media transport's connection state. On the
// connected transition any buffered answer is replayed once; transport
// failure closes the session, and presence later recreates it if the peer is
// still around.
func (m *Manager) handleStateChange(ctx context.Context, peerID domain.UserID, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		sess, ok := m.sessions[peerID]
		var replay *webrtc.SessionDescription
		if ok {
			sess.state = StateConnected
			replay = sess.pendingAnswer
			sess.pendingAnswer = nil
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		log.Info().Str("module", "peer").Str("peer", string(peerID)).Msg("connected")
		if replay != nil {
			log.Info().Str("module", "peer").Str("peer", string(peerID)).Msg("replaying buffered answer")
			m.OnAnswerReceived(ctx, peerID, *replay)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		log.Warn().Str("module", "peer").Str("peer", string(peerID)).Str("state", s.String()).Msg("transport lost")
		m.Close(peerID)
	}
}

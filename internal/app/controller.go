package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/peer"
	"github.com/dkeye/Huddle/internal/presence"
	"github.com/dkeye/Huddle/internal/signal"
	"github.com/dkeye/Huddle/internal/store"
)

const colRooms = "rooms"

// Controller drives the top-level session lifecycle: room activation, the
// call timer, auto-termination and the shared teardown routine. One
// Controller manages at most one live Session at a time.
//
// Locking rule: c.mu protects the Session pointer and its fields and is never
// held across store or media I/O, because the store may deliver further
// notifications synchronously from a write.
type Controller struct {
	st        store.Store
	factory   media.Factory
	sink      Sink
	heartbeat time.Duration
	tickEvery time.Duration

	mu   sync.Mutex
	sess *Session
}

func NewController(st store.Store, factory media.Factory, sink Sink, heartbeat, tickEvery time.Duration) *Controller {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if tickEvery <= 0 {
		tickEvery = time.Second
	}
	return &Controller{st: st, factory: factory, sink: sink, heartbeat: heartbeat, tickEvery: tickEvery}
}

// CreateRoom acquires local media, writes the room and creator-participant
// documents, and starts listening. The caller becomes the host.
func (c *Controller) CreateRoom(ctx context.Context, name string) (domain.RoomCode, error) {
	if c.current() != nil {
		return "", ErrAlreadyInRoom
	}
	user, err := domain.NewUser(name)
	if err != nil {
		return "", err
	}

	track, err := c.factory.NewLocalTrack()
	if err != nil {
		c.sink.Notice("Error accessing microphone. Please ensure you have allowed microphone access.")
		return "", fmt.Errorf("%w: %v", media.ErrAcquisition, err)
	}

	code := domain.NewRoomCode()
	now := c.st.ServerTimestamp()
	room := domain.Room{
		Code:             code,
		CreatorID:        user.ID,
		CreatorName:      user.Name,
		ParticipantCount: 1,
		MaxParticipants:  domain.MaxParticipants,
		IsActive:         true,
		CreatedAt:        now,
	}
	if _, err := c.st.Create(ctx, colRooms, string(code), room); err != nil {
		track.Stop()
		return "", fmt.Errorf("create room: %w", err)
	}
	if err := c.writeParticipant(ctx, code, user, true); err != nil {
		track.Stop()
		return "", err
	}

	log.Info().Str("module", "app").Str("room", string(code)).Str("user", string(user.ID)).Msg("room created")
	if err := c.attach(ctx, user, code, true, track); err != nil {
		track.Stop()
		return "", err
	}
	return code, nil
}

// JoinRoom validates the room and adds the caller as a participant. Invalid
// attempts surface as a blocking notice and leave the controller idle.
func (c *Controller) JoinRoom(ctx context.Context, code, name string) error {
	if c.current() != nil {
		return ErrAlreadyInRoom
	}
	if !domain.ValidRoomCode(code) {
		c.sink.Notice("Please enter a valid 4-digit room code")
		return ErrBadRoomCode
	}
	user, err := domain.NewUser(name)
	if err != nil {
		return err
	}
	roomCode := domain.RoomCode(code)

	var room domain.Room
	if err := c.st.Get(ctx, colRooms, code, &room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sink.Notice("Error joining room: room does not exist")
			return ErrRoomNotFound
		}
		return fmt.Errorf("read room %s: %w", code, err)
	}
	if !room.IsActive {
		c.sink.Notice("Error joining room: call has ended")
		return ErrRoomEnded
	}
	if room.Full() {
		c.sink.Notice("Error joining room: room is full")
		return ErrRoomFull
	}

	track, err := c.factory.NewLocalTrack()
	if err != nil {
		c.sink.Notice("Error accessing microphone. Please ensure you have allowed microphone access.")
		return fmt.Errorf("%w: %v", media.ErrAcquisition, err)
	}

	if err := c.writeParticipant(ctx, roomCode, user, false); err != nil {
		track.Stop()
		return err
	}
	if err := c.st.Update(ctx, colRooms, code, map[string]any{
		"participantCount": room.ParticipantCount + 1,
	}); err != nil {
		// Best-effort counter; the participant snapshot stays authoritative.
		log.Warn().Err(err).Str("module", "app").Str("room", code).Msg("participant count bump failed")
	}

	log.Info().Str("module", "app").Str("room", code).Str("user", string(user.ID)).Msg("joined room")
	if err := c.attach(ctx, user, roomCode, false, track); err != nil {
		track.Stop()
		return err
	}
	return nil
}

func (c *Controller) writeParticipant(ctx context.Context, room domain.RoomCode, user *domain.User, creator bool) error {
	now := c.st.ServerTimestamp()
	p := domain.Participant{
		UserID:    user.ID,
		UserName:  user.Name,
		IsOnline:  true,
		IsCreator: creator,
		Status:    domain.StatusOnline,
		JoinedAt:  now,
		LastSeen:  now,
	}
	col := fmt.Sprintf("rooms/%s/participants", room)
	if _, err := c.st.Create(ctx, col, string(user.ID), p); err != nil {
		return fmt.Errorf("write participant: %w", err)
	}
	return nil
}

// attach builds the Session, wires every subscription and starts presence.
func (c *Controller) attach(ctx context.Context, user *domain.User, code domain.RoomCode, creator bool, track media.Track) error {
	ch := signal.NewChannel(c.st, code, user.ID)
	sess := &Session{
		User:    user,
		Room:    code,
		Creator: creator,
		track:   track,
		channel: ch,
		peers:   peer.NewManager(user.ID, creator, ch, c.factory, track),
		tracker: presence.NewTracker(c.st, code, user.ID, c.heartbeat),
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInRoom, c.sess.Room)
	}
	c.sess = sess
	c.mu.Unlock()

	c.sink.RoomStateChanged(RoomState{
		Status: StatusConnecting, RoomCode: code, You: user.ID, IsCreator: creator,
		Participants: []domain.Participant{},
	})

	if err := c.bindSignaling(ctx, sess); err != nil {
		c.abort(sess)
		return err
	}
	if err := sess.tracker.Start(ctx, func(snap presence.Snapshot, diff presence.Diff) {
		c.handleSnapshot(ctx, sess, snap, diff)
	}); err != nil {
		c.abort(sess)
		return err
	}
	return nil
}

// abort unwinds a half-built attach: subscriptions are cancelled and the
// session slot is freed so the caller can try again. The caller still owns
// the track and stops it.
func (c *Controller) abort(sess *Session) {
	c.detach(sess)
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	c.sink.RoomStateChanged(RoomState{Status: StatusIdle, Participants: []domain.Participant{}})
}

func (c *Controller) bindSignaling(ctx context.Context, sess *Session) error {
	ch := sess.channel

	cancel, err := ch.OnOffer(ctx, func(from domain.UserID, offer webrtc.SessionDescription) {
		if !c.live(sess) {
			return
		}
		sess.peers.OnOfferReceived(ctx, from, offer)
	})
	if err != nil {
		return err
	}
	sess.addCancel(cancel)

	cancel, err = ch.OnAnswer(ctx, func(from domain.UserID, answer webrtc.SessionDescription) {
		if !c.live(sess) {
			return
		}
		sess.peers.OnAnswerReceived(ctx, from, answer)
	})
	if err != nil {
		return err
	}
	sess.addCancel(cancel)

	cancel, err = ch.OnCandidate(ctx, func(from domain.UserID, cand webrtc.ICECandidateInit) {
		if !c.live(sess) {
			return
		}
		sess.peers.OnCandidateReceived(ctx, from, cand)
	})
	if err != nil {
		return err
	}
	sess.addCancel(cancel)

	cancel, err = ch.OnHostLeave(ctx, func(ev signal.HostLeave) {
		if !c.live(sess) || sess.Creator {
			return
		}
		log.Info().Str("module", "app").Str("reason", string(ev.Reason)).Msg("host left the call")
		c.teardown(sess, "The host has ended the call. Returning to main page.")
	})
	if err != nil {
		return err
	}
	sess.addCancel(cancel)

	cancel, err = ch.OnKick(ctx, func(ev signal.Kick) {
		if !c.live(sess) {
			return
		}
		log.Info().Str("module", "app").Str("kicked_by", string(ev.KickedBy)).Msg("kicked from room")
		c.teardown(sess, "You have been removed from the call by the host.")
	})
	if err != nil {
		return err
	}
	sess.addCancel(cancel)

	// Room-status watch: a remote isActive flip converges on the same
	// teardown as a HostLeaveEvent, whichever arrives first.
	cancel, err = c.st.Subscribe(ctx, colRooms, &store.Filter{Field: "code", Equals: string(sess.Room)}, func(chg store.Change) {
		if chg.Type != store.Modified {
			return
		}
		var room domain.Room
		if err := json.Unmarshal(chg.Data, &room); err != nil {
			log.Error().Err(err).Str("module", "app").Msg("bad room doc")
			return
		}
		if room.IsActive {
			return
		}
		c.mu.Lock()
		active := c.sess == sess && !sess.closing && sess.callActive
		c.mu.Unlock()
		if active {
			log.Info().Str("module", "app").Str("room", string(sess.Room)).Msg("room ended remotely")
			c.endCallCascade(ctx, sess, true)
		}
	})
	if err != nil {
		return err
	}
	sess.addCancel(cancel)
	return nil
}

// live reports whether sess is still the controller's current session.
func (c *Controller) live(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess && !sess.closing
}

// handleSnapshot is the presence-driven heart of the lifecycle. It diffs the
// online set into peer-session churn, flips the call state on 1↔2 online
// transitions and applies the auto-termination rules.
func (c *Controller) handleSnapshot(ctx context.Context, sess *Session, snap presence.Snapshot, diff presence.Diff) {
	c.mu.Lock()
	if c.sess != sess || sess.closing {
		c.mu.Unlock()
		return
	}

	startTimer := false
	stopTimer := false
	if snap.OnlineCount >= 2 && !sess.callActive {
		sess.callActive = true
		sess.elapsed = 0
		startTimer = true
	}

	hostGone := !snap.HostOnline && !sess.Creator && sess.callActive
	lastOne := snap.OnlineCount <= 1 && sess.callActive && !hostGone
	if lastOne {
		stopTimer = true
	}
	sess.lastOnline = snap.OnlineCount

	status := StatusWaiting
	if sess.callActive && !hostGone && !lastOne {
		status = StatusActive
	}
	state := RoomState{
		Status:       status,
		RoomCode:     sess.Room,
		You:          sess.User.ID,
		IsCreator:    sess.Creator,
		OnlineCount:  snap.OnlineCount,
		Muted:        sess.track.Muted(),
		Participants: sortedParticipants(snap.Participants),
	}
	me := sess.User.ID
	c.mu.Unlock()

	c.sink.RoomStateChanged(state)
	if startTimer {
		c.startTimer(sess)
	}
	if stopTimer {
		c.stopTimer(sess)
	}

	// Peer churn first, so teardown (if any) closes a settled set.
	for _, id := range diff.Joined {
		if id != me {
			sess.peers.OnPeerJoined(ctx, id)
		}
	}
	for _, id := range diff.WentOffline {
		if id != me {
			sess.peers.Close(id)
		}
	}
	for _, id := range diff.Left {
		if id != me {
			sess.peers.Close(id)
		}
	}

	if hostGone {
		// The host's online flag flipped false; we may or may not also get a
		// HostLeaveEvent. Both triggers converge on the same teardown and no
		// second event is published.
		log.Info().Str("module", "app").Msg("host went offline, ending session")
		c.teardown(sess, "The host has ended the call. Returning to main page.")
		return
	}
	if lastOne {
		log.Info().Str("module", "app").Int("online", snap.OnlineCount).Msg("alone in active call, auto-ending")
		c.endCallCascade(ctx, sess, false)
	}
}

// EndCall ends the call on explicit user action.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	c.endCallCascade(ctx, sess, false)
	return nil
}

// ToggleMute flips the local track and re-emits state.
func (c *Controller) ToggleMute() error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	sess.track.SetMuted(!sess.track.Muted())
	c.mu.Lock()
	state := RoomState{
		Status:      c.statusLocked(sess),
		RoomCode:    sess.Room,
		You:         sess.User.ID,
		IsCreator:   sess.Creator,
		OnlineCount: sess.lastOnline,
		Muted:       sess.track.Muted(),
	}
	c.mu.Unlock()
	c.sink.RoomStateChanged(state)
	return nil
}

func (c *Controller) statusLocked(sess *Session) Status {
	if sess.callActive {
		return StatusActive
	}
	return StatusWaiting
}

// SetAway / SetOnline forward local visibility transitions to presence.
func (c *Controller) SetAway(ctx context.Context) {
	if sess := c.current(); sess != nil {
		sess.tracker.SetAway(ctx)
	}
}

func (c *Controller) SetOnline(ctx context.Context) {
	if sess := c.current(); sess != nil {
		sess.tracker.SetOnline(ctx)
	}
}

func (c *Controller) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// PeerCount is exposed for the control API and tests.
func (c *Controller) PeerCount() int {
	if sess := c.current(); sess != nil {
		return sess.peers.SessionCount()
	}
	return 0
}

func (c *Controller) startTimer(sess *Session) {
	c.mu.Lock()
	if sess.timerStop != nil || sess.closing {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	sess.timerStop = stop
	c.mu.Unlock()

	c.sink.CallTimerTick(TimerTick{Seconds: 0, Display: FormatElapsed(0)})
	go func() {
		ticker := time.NewTicker(c.tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.TickTimer(sess)
			}
		}
	}()
}

// TickTimer advances the call timer by one unit and emits the tick. The timer
// goroutine calls it every interval; tests drive it directly.
func (c *Controller) TickTimer(sess *Session) {
	c.mu.Lock()
	if c.sess != sess || sess.closing || !sess.callActive {
		c.mu.Unlock()
		return
	}
	sess.elapsed++
	tick := TimerTick{Seconds: sess.elapsed, Display: FormatElapsed(sess.elapsed)}
	c.mu.Unlock()
	c.sink.CallTimerTick(tick)
}

func (c *Controller) stopTimer(sess *Session) {
	c.mu.Lock()
	if sess.timerStop != nil {
		close(sess.timerStop)
		sess.timerStop = nil
	}
	c.mu.Unlock()
}

// teardown is the single shared termination routine: host-leave cascade,
// kick-victim cascade, explicit end and cancel all come through here so no
// timer, session or media handle can leak, whichever path triggered it.
func (c *Controller) teardown(sess *Session, notice string) {
	c.mu.Lock()
	if c.sess != sess || sess.closing {
		c.mu.Unlock()
		return
	}
	sess.closing = true
	sess.callActive = false
	c.mu.Unlock()

	c.stopTimer(sess)
	c.detach(sess)
	sess.peers.CloseAll()
	sess.track.Stop()

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()

	if notice != "" {
		c.sink.Notice(notice)
	}
	c.sink.RoomStateChanged(RoomState{Status: StatusIdle, Participants: []domain.Participant{}})
	log.Info().Str("module", "app").Str("room", string(sess.Room)).Msg("session torn down")
}

// detach stops presence and every signaling subscription.
func (c *Controller) detach(sess *Session) {
	sess.tracker.Stop()
	for _, cancel := range sess.cancels {
		cancel()
	}
	sess.cancels = nil
}

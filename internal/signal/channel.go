package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/store"
)

// Channel is the per-room signaling mailbox for one local participant.
// Send failures are returned to the caller, which logs and abandons the
// operation; the next presence snapshot naturally re-triggers signaling.
type Channel struct {
	st   store.Store
	room domain.RoomCode
	me   domain.UserID
}

func NewChannel(st store.Store, room domain.RoomCode, me domain.UserID) *Channel {
	return &Channel{st: st, room: room, me: me}
}

func (c *Channel) collection(name string) string {
	return fmt.Sprintf("rooms/%s/%s", c.room, name)
}

func (c *Channel) SendOffer(ctx context.Context, to domain.UserID, offer webrtc.SessionDescription) error {
	_, err := c.st.Create(ctx, c.collection(colOffers), "", offerDoc{
		From: c.me, To: to, Offer: offer, Timestamp: c.st.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("send offer to %s: %w", to, err)
	}
	return nil
}

func (c *Channel) SendAnswer(ctx context.Context, to domain.UserID, answer webrtc.SessionDescription) error {
	_, err := c.st.Create(ctx, c.collection(colAnswers), "", answerDoc{
		From: c.me, To: to, Answer: answer, Timestamp: c.st.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("send answer to %s: %w", to, err)
	}
	return nil
}

func (c *Channel) SendCandidate(ctx context.Context, to domain.UserID, cand webrtc.ICECandidateInit) error {
	_, err := c.st.Create(ctx, c.collection(colCandidates), "", candidateDoc{
		From: c.me, To: to, Candidate: cand, Timestamp: c.st.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("send candidate to %s: %w", to, err)
	}
	return nil
}

func (c *Channel) SendHostLeave(ctx context.Context, hostName string, reason HostLeaveReason) error {
	_, err := c.st.Create(ctx, c.collection(colHostLeave), "", HostLeave{
		HostID: c.me, HostName: hostName, Reason: reason, Timestamp: c.st.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("send host leave: %w", err)
	}
	return nil
}

func (c *Channel) SendKick(ctx context.Context, target domain.UserID) error {
	_, err := c.st.Create(ctx, c.collection(colKicks), "", Kick{
		TargetUserID: target, KickedBy: c.me, Timestamp: c.st.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("send kick to %s: %w", target, err)
	}
	return nil
}

// OnOffer invokes fn once per offer addressed to the local participant, then
// deletes the document. Deletion failure is logged, not fatal: a future
// duplicate delivery is tolerated because the peer handlers are idempotent.
func (c *Channel) OnOffer(ctx context.Context, fn func(from domain.UserID, offer webrtc.SessionDescription)) (store.CancelFunc, error) {
	return consume(ctx, c, colOffers, &store.Filter{Field: "to", Equals: string(c.me)},
		func(d offerDoc) { fn(d.From, d.Offer) })
}

func (c *Channel) OnAnswer(ctx context.Context, fn func(from domain.UserID, answer webrtc.SessionDescription)) (store.CancelFunc, error) {
	return consume(ctx, c, colAnswers, &store.Filter{Field: "to", Equals: string(c.me)},
		func(d answerDoc) { fn(d.From, d.Answer) })
}

func (c *Channel) OnCandidate(ctx context.Context, fn func(from domain.UserID, cand webrtc.ICECandidateInit)) (store.CancelFunc, error) {
	return consume(ctx, c, colCandidates, &store.Filter{Field: "to", Equals: string(c.me)},
		func(d candidateDoc) { fn(d.From, d.Candidate) })
}

// OnHostLeave has no addressee filter: host-leave is a broadcast event.
func (c *Channel) OnHostLeave(ctx context.Context, fn func(HostLeave)) (store.CancelFunc, error) {
	return consume(ctx, c, colHostLeave, nil, fn)
}

func (c *Channel) OnKick(ctx context.Context, fn func(Kick)) (store.CancelFunc, error) {
	return consume(ctx, c, colKicks, &store.Filter{Field: "targetUserId", Equals: string(c.me)}, fn)
}

// consume subscribes to one message kind and implements the mailbox contract:
// decode Added documents, hand them to fn, delete after handling.
func consume[T any](ctx context.Context, c *Channel, name string, filter *store.Filter, fn func(T)) (store.CancelFunc, error) {
	col := c.collection(name)
	cancel, err := c.st.Subscribe(ctx, col, filter, func(ch store.Change) {
		if ch.Type != store.Added {
			return
		}
		var doc T
		if err := decode(ch.Data, &doc); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("collection", col).Str("doc", ch.ID).Msg("bad message")
			// Delete anyway so a malformed message is not redelivered forever.
		} else {
			fn(doc)
		}
		if err := c.st.Delete(ctx, col, ch.ID); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("collection", col).Str("doc", ch.ID).Msg("message cleanup failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", col, err)
	}
	return cancel, nil
}

func decode(data json.RawMessage, out any) error {
	return json.Unmarshal(data, out)
}

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/signal"
	"github.com/dkeye/Huddle/internal/store"
)

// Host-only authority actions. None of them are atomic: each step is
// best-effort and the presence feed is the convergence mechanism for whatever
// a failed step left behind.

// Kick removes a participant. The KickEvent is authoritative for the victim's
// own teardown; the participant-record mutation is authoritative for everyone
// else's view. Non-hosts are silently rejected.
func (c *Controller) Kick(ctx context.Context, target domain.UserID) error {
	c.mu.Lock()
	sess := c.sess
	creator := sess != nil && sess.Creator
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if !creator {
		log.Warn().Str("module", "app").Str("target", string(target)).Msg("kick rejected: not the room creator")
		return ErrNotHost
	}

	if err := sess.channel.SendKick(ctx, target); err != nil {
		log.Error().Err(err).Str("module", "app").Str("target", string(target)).Msg("kick event")
	}

	col := fmt.Sprintf("rooms/%s/participants", sess.Room)
	err := c.st.Update(ctx, col, string(target), map[string]any{
		"isOnline": false,
		"status":   domain.StatusKicked,
		"leftAt":   c.st.ServerTimestamp(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("target", string(target)).Msg("mark kicked")
	}

	sess.peers.Close(target)
	c.decrementCount(ctx, sess.Room)

	log.Info().Str("module", "app").Str("target", string(target)).Msg("kicked participant")
	return nil
}

// CancelRoom abandons a room that never became a call. Only exposed while
// waiting; the mechanism itself does not hard-enforce that.
func (c *Controller) CancelRoom(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	creator := sess != nil && sess.Creator
	c.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if !creator {
		log.Warn().Str("module", "app").Msg("cancel rejected: not the room creator")
		return ErrNotHost
	}

	err := c.st.Update(ctx, colRooms, string(sess.Room), map[string]any{
		"isActive":  false,
		"cancelled": true,
		"endedAt":   c.st.ServerTimestamp(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(sess.Room)).Msg("cancel room")
	}
	if err := sess.channel.SendHostLeave(ctx, sess.User.Name, signal.ReasonCancelled); err != nil {
		log.Error().Err(err).Str("module", "app").Msg("cancel broadcast")
	}

	log.Info().Str("module", "app").Str("room", string(sess.Room)).Msg("room cancelled by host")
	c.teardown(sess, "")
	return nil
}

// endCallCascade ends the call for the local participant and, when the local
// identity is the creator or the room would empty out, for everyone. isRemote
// means the end was observed (room flip or HostLeaveEvent), so no second
// HostLeaveEvent is published.
func (c *Controller) endCallCascade(ctx context.Context, sess *Session, isRemote bool) {
	c.mu.Lock()
	if c.sess != sess || sess.closing {
		c.mu.Unlock()
		return
	}
	sess.callActive = false
	c.mu.Unlock()

	c.stopTimer(sess)

	col := fmt.Sprintf("rooms/%s/participants", sess.Room)
	err := c.st.Update(ctx, col, string(sess.User.ID), map[string]any{
		"isOnline": false,
		"status":   domain.StatusOffline,
		"leftAt":   c.st.ServerTimestamp(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app").Msg("mark self offline")
	}

	var room domain.Room
	err = c.st.Get(ctx, colRooms, string(sess.Room), &room)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Room already gone; nothing to update.
	case err != nil:
		log.Error().Err(err).Str("module", "app").Str("room", string(sess.Room)).Msg("read room for end")
	default:
		newCount := room.ParticipantCount - 1
		if newCount <= 0 || sess.Creator {
			err := c.st.Update(ctx, colRooms, string(sess.Room), map[string]any{
				"isActive": false,
				"endedAt":  c.st.ServerTimestamp(),
			})
			if err != nil {
				log.Error().Err(err).Str("module", "app").Str("room", string(sess.Room)).Msg("mark room ended")
			}
			if sess.Creator && !isRemote {
				if err := sess.channel.SendHostLeave(ctx, sess.User.Name, signal.ReasonEnded); err != nil {
					log.Error().Err(err).Str("module", "app").Msg("host leave broadcast")
				}
			}
		} else {
			err := c.st.Update(ctx, colRooms, string(sess.Room), map[string]any{
				"participantCount": newCount,
			})
			if err != nil {
				log.Error().Err(err).Str("module", "app").Str("room", string(sess.Room)).Msg("participant count")
			}
		}
	}

	log.Info().Str("module", "app").Str("room", string(sess.Room)).Bool("remote", isRemote).Msg("call ended")
	c.teardown(sess, "")
}

// decrementCount lowers the stored participant counter, floored at zero.
func (c *Controller) decrementCount(ctx context.Context, room domain.RoomCode) {
	var r domain.Room
	if err := c.st.Get(ctx, colRooms, string(room), &r); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(room)).Msg("read room for count")
		return
	}
	n := r.ParticipantCount - 1
	if n < 0 {
		n = 0
	}
	if err := c.st.Update(ctx, colRooms, string(room), map[string]any{"participantCount": n}); err != nil {
		log.Warn().Err(err).Str("module", "app").Str("room", string(room)).Msg("participant count")
	}
}

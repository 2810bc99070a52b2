package app

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/peer"
	"github.com/dkeye/Huddle/internal/presence"
	"github.com/dkeye/Huddle/internal/signal"
	"github.com/dkeye/Huddle/internal/store"
)

// Session is the explicit state of one room membership: identity, room
// reference and the owned collaborators. It replaces any notion of a global
// "current room/user"; every handler receives it and checks it is still the
// live one before mutating anything.
type Session struct {
	User    *domain.User
	Room    domain.RoomCode
	Creator bool

	track   media.Track
	peers   *peer.Manager
	tracker *presence.Tracker
	channel *signal.Channel
	cancels []store.CancelFunc

	callActive bool
	elapsed    int
	timerStop  chan struct{}

	// closing guards every late-arriving asynchronous completion once
	// teardown has begun.
	closing bool

	lastOnline int
}

func (s *Session) addCancel(c store.CancelFunc) {
	s.cancels = append(s.cancels, c)
}

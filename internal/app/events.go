package app

import (
	"fmt"
	"sort"

	"github.com/dkeye/Huddle/internal/domain"
)

// Status is the externally observable lifecycle state of the local session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusWaiting    Status = "waiting"
	StatusActive     Status = "active"
)

// RoomState snapshots everything the presentation layer renders.
type RoomState struct {
	Status       Status               `json:"status"`
	RoomCode     domain.RoomCode      `json:"roomCode,omitempty"`
	You          domain.UserID        `json:"you,omitempty"`
	IsCreator    bool                 `json:"isCreator"`
	OnlineCount  int                  `json:"onlineCount"`
	Muted        bool                 `json:"muted"`
	Participants []domain.Participant `json:"participants"`
}

// TimerTick is one second of call time.
type TimerTick struct {
	Seconds int    `json:"elapsedSeconds"`
	Display string `json:"display"`
}

// Sink receives session events. The httpapi adapter implements it; tests use
// a recording fake.
type Sink interface {
	RoomStateChanged(RoomState)
	CallTimerTick(TimerTick)
	// Notice is a blocking user notification (kick, host leave, join failure).
	Notice(text string)
}

// FormatElapsed renders seconds as mm:ss, the way the call timer displays it.
func FormatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func sortedParticipants(m map[domain.UserID]domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

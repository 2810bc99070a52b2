package domain

import "time"

// Status is the live presence state of a participant.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusKicked  Status = "kicked"
	StatusOffline Status = "offline"
)

// Participant mirrors a participant document in the shared store. Records are
// never physically removed while the room exists; departure is expressed by
// IsOnline=false so kick/leave history survives the room's lifetime.
type Participant struct {
	UserID    UserID    `json:"userId"`
	UserName  string    `json:"userName"`
	IsOnline  bool      `json:"isOnline"`
	IsCreator bool      `json:"isCreator"`
	Status    Status    `json:"status"`
	JoinedAt  time.Time `json:"joinedAt"`
	LastSeen  time.Time `json:"lastSeen"`
	LeftAt    time.Time `json:"leftAt,omitempty"`
}

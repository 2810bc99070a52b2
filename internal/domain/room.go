package domain

import (
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

type RoomCode string

const MaxParticipants = 5

var roomCodeRe = regexp.MustCompile(`^[1-9][0-9]{3}$`)

// Room mirrors the room document in the shared store. ParticipantCount is a
// best-effort counter; the participant snapshot is authoritative for
// online-set membership.
type Room struct {
	Code             RoomCode  `json:"code"`
	CreatorID        UserID    `json:"creatorId"`
	CreatorName      string    `json:"creatorName"`
	ParticipantCount int       `json:"participantCount"`
	MaxParticipants  int       `json:"maxParticipants"`
	IsActive         bool      `json:"isActive"`
	Cancelled        bool      `json:"cancelled,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	EndedAt          time.Time `json:"endedAt,omitempty"`
}

// NewRoomCode returns a random 4-digit code in [1000, 9999].
func NewRoomCode() RoomCode {
	return RoomCode(strconv.Itoa(1000 + rand.Intn(9000)))
}

// ValidRoomCode reports whether s looks like a joinable room code.
func ValidRoomCode(s string) bool {
	return roomCodeRe.MatchString(s)
}

func (r *Room) Full() bool {
	return r.ParticipantCount >= r.MaxParticipants
}

// Package signal is the typed mailbox the peers negotiate through: offers,
// answers and connectivity candidates addressed to one participant, plus the
// host authority events (kick, host-leave). Messages are consumed at most
// once; after a handler runs, the document is deleted from the store.
package signal

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/domain"
)

// Collection names under rooms/<code>/. They match the store schema the
// clients share, so every field name here is wire format.
const (
	colOffers     = "offers"
	colAnswers    = "answers"
	colCandidates = "candidates"
	colHostLeave  = "hostLeaveEvents"
	colKicks      = "kickEvents"
)

// HostLeaveReason explains why the host tore the room down.
type HostLeaveReason string

const (
	ReasonEnded     HostLeaveReason = "ended"
	ReasonCancelled HostLeaveReason = "cancelled"
)

type offerDoc struct {
	From      domain.UserID             `json:"from"`
	To        domain.UserID             `json:"to"`
	Offer     webrtc.SessionDescription `json:"offer"`
	Timestamp time.Time                 `json:"timestamp"`
}

type answerDoc struct {
	From      domain.UserID             `json:"from"`
	To        domain.UserID             `json:"to"`
	Answer    webrtc.SessionDescription `json:"answer"`
	Timestamp time.Time                 `json:"timestamp"`
}

type candidateDoc struct {
	From      domain.UserID           `json:"from"`
	To        domain.UserID           `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Timestamp time.Time               `json:"timestamp"`
}

// HostLeave is broadcast: it has no addressee, every non-host listens for it.
type HostLeave struct {
	HostID    domain.UserID   `json:"hostId"`
	HostName  string          `json:"hostName"`
	Reason    HostLeaveReason `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

type Kick struct {
	TargetUserID domain.UserID `json:"targetUserId"`
	KickedBy     domain.UserID `json:"kickedBy"`
	Timestamp    time.Time     `json:"timestamp"`
}

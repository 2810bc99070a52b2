package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/media"
)

// State is the connection-state tag of one PeerSession.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	// StateClosed is terminal; renegotiation needs a fresh PeerSession.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PeerSession pairs the opaque media session for one remote participant with
// its negotiation bookkeeping. Owned exclusively by the local Manager; at
// most one exists per remote identifier at any time.
type PeerSession struct {
	media media.Session
	state State

	// pendingAnswer holds at most one answer that arrived before the local
	// session was ready to accept it. A later answer overwrites an earlier one.
	pendingAnswer *webrtc.SessionDescription
}

func (p *PeerSession) State() State { return p.state }

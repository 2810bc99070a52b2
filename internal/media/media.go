// Package media declares the opaque audio-session capability the peer layer
// negotiates over. The production implementation lives in adapters/rtc;
// tests substitute fakes.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrAcquisition means the local audio track is unavailable. Fatal to
	// session creation, surfaced to the presentation layer, never retried.
	ErrAcquisition = errors.New("local media unavailable")
	// ErrNegotiation means an offer or answer was malformed or rejected.
	// The affected peer session is abandoned; the room continues.
	ErrNegotiation = errors.New("negotiation failed")
)

// Track is the local audio track shared by every peer session.
type Track interface {
	// SetMuted stops or resumes outgoing audio without tearing the track down.
	SetMuted(bool)
	Muted() bool
	// Stop releases the capture device. The track cannot be restarted.
	Stop()
}

// Session is one peer-to-peer audio session in negotiation terms. All blob
// types are SDP-shaped; candidates are ICE-shaped. Implementations must make
// Close idempotent.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// SignalingState reports where negotiation stands; the peer layer uses it
	// to decide whether a remote answer can be applied yet.
	SignalingState() webrtc.SignalingState
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close()
}

// Factory acquires the local track and spawns sessions bound to it.
type Factory interface {
	NewLocalTrack() (Track, error)
	NewSession(track Track) (Session, error)
}

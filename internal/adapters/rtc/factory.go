package rtc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	med "github.com/dkeye/Huddle/internal/media"
)

// Factory builds pion-backed sessions sharing one STUN configuration.
type Factory struct {
	cfg webrtc.Configuration
}

var _ med.Factory = (*Factory)(nil)

func NewFactory(stunURLs []string) *Factory {
	if len(stunURLs) == 0 {
		stunURLs = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	return &Factory{cfg: webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}}
}

func (f *Factory) NewLocalTrack() (med.Track, error) {
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "huddle",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", med.ErrAcquisition, err)
	}
	return &localTrack{t: t}, nil
}

func (f *Factory) NewSession(track med.Track) (med.Session, error) {
	lt, _ := track.(*localTrack)
	conn, err := newConnection(f.cfg, lt)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return conn, nil
}

// localTrack wraps a static sample track. The capture pipeline feeding it is
// outside this process's scope; WriteSample is the injection point and the
// mute flag gates it.
type localTrack struct {
	t       *webrtc.TrackLocalStaticSample
	muted   atomic.Bool
	stopped atomic.Bool
}

var _ med.Track = (*localTrack)(nil)

func (l *localTrack) SetMuted(m bool) {
	l.muted.Store(m)
	log.Info().Str("module", "rtc").Bool("muted", m).Msg("local track mute")
}

func (l *localTrack) Muted() bool { return l.muted.Load() }

func (l *localTrack) Stop() {
	l.stopped.Store(true)
}

// WriteSample forwards one capture sample unless the track is muted or stopped.
func (l *localTrack) WriteSample(data []byte, dur time.Duration) error {
	if l.muted.Load() || l.stopped.Load() {
		return nil
	}
	return l.t.WriteSample(media.Sample{Data: data, Duration: dur})
}

package media

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// SampleSource produces pion static sample tracks the capture pipeline
// writes encoded frames into. It is the default Source; device-level
// failure modes surface as errors from the track constructors.
type SampleSource struct {
	streamID string
}

func NewSampleSource() *SampleSource {
	return &SampleSource{streamID: "capture-" + uuid.NewString()}
}

func (s *SampleSource) AudioTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", s.streamID,
	)
}

func (s *SampleSource) VideoTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", s.streamID,
	)
}

func (s *SampleSource) ScreenTrack() (webrtc.TrackLocal, <-chan struct{}, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", s.streamID,
	)
	if err != nil {
		return nil, nil, err
	}
	// Sample tracks have no platform stop button; the channel never fires.
	return track, make(chan struct{}), nil
}

package media_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/media"
)

var errDenied = errors.New("permission denied")

// fakeSource fails selectively so the fallback chain can be exercised.
type fakeSource struct {
	audioErr  error
	videoErr  error
	screenErr error
	ended     chan struct{}
}

func (f *fakeSource) AudioTrack() (webrtc.TrackLocal, error) {
	if f.audioErr != nil {
		return nil, f.audioErr
	}
	return mustTrack("audio"), nil
}

func (f *fakeSource) VideoTrack() (webrtc.TrackLocal, error) {
	if f.videoErr != nil {
		return nil, f.videoErr
	}
	return mustTrack("video"), nil
}

func (f *fakeSource) ScreenTrack() (webrtc.TrackLocal, <-chan struct{}, error) {
	if f.screenErr != nil {
		return nil, nil, f.screenErr
	}
	if f.ended == nil {
		f.ended = make(chan struct{})
	}
	return mustTrack("screen"), f.ended, nil
}

func mustTrack(kind string) webrtc.TrackLocal {
	mime := webrtc.MimeTypeOpus
	if kind != "audio" {
		mime = webrtc.MimeTypeVP8
	}
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind, "test")
	if err != nil {
		panic(err)
	}
	return tr
}

// fakeReplacer records video track substitutions.
type fakeReplacer struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	err    error
}

func (f *fakeReplacer) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tracks = append(f.tracks, t)
	return nil
}

func (f *fakeReplacer) replaced() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), f.tracks...)
}

func TestAcquireFullCapture(t *testing.T) {
	m := media.NewManager(&fakeSource{})
	cap := m.Acquire(context.Background())

	assert.True(t, cap.AudioAvailable)
	assert.True(t, cap.VideoAvailable)
	assert.Empty(t, cap.Warnings)
	assert.Len(t, cap.Tracks(), 2)
}

func TestAcquireAudioOnly(t *testing.T) {
	// Camera denied, microphone granted: audio-only result, not an error.
	m := media.NewManager(&fakeSource{videoErr: errDenied})
	cap := m.Acquire(context.Background())

	assert.True(t, cap.AudioAvailable)
	assert.False(t, cap.VideoAvailable)
	assert.Nil(t, cap.Video)
	require.Len(t, cap.Warnings, 1)
	assert.Contains(t, cap.Warnings[0], "camera")
	assert.Len(t, cap.Tracks(), 1)
}

func TestAcquireNothing(t *testing.T) {
	m := media.NewManager(&fakeSource{audioErr: errDenied, videoErr: errDenied})
	cap := m.Acquire(context.Background())

	assert.False(t, cap.AudioAvailable)
	assert.False(t, cap.VideoAvailable)
	assert.Len(t, cap.Warnings, 2)
	assert.Empty(t, cap.Tracks(), "empty capture still usable for joining")
}

func TestToggle(t *testing.T) {
	m := media.NewManager(&fakeSource{})
	cap := m.Acquire(context.Background())

	assert.True(t, cap.Audio.Enabled())
	assert.False(t, m.ToggleAudio())
	assert.False(t, cap.Audio.Enabled())
	assert.True(t, m.ToggleAudio())

	assert.False(t, m.ToggleVideo())
	assert.True(t, m.ToggleVideo())
}

func TestToggleWithoutDevice(t *testing.T) {
	m := media.NewManager(&fakeSource{audioErr: errDenied, videoErr: errDenied})
	m.Acquire(context.Background())

	assert.False(t, m.ToggleAudio())
	assert.False(t, m.ToggleVideo())
}

func TestDisabledTrackDropsSamples(t *testing.T) {
	m := media.NewManager(&fakeSource{})
	cap := m.Acquire(context.Background())

	sample := pionmedia.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}
	m.ToggleAudio()
	assert.NoError(t, cap.Audio.WriteSample(sample), "disabled track swallows samples")
}

func TestScreenShareReplaceAndRevert(t *testing.T) {
	src := &fakeSource{}
	rep := &fakeReplacer{}
	m := media.NewManager(src)
	m.SetReplacer(rep)
	cap := m.Acquire(context.Background())

	require.NoError(t, m.StartScreenShare(context.Background()))
	got := rep.replaced()
	require.Len(t, got, 1)
	assert.NotEqual(t, cap.Video.Local(), got[0], "screen track substituted")

	m.StopScreenShare()
	got = rep.replaced()
	require.Len(t, got, 2)
	assert.Equal(t, cap.Video.Local(), got[1], "camera track restored")

	// Stopping again is a no-op.
	m.StopScreenShare()
	assert.Len(t, rep.replaced(), 2)
}

func TestScreenShareExternalEnd(t *testing.T) {
	src := &fakeSource{ended: make(chan struct{})}
	rep := &fakeReplacer{}
	m := media.NewManager(src)
	m.SetReplacer(rep)
	m.Acquire(context.Background())

	require.NoError(t, m.StartScreenShare(context.Background()))

	// Platform UI stops the capture; the substitution reverts on its own.
	close(src.ended)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rep.replaced()) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("screen share did not revert after external end")
}

func TestScreenShareSourceFailure(t *testing.T) {
	m := media.NewManager(&fakeSource{screenErr: errDenied})
	m.SetReplacer(&fakeReplacer{})
	m.Acquire(context.Background())

	assert.ErrorIs(t, m.StartScreenShare(context.Background()), errDenied)
}

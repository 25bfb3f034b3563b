// Package media acquires local capture with a degrade-gracefully fallback
// chain and manages mute state and screen-capture track substitution. A
// participant with no working devices still joins; they are simply seen as
// present without media.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Source produces local tracks. Implementations wrap actual capture
// devices; tests and headless clients inject fakes. ScreenTrack's second
// return fires when the capture ends outside our control (platform UI),
// which must revert the substitution.
type Source interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
	ScreenTrack() (webrtc.TrackLocal, <-chan struct{}, error)
}

// TrackReplacer swaps the outgoing video track on every active peer
// connection. Implemented by the peer manager; replacement instead of
// re-adding avoids renegotiation.
type TrackReplacer interface {
	ReplaceVideoTrack(t webrtc.TrackLocal) error
}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// Track wraps a local track with a mute flag. A disabled track stays
// attached to its senders; samples are just dropped.
type Track struct {
	mu      sync.Mutex
	local   webrtc.TrackLocal
	enabled bool
}

func newTrack(t webrtc.TrackLocal) *Track {
	return &Track{local: t, enabled: true}
}

func (t *Track) Local() webrtc.TrackLocal {
	if t == nil {
		return nil
	}
	return t.local
}

func (t *Track) Enabled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Toggle flips the enabled flag and reports the new state.
func (t *Track) Toggle() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = !t.enabled
	return t.enabled
}

// WriteSample forwards to the underlying track while enabled.
func (t *Track) WriteSample(s media.Sample) error {
	if t == nil || !t.Enabled() {
		return nil
	}
	if w, ok := t.local.(sampleWriter); ok {
		return w.WriteSample(s)
	}
	return nil
}

// Capture is the result of an acquisition attempt. Audio/Video are nil when
// the matching AvailableX is false.
type Capture struct {
	Audio          *Track
	Video          *Track
	AudioAvailable bool
	VideoAvailable bool
	Warnings       []string
}

// Tracks lists the attached local tracks for peer connection setup.
func (c *Capture) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if c.AudioAvailable {
		out = append(out, c.Audio.Local())
	}
	if c.VideoAvailable {
		out = append(out, c.Video.Local())
	}
	return out
}

type Manager struct {
	source Source

	mu         sync.Mutex
	capture    *Capture
	screen     webrtc.TrackLocal
	screenStop chan struct{}
	replacer   TrackReplacer
}

func NewManager(source Source) *Manager {
	return &Manager{source: source}
}

// SetReplacer wires the peer manager in after both exist.
func (m *Manager) SetReplacer(r TrackReplacer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replacer = r
}

// Acquire attempts audio+video, then audio-only, then an empty capture.
// Each step's failure is caught and degrades the result; it never fails the
// join.
func (m *Manager) Acquire(ctx context.Context) *Capture {
	res := &Capture{}

	audio, err := m.source.AudioTrack()
	if err != nil {
		res.Warnings = append(res.Warnings, "microphone unavailable, joining without audio")
		log.Warn().Err(err).Str("module", "media").Msg("audio capture failed")
	} else {
		res.Audio = newTrack(audio)
		res.AudioAvailable = true
	}

	video, err := m.source.VideoTrack()
	if err != nil {
		res.Warnings = append(res.Warnings, "camera unavailable, joining without video")
		log.Warn().Err(err).Str("module", "media").Msg("video capture failed")
	} else {
		res.Video = newTrack(video)
		res.VideoAvailable = true
	}

	if !res.AudioAvailable && !res.VideoAvailable {
		log.Warn().Str("module", "media").Msg("no capture devices, joining with empty stream")
	}

	m.mu.Lock()
	m.capture = res
	m.mu.Unlock()
	return res
}

func (m *Manager) Capture() *Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture
}

// ToggleAudio flips the mute flag; no renegotiation. Returns the new
// enabled state, false when there is no audio track.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil || !m.capture.AudioAvailable {
		return false
	}
	return m.capture.Audio.Toggle()
}

func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil || !m.capture.VideoAvailable {
		return false
	}
	return m.capture.Video.Toggle()
}

// StartScreenShare substitutes a display-capture track for the camera
// track on every active peer connection. When the capture ends on its own
// the substitution reverts symmetrically.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	track, ended, err := m.source.ScreenTrack()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.screen != nil {
		m.mu.Unlock()
		return nil
	}
	replacer := m.replacer
	stop := make(chan struct{})
	m.screen = track
	m.screenStop = stop
	m.mu.Unlock()

	if replacer != nil {
		if err := replacer.ReplaceVideoTrack(track); err != nil {
			m.mu.Lock()
			m.screen = nil
			m.screenStop = nil
			m.mu.Unlock()
			return err
		}
	}
	log.Info().Str("module", "media").Msg("screen share started")

	go func() {
		select {
		case <-ended:
			log.Info().Str("module", "media").Msg("screen capture ended externally")
			m.StopScreenShare()
		case <-stop:
		}
	}()
	return nil
}

// StopScreenShare reverts to the camera track (or nil when video was never
// available). Safe to call when no share is active.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	if m.screen == nil {
		m.mu.Unlock()
		return
	}
	m.screen = nil
	close(m.screenStop)
	m.screenStop = nil
	replacer := m.replacer
	var camera webrtc.TrackLocal
	if m.capture != nil && m.capture.VideoAvailable {
		camera = m.capture.Video.Local()
	}
	m.mu.Unlock()

	if replacer != nil {
		if err := replacer.ReplaceVideoTrack(camera); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("revert screen share")
		}
	}
	log.Info().Str("module", "media").Msg("screen share stopped")
}

// Stop releases everything on leave.
func (m *Manager) Stop() {
	m.StopScreenShare()
	m.mu.Lock()
	m.capture = nil
	m.mu.Unlock()
	if c, ok := m.source.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("close capture source")
		}
	}
}

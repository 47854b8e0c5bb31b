// Package media acquires and releases the local camera and microphone
// tracks for a call session.
package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
)

// LocalSink receives the local preview stream.
type LocalSink interface {
	SetStream(mediadevices.MediaStream)
	Clear()
}

// Selection names the chosen capture devices. Empty IDs mean the system
// default device.
type Selection struct {
	VideoDeviceID string
	AudioDeviceID string
}

// Manager owns the local media stream for one session. A failed
// acquisition degrades to an empty stream so an audio/video-less
// participant can still join the call.
type Manager struct {
	logger        *zap.Logger
	codecSelector *mediadevices.CodecSelector
	sink          LocalSink

	// test seam; defaults to mediadevices.GetUserMedia
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

	mu     sync.Mutex
	stream mediadevices.MediaStream
}

// NewManager builds a manager with VP8 and Opus encoders configured the
// same way for every session.
func NewManager(sink LocalSink, logger *zap.Logger) (*Manager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &Manager{
		logger: logger.Named("media"),
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		sink:         sink,
		getUserMedia: mediadevices.GetUserMedia,
	}, nil
}

// CodecSelector exposes the configured encoders so the peer connection's
// media engine can register the same codecs.
func (m *Manager) CodecSelector() *mediadevices.CodecSelector {
	return m.codecSelector
}

// Acquire requests camera and microphone tracks matching the selection.
// On failure (no permission, no device) it logs and leaves the stream
// empty instead of failing the join.
func (m *Manager) Acquire(sel Selection) {
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if sel.VideoDeviceID != "" {
				c.DeviceID = prop.String(sel.VideoDeviceID)
			}
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if sel.AudioDeviceID != "" {
				c.DeviceID = prop.String(sel.AudioDeviceID)
			}
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: m.codecSelector,
	}

	stream, err := m.getUserMedia(constraints)
	if err != nil {
		m.logger.Warn("media acquisition failed, continuing without local tracks",
			zap.String("video_device", sel.VideoDeviceID),
			zap.String("audio_device", sel.AudioDeviceID),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SetStream(stream)
	}
	m.logger.Info("local media acquired", zap.Int("tracks", len(stream.GetTracks())))
}

// Tracks returns the acquired local tracks, possibly none.
func (m *Manager) Tracks() []mediadevices.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	return m.stream.GetTracks()
}

// Release stops every acquired track and detaches the local sink.
// Idempotent: calling it again, or without a prior Acquire, does nothing.
func (m *Manager) Release() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream != nil {
		for _, track := range stream.GetTracks() {
			if err := track.Close(); err != nil {
				m.logger.Warn("closing local track", zap.Error(err))
			}
		}
	}
	if m.sink != nil {
		m.sink.Clear()
	}
}

// EnumerateDevices lists the available cameras and microphones for the
// device-confirmation step.
func EnumerateDevices() (cameras, microphones []mediadevices.MediaDeviceInfo) {
	for _, device := range mediadevices.EnumerateDevices() {
		switch device.Kind {
		case mediadevices.VideoInput:
			cameras = append(cameras, device)
		case mediadevices.AudioInput:
			microphones = append(microphones, device)
		}
	}
	return cameras, microphones
}

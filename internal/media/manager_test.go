package media

import (
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"
)

type recordingSink struct {
	setCalls   int
	clearCalls int
	stream     mediadevices.MediaStream
}

func (s *recordingSink) SetStream(stream mediadevices.MediaStream) {
	s.setCalls++
	s.stream = stream
}

func (s *recordingSink) Clear() {
	s.clearCalls++
	s.stream = nil
}

type emptyStream struct{}

func (emptyStream) GetAudioTracks() []mediadevices.Track { return nil }
func (emptyStream) GetVideoTracks() []mediadevices.Track { return nil }
func (emptyStream) GetTracks() []mediadevices.Track      { return nil }
func (emptyStream) AddTrack(t mediadevices.Track)        {}
func (emptyStream) RemoveTrack(t mediadevices.Track)     {}

func newTestManager(t *testing.T, sink LocalSink) *Manager {
	t.Helper()
	m, err := NewManager(sink, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestAcquireDegradesOnFailure(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, sink)
	m.getUserMedia = func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		return nil, errors.New("permission denied")
	}

	m.Acquire(Selection{VideoDeviceID: "cam0", AudioDeviceID: "mic0"})

	if tracks := m.Tracks(); tracks != nil {
		t.Fatalf("Tracks() = %d tracks after failed acquire, want none", len(tracks))
	}
	if sink.setCalls != 0 {
		t.Fatal("sink was attached despite acquisition failure")
	}
}

func TestAcquireAttachesSink(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, sink)
	m.getUserMedia = func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		return emptyStream{}, nil
	}

	m.Acquire(Selection{})

	if sink.setCalls != 1 {
		t.Fatalf("sink.SetStream called %d times, want 1", sink.setCalls)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, sink)
	m.getUserMedia = func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		return emptyStream{}, nil
	}

	m.Acquire(Selection{})
	m.Release()
	m.Release()

	if sink.stream != nil {
		t.Fatal("local sink still holds a stream after Release")
	}
	if m.Tracks() != nil {
		t.Fatal("Tracks() not empty after Release")
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, sink)

	// Nothing acquired; Release must still be safe and leave the sink empty.
	m.Release()
	m.Release()

	if sink.clearCalls == 0 {
		t.Fatal("sink.Clear not called")
	}
}

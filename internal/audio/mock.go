package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hearsaylabs/hearsay/internal/config"
)

// mockCapture synthesizes a 440 Hz tone paced at the configured frame rate.
// It stands in for a microphone on machines without one and in tests.
type mockCapture struct{}

func NewMockCapture() Capture {
	return &mockCapture{}
}

func (m *mockCapture) Start(cfg config.CaptureConfig) (Session, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FrameDurationMS <= 0 {
		return nil, errors.New("mock capture needs positive sample rate, channels, frame duration")
	}
	return &mockSession{
		cfg:   cfg,
		frame: FrameBytes(cfg),
		pace:  time.Duration(cfg.FrameDurationMS) * time.Millisecond,
	}, nil
}

type mockSession struct {
	cfg   config.CaptureConfig
	frame int
	pace  time.Duration

	mu      sync.Mutex
	stopped bool
	pending []byte
	phase   float64
}

func (s *mockSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, errors.New("capture stopped")
	}
	if len(s.pending) == 0 {
		s.pending = s.nextFrame()
		s.mu.Unlock()
		time.Sleep(s.pace)
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return 0, errors.New("capture stopped")
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *mockSession) nextFrame() []byte {
	samples := s.frame / 2
	out := make([]byte, s.frame)
	step := 2 * math.Pi * 440 / float64(s.cfg.SampleRate)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(s.phase) * 0.25 * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		if (i+1)%s.cfg.Channels == 0 {
			s.phase += step
		}
	}
	return out
}

func (s *mockSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrInjected is returned by a MockSource after its configured failure point.
var ErrInjected = errors.New("injected source failure")

// MockSource plays back pre-recorded frames for testing.
type MockSource struct {
	id        string
	frames    []*gocv.Mat
	index     int
	loop      bool
	delay     time.Duration
	failAfter int
	reads     int
	openErr   error
	mu        sync.Mutex
	running   bool
	closed    int
}

// NewMockSource returns a source that clones frames in order. Without loop
// it reports ErrEndOfStream after the last frame.
func NewMockSource(id string, frames []*gocv.Mat, loop bool) *MockSource {
	return &MockSource{
		id:        id,
		frames:    frames,
		loop:      loop,
		failAfter: -1,
	}
}

// WithDelay makes every read block for d before returning.
func (s *MockSource) WithDelay(d time.Duration) *MockSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// WithFailAfter makes reads fail with ErrInjected after n successful reads.
func (s *MockSource) WithFailAfter(n int) *MockSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	return s
}

// WithOpenError makes Open fail with err.
func (s *MockSource) WithOpenError(err error) *MockSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
	return s
}

func (s *MockSource) ID() string { return s.id }

func (s *MockSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.running = true
	s.index = 0
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closed++
	return nil
}

func (s *MockSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrSourceNotOpen
	}

	if s.failAfter >= 0 && s.reads >= s.failAfter {
		return nil, fmt.Errorf("%s: %w", s.id, ErrInjected)
	}

	if len(s.frames) == 0 {
		return nil, ErrEndOfStream
	}

	if s.index >= len(s.frames) {
		if !s.loop {
			return nil, ErrEndOfStream
		}
		s.index = 0
	}

	// Clone the frame so the original isn't modified
	frame := s.frames[s.index].Clone()
	s.index++
	s.reads++

	return &frame, nil
}

func (s *MockSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reads returns the number of frames delivered so far.
func (s *MockSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Closed returns how many times Close was called.
func (s *MockSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reset restarts playback from the beginning
func (s *MockSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = 0
}

// Package capture provides camera sources and device enumeration using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Default capture settings
const (
	DefaultFPS    = 30
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrSourceNotOpen is returned when reading from a source that is not open.
	ErrSourceNotOpen = errors.New("source is not open")
	// ErrEndOfStream is returned once a finite source has no more frames.
	ErrEndOfStream = errors.New("end of stream")
)

// Source is one camera's frame stream.
type Source interface {
	// ID names the source; device sources use their device number.
	ID() string
	Open() error
	Close() error
	// ReadFrame blocks until the next frame. The caller owns the returned Mat.
	ReadFrame() (*gocv.Mat, error)
	IsOpen() bool
}

// videoSource reads from a GoCV VideoCapture, either a device or a file.
type videoSource struct {
	id      string
	device  int
	file    string
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
	fps     int
}

// NewDeviceSource creates a source reading camera device deviceID.
func NewDeviceSource(deviceID int) Source {
	return &videoSource{
		id:     fmt.Sprintf("device:%d", deviceID),
		device: deviceID,
		fps:    DefaultFPS,
	}
}

// NewFileSource creates a source playing back a video file. Reading past the
// last frame returns ErrEndOfStream.
func NewFileSource(path string) Source {
	return &videoSource{
		id:     "file:" + path,
		device: -1,
		file:   path,
		fps:    DefaultFPS,
	}
}

func (s *videoSource) ID() string { return s.id }

// Open opens the underlying capture. Device sources are set to 640x480.
func (s *videoSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if s.file != "" {
		capture, err = gocv.VideoCaptureFile(s.file)
	} else {
		capture, err = gocv.OpenVideoCapture(s.device)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", s.id, err)
	}

	if s.file == "" {
		capture.Set(gocv.VideoCaptureFrameWidth, DefaultWidth)
		capture.Set(gocv.VideoCaptureFrameHeight, DefaultHeight)
		capture.Set(gocv.VideoCaptureFPS, float64(s.fps))
	}

	s.capture = capture
	s.running = true

	return nil
}

// Close releases the capture.
func (s *videoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		s.running = false
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	s.running = false

	return err
}

func (s *videoSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		if s.file != "" {
			return nil, ErrEndOfStream
		}
		return nil, fmt.Errorf("read %s: no frame", s.id)
	}

	return &mat, nil
}

func (s *videoSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

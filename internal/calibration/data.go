// Package calibration estimates and carries the geometric parameters of the
// cameras of one pipeline.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
)

var (
	// ErrInsufficientData is returned when the accumulated observations cannot
	// determine the cameras.
	ErrInsufficientData = errors.New("insufficient calibration data")
	// ErrInvalidData is returned for snapshots that fail validation.
	ErrInvalidData = errors.New("invalid calibration data")
)

// Data is an immutable calibration snapshot for every camera of a pipeline.
// Updates replace the whole value; the fields must not be modified after
// construction.
type Data struct {
	ID        string             `json:"id"`
	Version   uint64             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Cameras   []CameraParameters `json:"cameras"`
	// RMS is the mean reprojection error in pixels, 0 when unknown.
	RMS float64 `json:"rms"`
}

// NewData builds a snapshot from per-camera parameters. The slice is copied.
func NewData(cameras []CameraParameters) (*Data, error) {
	d := &Data{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Cameras:   append([]CameraParameters(nil), cameras...),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Arity returns the number of cameras described.
func (d *Data) Arity() int {
	return len(d.Cameras)
}

// Camera returns the parameters of camera cam.
func (d *Data) Camera(cam frame.CameraIndex) CameraParameters {
	return d.Cameras[cam]
}

// WithVersion returns a copy of d carrying version v.
func (d *Data) WithVersion(v uint64) *Data {
	c := *d
	c.Cameras = append([]CameraParameters(nil), d.Cameras...)
	c.Version = v
	return &c
}

// Validate checks the arity and every camera matrix.
func (d *Data) Validate() error {
	if n := len(d.Cameras); n < 1 || n > frame.MaxArity {
		return fmt.Errorf("%w: arity %d", ErrInvalidData, n)
	}
	for i, c := range d.Cameras {
		if !c.Valid() {
			return fmt.Errorf("%w: camera %d", ErrInvalidData, i)
		}
	}
	return nil
}

// Marshal encodes d as JSON.
func (d *Data) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal decodes and validates a JSON snapshot.
func Unmarshal(b []byte) (*Data, error) {
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode calibration: %w", err)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

package tracker

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
)

// State is the track state of one camera.
type State int

const (
	Uninitialized State = iota
	Tracking
	Lost
)

func (s State) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return "uninitialized"
	}
}

type camera struct {
	state   State
	data    Data
	last    geometry.Mark
	pending *geometry.Mark
	motion  *capture.MotionDetector
}

// Tracker follows one target across every camera of a pipeline. It is not
// safe for concurrent use; the controller drives it from one goroutine.
type Tracker struct {
	algo       Algorithm
	arity      int
	margin     int
	threshold  float64
	epiMargin  int
	seedRadius float64
	markType   int
	cams       [frame.MaxArity]camera
}

// New returns a tracker with every camera uninitialized.
func New(algo Algorithm, arity int, p params.Parameters) *Tracker {
	t := &Tracker{
		algo:       algo,
		arity:      arity,
		margin:     p.Int(params.SearchMargin),
		threshold:  p.Get(params.MatchThreshold),
		epiMargin:  p.Int(params.EpilineMargin),
		seedRadius: p.Get(params.TemplateRadius),
		markType:   p.Int(params.MarkType),
	}
	if p.Bool(params.AutoSeed) {
		for i := 0; i < arity; i++ {
			t.cams[i].motion = capture.NewMotionDetector(p.Get(params.MotionThreshold))
		}
	}
	return t
}

// State returns the track state of camera cam.
func (t *Tracker) State(cam frame.CameraIndex) State {
	return t.cams[cam].state
}

// Last returns the last mark found in camera cam.
func (t *Tracker) Last(cam frame.CameraIndex) geometry.Mark {
	return t.cams[cam].last
}

// SetMark (re)initializes camera cam from mark in img. On failure the
// previous track data is kept.
func (t *Tracker) SetMark(cam frame.CameraIndex, img gocv.Mat, mark geometry.Mark) error {
	if int(cam) < 0 || int(cam) >= t.arity {
		return fmt.Errorf("camera %d outside arity %d", cam, t.arity)
	}
	data, err := t.algo.Initialize(img, mark)
	if err != nil {
		return err
	}

	c := &t.cams[cam]
	if c.data != nil {
		c.data.Close()
	}
	c.data = data
	c.last = mark
	c.state = Tracking
	diagf("camera %d: %s track initialized at (%.1f, %.1f)", cam, t.algo.Name(), mark.Center.X, mark.Center.Y)
	return nil
}

// Seed queues mark to initialize camera cam with its next frame.
func (t *Tracker) Seed(cam frame.CameraIndex, mark geometry.Mark) {
	if int(cam) < 0 || int(cam) >= t.arity {
		return
	}
	t.cams[cam].pending = &mark
}

// Track searches every frame of fs and returns the target's marks. When
// calib is known, cameras after the first hit this cycle are searched only
// along the epipolar band of that hit.
func (t *Tracker) Track(fs *frame.Frameset, calib *calibration.Data) geometry.Markset {
	ms := geometry.Markset{Seq: fs.Seq}

	anchor := frame.CameraIndex(-1)
	for _, cam := range fs.Cameras() {
		if int(cam) >= t.arity {
			continue
		}
		f := fs.Get(cam)
		c := &t.cams[cam]

		if c.motion != nil {
			c.motion.Detect(&f.Image)
		}

		if mark, ok := t.reseed(cam, f.Image); ok {
			ms.Set(cam, mark)
			if anchor < 0 {
				anchor = cam
			}
			continue
		}

		if c.state != Tracking {
			continue
		}

		roi := c.last.Bounds().Inset(-t.margin)
		var mask *gocv.Mat
		if anchor >= 0 && calib != nil && calib.Arity() == t.arity && t.epiMargin > 0 {
			if m, ok := EpipolarMask(calib, anchor, cam, ms.Get(anchor).Center, f.Image.Cols(), f.Image.Rows(), t.epiMargin); ok {
				mask = &m
			}
		}

		mark, ok := t.algo.Search(f.Image, c.data, &roi, mask, t.threshold)
		if mask != nil {
			mask.Close()
		}
		if !ok {
			c.state = Lost
			diagf("camera %d: track lost near (%.1f, %.1f)", cam, c.last.Center.X, c.last.Center.Y)
			continue
		}

		c.last = mark
		ms.Set(cam, mark)
		if anchor < 0 {
			anchor = cam
		}
	}

	return ms
}

// reseed applies a queued seed, or a motion seed for a camera that is not
// tracking.
func (t *Tracker) reseed(cam frame.CameraIndex, img gocv.Mat) (geometry.Mark, bool) {
	c := &t.cams[cam]

	if c.pending != nil {
		seed := *c.pending
		c.pending = nil
		if err := t.SetMark(cam, img, seed); err != nil {
			opsf("camera %d: seed rejected: %v", cam, err)
		} else {
			return seed, true
		}
	}

	if c.state == Tracking || c.motion == nil {
		return geometry.Mark{}, false
	}
	region := c.motion.Region()
	if region.Empty() {
		return geometry.Mark{}, false
	}
	seed := t.motionSeed(region)
	if err := t.SetMark(cam, img, seed); err != nil {
		tracef("camera %d: motion seed rejected: %v", cam, err)
		return geometry.Mark{}, false
	}
	return seed, true
}

func (t *Tracker) motionSeed(region image.Rectangle) geometry.Mark {
	center := geometry.Pt(region.Min.Add(region.Max).Div(2))
	if t.markType == params.MarkRectangle {
		return geometry.Rectangle(center, float64(region.Dx()), float64(region.Dy()))
	}
	return geometry.Circle(center, t.seedRadius)
}

// Close releases every track.
func (t *Tracker) Close() {
	for i := range t.cams {
		c := &t.cams[i]
		if c.data != nil {
			c.data.Close()
			c.data = nil
		}
		if c.motion != nil {
			c.motion.Close()
		}
		c.state = Uninitialized
	}
}

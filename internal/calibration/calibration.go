package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
)

// View holds the pattern corners each camera saw in one frameset; nil for
// cameras that did not see the whole pattern.
type View [frame.MaxArity][]geometry.Point2

// CameraCalibration accumulates pattern observations and estimates the
// cameras of one pipeline. It is not safe for concurrent use.
type CameraCalibration struct {
	pattern  Pattern
	object   []r3.Vec
	arity    int
	minViews int
	minShift float64

	views [frame.MaxArity][][]geometry.Point2
	// joint is the first view seen by every camera; it fixes the world frame.
	joint *View
}

// New returns an empty calibration for arity cameras.
func New(arity int, pattern Pattern, p params.Parameters) *CameraCalibration {
	return &CameraCalibration{
		pattern:  pattern,
		object:   pattern.ObjectPoints(),
		arity:    arity,
		minViews: p.Int(params.CalibrationMinViews),
		minShift: p.Get(params.CalibrationMinShift),
	}
}

// Add detects the pattern in every frame of fs and records the result.
// It returns the number of cameras that gained a view.
func (c *CameraCalibration) Add(fs *frame.Frameset) int {
	var v View
	for _, cam := range fs.Cameras() {
		if int(cam) >= c.arity {
			continue
		}
		if pts, ok := c.pattern.Detect(fs.Get(cam).Image); ok {
			v[cam] = pts
		}
	}
	return c.AddView(v)
}

// AddView records one set of detections. Detections with the wrong number
// of corners are ignored; detections too close to the previous view of the
// same camera do not count as distinct.
func (c *CameraCalibration) AddView(v View) int {
	all := true
	for cam := 0; cam < c.arity; cam++ {
		if len(v[cam]) != len(c.object) {
			v[cam] = nil
			all = false
		}
	}
	if all && c.joint == nil {
		joint := v
		c.joint = &joint
	}

	added := 0
	for cam := 0; cam < c.arity; cam++ {
		if v[cam] == nil {
			continue
		}
		views := c.views[cam]
		if n := len(views); n > 0 && meanDisplacement(views[n-1], v[cam]) < c.minShift {
			continue
		}
		c.views[cam] = append(views, v[cam])
		added++
	}
	return added
}

func meanDisplacement(a, b []geometry.Point2) float64 {
	var sum float64
	for i := range a {
		sum += a[i].Dist(b[i])
	}
	return sum / float64(len(a))
}

// Progress returns the number of distinct views per camera.
func (c *CameraCalibration) Progress() []int {
	out := make([]int, c.arity)
	for cam := range out {
		out[cam] = len(c.views[cam])
	}
	return out
}

// Ready reports whether Finalize has enough observations to try.
func (c *CameraCalibration) Ready() bool {
	if c.joint == nil {
		return false
	}
	for _, n := range c.Progress() {
		if n < c.minViews {
			return false
		}
	}
	return true
}

// Finalize estimates every camera. The world frame is the pattern frame of
// the first view shared by all cameras.
func (c *CameraCalibration) Finalize() (*Data, error) {
	for cam, n := range c.Progress() {
		if n < c.minViews {
			return nil, fmt.Errorf("%w: camera %d has %d of %d views", ErrInsufficientData, cam, n, c.minViews)
		}
	}
	if c.joint == nil {
		return nil, fmt.Errorf("%w: no view shared by all cameras", ErrInsufficientData)
	}

	cameras := make([]CameraParameters, c.arity)
	var sq float64
	var count int
	for cam := 0; cam < c.arity; cam++ {
		cp, s, n, err := c.camera(cam)
		if err != nil {
			return nil, fmt.Errorf("camera %d: %w", cam, err)
		}
		cameras[cam] = cp
		sq += s
		count += n
	}

	d, err := NewData(cameras)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	if count > 0 {
		d.RMS = math.Sqrt(sq / float64(count))
	}
	return d, nil
}

func (c *CameraCalibration) camera(cam int) (CameraParameters, float64, int, error) {
	views := c.views[cam]

	hs := make([]*mat.Dense, len(views))
	for i, pts := range views {
		h, err := homography(c.object, pts)
		if err != nil {
			return CameraParameters{}, 0, 0, err
		}
		hs[i] = h
	}

	k, err := intrinsics(hs, views)
	if err != nil {
		return CameraParameters{}, 0, 0, err
	}

	poses := make([]pose, len(views))
	for i, h := range hs {
		if poses[i], err = extrinsics(k, h); err != nil {
			return CameraParameters{}, 0, 0, err
		}
	}
	var lens CameraParameters
	copy(lens.Intrinsics[:], mat.DenseCopyOf(k).RawMatrix().Data)
	lens.Distortion[0], lens.Distortion[1] = radialDistortion(k, c.object, views, poses)
	lens, poses = refine(lens, c.object, views, poses)

	hj, err := homography(c.object, c.joint[cam])
	if err != nil {
		return CameraParameters{}, 0, 0, err
	}
	world, err := extrinsics(lens.K(), hj)
	if err != nil {
		return CameraParameters{}, 0, 0, err
	}
	out := world.place(lens)

	var sq float64
	var n int
	for i, pts := range views {
		s, m := reprojectionError(poses[i].place(out), c.object, pts)
		sq += s
		n += m
	}
	return out, sq, n, nil
}

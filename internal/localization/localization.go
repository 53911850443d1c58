// Package localization triangulates 3D positions from the marks a target
// leaves in several calibrated cameras.
package localization

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

var (
	ErrNoCalibration = errors.New("no calibration")
	ErrTooFewViews   = errors.New("too few views")
	ErrDegenerate    = errors.New("degenerate ray configuration")
)

// maxCondition bounds the condition number of the normal equations; rays
// that are (nearly) parallel exceed it.
const maxCondition = 1e10

// Localization holds the active calibration snapshot. Locate may run
// concurrently with SetCalibration; every call sees exactly one snapshot.
type Localization struct {
	calib atomic.Pointer[calibration.Data]
}

// New returns a localization using calib, which may be nil.
func New(calib *calibration.Data) *Localization {
	l := &Localization{}
	l.calib.Store(calib)
	return l
}

// SetCalibration publishes a new snapshot. Nil clears the calibration.
func (l *Localization) SetCalibration(d *calibration.Data) {
	l.calib.Store(d)
}

// Calibration returns the active snapshot, nil when uncalibrated.
func (l *Localization) Calibration() *calibration.Data {
	return l.calib.Load()
}

// Locate triangulates the target seen in ms.
func (l *Localization) Locate(ms geometry.Markset) (geometry.Posit, error) {
	return locate(l.calib.Load(), ms)
}

// LocateAll triangulates every markset of one cycle against the same
// snapshot. Targets that cannot be located yield an invalid posit.
func (l *Localization) LocateAll(seq uint64, sets []geometry.Markset) geometry.Positset {
	calib := l.calib.Load()
	ps := geometry.Positset{Seq: seq, Posits: make([]geometry.Posit, len(sets))}
	for i, ms := range sets {
		ps.Posits[i], _ = locate(calib, ms)
	}
	return ps
}

func locate(calib *calibration.Data, ms geometry.Markset) (geometry.Posit, error) {
	if calib == nil {
		return geometry.Posit{}, ErrNoCalibration
	}

	var origins, dirs []r3.Vec
	for cam := 0; cam < calib.Arity() && cam < frame.MaxArity; cam++ {
		m := ms.Get(frame.CameraIndex(cam))
		if !m.Valid {
			continue
		}
		o, d := calib.Camera(frame.CameraIndex(cam)).Ray(m.Center)
		origins = append(origins, o)
		dirs = append(dirs, d)
	}

	posit := geometry.Posit{Views: len(dirs), CalibrationVersion: calib.Version}
	if len(dirs) < 2 {
		return posit, fmt.Errorf("%w: %d", ErrTooFewViews, len(dirs))
	}

	p, err := Triangulate(origins, dirs)
	if err != nil {
		return posit, err
	}
	posit.Valid = true
	posit.Point = p
	posit.Residual = Residual(p, origins, dirs)
	return posit, nil
}

// Triangulate returns the point minimizing the sum of squared distances to
// the rays origins[i] + s*dirs[i]. The directions must be unit vectors.
func Triangulate(origins, dirs []r3.Vec) (r3.Vec, error) {
	if len(dirs) < 2 || len(origins) != len(dirs) {
		return r3.Vec{}, fmt.Errorf("%w: %d", ErrTooFewViews, len(dirs))
	}

	// Normal equations: sum(I - d d^T) x = sum(I - d d^T) o.
	a := mat.NewDense(3, 3, nil)
	b := mat.NewVecDense(3, nil)
	for i, d := range dirs {
		dv := [3]float64{d.X, d.Y, d.Z}
		o := [3]float64{origins[i].X, origins[i].Y, origins[i].Z}
		for r := 0; r < 3; r++ {
			var br float64
			for c := 0; c < 3; c++ {
				v := -dv[r] * dv[c]
				if r == c {
					v++
				}
				a.Set(r, c, a.At(r, c)+v)
				br += v * o[c]
			}
			b.SetVec(r, b.AtVec(r)+br)
		}
	}

	if c := mat.Cond(a, 2); math.IsInf(c, 1) || c > maxCondition {
		return r3.Vec{}, ErrDegenerate
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return r3.Vec{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, nil
}

// Residual returns the RMS distance of p to the rays.
func Residual(p r3.Vec, origins, dirs []r3.Vec) float64 {
	if len(dirs) == 0 {
		return 0
	}
	var sum float64
	for i, d := range dirs {
		v := r3.Sub(p, origins[i])
		perp := r3.Sub(v, r3.Scale(r3.Dot(v, d), d))
		sum += r3.Dot(perp, perp)
	}
	return math.Sqrt(sum / float64(len(dirs)))
}

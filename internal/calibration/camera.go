package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// CameraParameters is the pinhole model of one camera.
//
// Intrinsics is the row-major 3x3 camera matrix. Distortion holds the
// coefficients k1, k2, p1, p2, k3. Rotation (row-major) and Translation map
// world coordinates into the camera frame: Xc = R*Xw + t.
type CameraParameters struct {
	Intrinsics  [9]float64 `json:"intrinsics"`
	Distortion  [5]float64 `json:"distortion"`
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
}

// NewCameraParameters builds parameters without distortion.
func NewCameraParameters(fx, fy, cx, cy float64, rotation [9]float64, translation r3.Vec) CameraParameters {
	return CameraParameters{
		Intrinsics:  [9]float64{fx, 0, cx, 0, fy, cy, 0, 0, 1},
		Rotation:    rotation,
		Translation: [3]float64{translation.X, translation.Y, translation.Z},
	}
}

// Identity is the rotation matrix of a camera aligned with the world axes.
var Identity = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// R returns the rotation as a 3x3 matrix.
func (c CameraParameters) R() *r3.Mat {
	return r3.NewMat(c.Rotation[:])
}

// K returns the camera matrix.
func (c CameraParameters) K() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), c.Intrinsics[:]...))
}

// T returns the translation vector.
func (c CameraParameters) T() r3.Vec {
	return r3.Vec{X: c.Translation[0], Y: c.Translation[1], Z: c.Translation[2]}
}

// Center returns the camera center in world coordinates, -R^T t.
func (c CameraParameters) Center() r3.Vec {
	return r3.Scale(-1, c.R().MulVecTrans(c.T()))
}

// Project maps a world point to pixel coordinates. It reports false for
// points at or behind the image plane.
func (c CameraParameters) Project(p r3.Vec) (geometry.Point2, bool) {
	pc := r3.Add(c.R().MulVec(p), c.T())
	if pc.Z <= 0 {
		return geometry.Point2{}, false
	}
	return c.pixel(c.distort(pc.X/pc.Z, pc.Y/pc.Z)), true
}

func (c CameraParameters) pixel(x, y float64) geometry.Point2 {
	k := c.Intrinsics
	return geometry.Point2{
		X: k[0]*x + k[1]*y + k[2],
		Y: k[4]*y + k[5],
	}
}

func (c CameraParameters) distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := c.Distortion[0], c.Distortion[1], c.Distortion[2], c.Distortion[3], c.Distortion[4]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// undistortIterations bounds the fixed-point inversion of the distortion model.
const undistortIterations = 20

// Undistort maps a pixel to ideal normalized image coordinates.
func (c CameraParameters) Undistort(p geometry.Point2) (float64, float64) {
	k := c.Intrinsics
	y0 := (p.Y - k[5]) / k[4]
	x0 := (p.X - k[2] - k[1]*y0) / k[0]

	if c.Distortion == [5]float64{} {
		return x0, y0
	}

	k1, k2, p1, p2, k3 := c.Distortion[0], c.Distortion[1], c.Distortion[2], c.Distortion[3], c.Distortion[4]
	x, y := x0, y0
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) / radial
		y = (y0 - dy) / radial
	}
	return x, y
}

// Ideal maps a pixel to where a distortion-free lens would image it.
func (c CameraParameters) Ideal(p geometry.Point2) geometry.Point2 {
	return c.pixel(c.Undistort(p))
}

// Distorted is the inverse of Ideal.
func (c CameraParameters) Distorted(p geometry.Point2) geometry.Point2 {
	k := c.Intrinsics
	y := (p.Y - k[5]) / k[4]
	x := (p.X - k[2] - k[1]*y) / k[0]
	return c.pixel(c.distort(x, y))
}

// Ray back-projects a pixel into a world ray with unit direction.
func (c CameraParameters) Ray(p geometry.Point2) (origin, dir r3.Vec) {
	x, y := c.Undistort(p)
	dir = r3.Unit(c.R().MulVecTrans(r3.Vec{X: x, Y: y, Z: 1}))
	return c.Center(), dir
}

// Valid reports whether the camera matrix is usable.
func (c CameraParameters) Valid() bool {
	for _, vs := range [][]float64{c.Intrinsics[:], c.Rotation[:], c.Translation[:]} {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	k := c.Intrinsics
	return k[0] > 0 && k[4] > 0 && k[8] == 1
}

// Fundamental returns the fundamental matrix F mapping a pixel x of camera
// from to its epipolar line l = F*x in camera to. Distortion is ignored.
func Fundamental(from, to CameraParameters) (*mat.Dense, error) {
	// Relative pose from -> to.
	var rel r3.Mat
	rel.Mul(to.R(), from.R().T())
	t := r3.Sub(to.T(), rel.MulVec(from.T()))

	var tx r3.Mat
	tx.Skew(t)

	var kFromInv, kToInv mat.Dense
	if err := kFromInv.Inverse(from.K()); err != nil {
		return nil, err
	}
	if err := kToInv.Inverse(to.K()); err != nil {
		return nil, err
	}

	var e, ke, f mat.Dense
	e.Mul(&tx, &rel)
	ke.Mul(kToInv.T(), &e)
	f.Mul(&ke, &kFromInv)
	return &f, nil
}

package calibration

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

const (
	// refineIterations bounds the nonlinear refinement of one camera.
	refineIterations = 200
	// hiddenPenalty is the squared error charged for a point behind the camera.
	hiddenPenalty = 1e8
	// lensParams are fx, fy, cx, cy, k1, k2, p1, p2; each view adds a
	// rotation increment and a translation.
	lensParams = 8
)

// refine minimizes the reprojection error of cam over every view, adjusting
// the camera matrix, k1, k2, p1, p2 and the view poses together. The
// estimate is returned unchanged when refinement does not improve it.
func refine(cam CameraParameters, obj []r3.Vec, views [][]geometry.Point2, poses []pose) (CameraParameters, []pose) {
	k, dist := cam.Intrinsics, cam.Distortion
	x0 := make([]float64, lensParams+6*len(poses))
	copy(x0, []float64{k[0], k[4], k[2], k[5], dist[0], dist[1], dist[2], dist[3]})
	// The search runs in units of these steps so every parameter moves on a
	// comparable scale.
	step := make([]float64, len(x0))
	copy(step, []float64{10, 10, 10, 10, 0.01, 0.01, 0.001, 0.001})
	for i, p := range poses {
		o := lensParams + 6*i
		x0[o+3], x0[o+4], x0[o+5] = p.T.X, p.T.Y, p.T.Z
		step[o], step[o+1], step[o+2] = 0.01, 0.01, 0.01
		step[o+3], step[o+4], step[o+5] = 1, 1, 1
	}

	unpack := func(u []float64) (CameraParameters, []pose) {
		x := make([]float64, len(u))
		for i := range u {
			x[i] = x0[i] + step[i]*u[i]
		}
		c := cam
		c.Intrinsics = [9]float64{x[0], k[1], x[2], 0, x[1], x[3], 0, 0, 1}
		c.Distortion = [5]float64{x[4], x[5], x[6], x[7], dist[4]}
		ps := make([]pose, len(poses))
		for i, p := range poses {
			o := lensParams + 6*i
			ps[i] = pose{R: rotate(x[o:o+3], p.R), T: r3.Vec{X: x[o+3], Y: x[o+4], Z: x[o+5]}}
		}
		return c, ps
	}
	cost := func(u []float64) float64 {
		c, ps := unpack(u)
		if !c.Valid() {
			return hiddenPenalty * float64(len(obj)*len(views))
		}
		var sum float64
		for i, pts := range views {
			s, n := reprojectionError(ps[i].place(c), obj, pts)
			sum += s + hiddenPenalty*float64(len(obj)-n)
		}
		return sum
	}

	u0 := make([]float64, len(x0))
	f0 := cost(u0)
	if f0 == 0 || math.IsNaN(f0) || math.IsInf(f0, 0) {
		return cam, poses
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, u []float64) {
			fd.Gradient(grad, cost, u, nil)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: refineIterations,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Relative: 1e-10, Iterations: 10},
	}
	// Minimize reports the best location even when it stops early.
	res, _ := optimize.Minimize(problem, u0, settings, &optimize.LBFGS{})
	if res == nil || !(res.F < f0) {
		return cam, poses
	}
	out, ps := unpack(res.X)
	if !out.Valid() {
		return cam, poses
	}
	return out, ps
}

// place moves c to pose p.
func (p pose) place(c CameraParameters) CameraParameters {
	c.Rotation = p.R
	c.Translation = [3]float64{p.T.X, p.T.Y, p.T.Z}
	return c
}

// rotate returns the rotation by the axis-angle vector w applied after r.
func rotate(w []float64, r [9]float64) [9]float64 {
	theta := math.Sqrt(w[0]*w[0] + w[1]*w[1] + w[2]*w[2])
	if theta == 0 {
		return r
	}
	x, y, z := w[0]/theta, w[1]/theta, w[2]/theta
	s, c := math.Sin(theta), math.Cos(theta)
	t := 1 - c
	rw := [9]float64{
		c + x*x*t, x*y*t - z*s, x*z*t + y*s,
		y*x*t + z*s, c + y*y*t, y*z*t - x*s,
		z*x*t - y*s, z*y*t + x*s, c + z*z*t,
	}

	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for l := 0; l < 3; l++ {
				out[i*3+j] += rw[i*3+l] * r[l*3+j]
			}
		}
	}
	return out
}

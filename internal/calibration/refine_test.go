package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

func grid(rows, cols int, cell float64) []r3.Vec {
	var obj []r3.Vec
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			obj = append(obj, r3.Vec{X: float64(j) * cell, Y: float64(i) * cell})
		}
	}
	return obj
}

func totalError(t *testing.T, c CameraParameters, obj []r3.Vec, views [][]geometry.Point2, poses []pose) float64 {
	t.Helper()
	var sum float64
	for i, pts := range views {
		s, n := reprojectionError(poses[i].place(c), obj, pts)
		require.Equal(t, len(obj), n)
		sum += s
	}
	return sum
}

func TestRotate(t *testing.T) {
	r := rotate([]float64{0, 0, math.Pi / 2}, Identity)
	want := [9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	for i := range want {
		assert.InDelta(t, want[i], r[i], 1e-12)
	}
	assert.Equal(t, Identity, rotate([]float64{0, 0, 0}, Identity))
}

func TestRefineRecoversLens(t *testing.T) {
	truth := NewCameraParameters(800, 780, 320, 240, Identity, r3.Vec{})
	truth.Distortion = [5]float64{-0.2, 0.05, 0.001, -0.001, 0}
	obj := grid(6, 9, 50)

	truePoses := []pose{
		{R: Identity, T: r3.Vec{X: -200, Y: -125, Z: 600}},
		{R: rotate([]float64{0.35, 0, 0}, Identity), T: r3.Vec{X: -180, Y: -110, Z: 650}},
		{R: rotate([]float64{0, -0.35, 0}, Identity), T: r3.Vec{X: -190, Y: -130, Z: 700}},
		{R: rotate([]float64{0.25, 0.25, 0}, Identity), T: r3.Vec{X: -210, Y: -120, Z: 600}},
	}
	views := make([][]geometry.Point2, len(truePoses))
	for i, p := range truePoses {
		cam := p.place(truth)
		for _, X := range obj {
			q, ok := cam.Project(X)
			require.True(t, ok)
			views[i] = append(views[i], q)
		}
	}

	start := NewCameraParameters(815, 770, 325, 236, Identity, r3.Vec{})
	startPoses := make([]pose, len(truePoses))
	for i, p := range truePoses {
		startPoses[i] = pose{R: p.R, T: r3.Add(p.T, r3.Vec{X: 2, Y: -2, Z: 10})}
	}

	before := totalError(t, start, obj, views, startPoses)
	got, gotPoses := refine(start, obj, views, startPoses)
	after := totalError(t, got, obj, views, gotPoses)

	assert.Less(t, after, before/10, "refinement reduces the reprojection error")
	assert.Less(t, got.Distortion[0], 0.0, "barrel distortion is found")
	assert.Equal(t, 0.0, got.Distortion[4], "k3 is not estimated")
}

func TestRefineKeepsExactEstimate(t *testing.T) {
	cam := NewCameraParameters(800, 780, 320, 240, Identity, r3.Vec{})
	obj := grid(3, 3, 25)
	poses := []pose{{R: Identity, T: r3.Vec{X: -25, Y: -25, Z: 500}}}
	var pts []geometry.Point2
	for _, X := range obj {
		q, ok := poses[0].place(cam).Project(X)
		require.True(t, ok)
		pts = append(pts, q)
	}

	got, gotPoses := refine(cam, obj, [][]geometry.Point2{pts}, poses)
	assert.Equal(t, cam, got)
	assert.Equal(t, poses, gotPoses)
}

func TestReprojectionErrorCountsProjectedPoints(t *testing.T) {
	cam := NewCameraParameters(500, 500, 320, 240, Identity, r3.Vec{})
	obj := []r3.Vec{{Z: 100}, {X: 10, Z: 100}, {Z: -100}}
	img := []geometry.Point2{{X: 320, Y: 240}, {X: 373, Y: 240}, {}}

	sum, n := reprojectionError(cam, obj, img)
	assert.Equal(t, 2, n, "the point behind the camera is skipped")
	assert.InDelta(t, 9, sum, 1e-9)
}

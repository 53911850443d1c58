package tracker

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// maxCoord keeps line endpoints within the int range gocv accepts.
const maxCoord = 1 << 20

// epilineSegments is the number of straight pieces the band is drawn with.
const epilineSegments = 64

// EpipolarMask returns a single-channel mask of size cols x rows that is
// non-zero within margin pixels of the epipolar curve, in camera to, of
// point p seen by camera from. Lens distortion bends the line into a curve.
// It reports false when the line is undefined.
func EpipolarMask(calib *calibration.Data, from, to frame.CameraIndex, p geometry.Point2, cols, rows, margin int) (gocv.Mat, bool) {
	src, dst := calib.Camera(from), calib.Camera(to)
	f, err := calibration.Fundamental(src, dst)
	if err != nil {
		return gocv.Mat{}, false
	}

	q := src.Ideal(p)
	a := f.At(0, 0)*q.X + f.At(0, 1)*q.Y + f.At(0, 2)
	b := f.At(1, 0)*q.X + f.At(1, 1)*q.Y + f.At(1, 2)
	c := f.At(2, 0)*q.X + f.At(2, 1)*q.Y + f.At(2, 2)
	if a == 0 && b == 0 || !finite(a) || !finite(b) || !finite(c) {
		return gocv.Mat{}, false
	}

	// The line is walked in ideal pixels over the area the image covers and
	// every sample is moved to where the lens images it.
	box := idealBounds(dst, cols, rows)
	var pts []geometry.Point2
	for i := 0; i <= epilineSegments; i++ {
		s := float64(i) / epilineSegments
		var x, y float64
		if math.Abs(b) >= math.Abs(a) {
			x = box.Min.X + s*(box.Max.X-box.Min.X)
			y = -(c + a*x) / b
		} else {
			y = box.Min.Y + s*(box.Max.Y-box.Min.Y)
			x = -(c + b*y) / a
		}
		pts = append(pts, geometry.Point2{X: x, Y: y})
	}

	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for i := 1; i < len(pts); i++ {
		if !box.contains(pts[i-1]) || !box.contains(pts[i]) {
			continue
		}
		p1, p2 := dst.Distorted(pts[i-1]), dst.Distorted(pts[i])
		gocv.Line(&mask, image.Pt(clampCoord(p1.X), clampCoord(p1.Y)), image.Pt(clampCoord(p2.X), clampCoord(p2.Y)), white, 2*margin+1)
	}
	return mask, true
}

type bounds struct {
	Min, Max geometry.Point2
}

func (b bounds) contains(p geometry.Point2) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X && p.Y >= b.Min.Y && p.Y <= b.Max.Y
}

// idealBounds is the box, in ideal pixels of cam, holding the border of a
// cols x rows image, padded so the curve leaves the image before the box.
func idealBounds(cam calibration.CameraParameters, cols, rows int) bounds {
	w, h := float64(cols-1), float64(rows-1)
	border := []geometry.Point2{
		{X: 0, Y: 0}, {X: w / 2, Y: 0}, {X: w, Y: 0},
		{X: 0, Y: h / 2}, {X: w, Y: h / 2},
		{X: 0, Y: h}, {X: w / 2, Y: h}, {X: w, Y: h},
	}
	b := bounds{
		Min: geometry.Point2{X: math.Inf(1), Y: math.Inf(1)},
		Max: geometry.Point2{X: math.Inf(-1), Y: math.Inf(-1)},
	}
	for _, p := range border {
		q := cam.Ideal(p)
		b.Min.X, b.Min.Y = math.Min(b.Min.X, q.X), math.Min(b.Min.Y, q.Y)
		b.Max.X, b.Max.Y = math.Max(b.Max.X, q.X), math.Max(b.Max.Y, q.Y)
	}
	padX, padY := (b.Max.X-b.Min.X)/10, (b.Max.Y-b.Min.Y)/10
	b.Min.X, b.Min.Y = b.Min.X-padX, b.Min.Y-padY
	b.Max.X, b.Max.Y = b.Max.X+padX, b.Max.Y+padY
	return b
}

func clampCoord(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Max(-maxCoord, math.Min(maxCoord, math.Round(v))))
}

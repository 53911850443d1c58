// Package testutil provides shared test fixtures: synthetic marker frames,
// chessboards and camera rigs.
package testutil

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
)

// Default synthetic frame size.
const (
	Width  = 320
	Height = 240
)

// MarkerColor is the BGR color of synthetic markers.
var MarkerColor = color.RGBA{R: 30, G: 255, B: 30}

// Background returns a w x h BGR frame of smooth gray texture. The same
// seed always yields the same image.
func Background(w, h int, seed int64) gocv.Mat {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		v := byte(60 + rng.Intn(60))
		data[3*i], data[3*i+1], data[3*i+2] = v, v, v
	}
	noisy, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, data)
	if err != nil {
		panic(err)
	}
	defer noisy.Close()

	out := gocv.NewMat()
	gocv.GaussianBlur(noisy, &out, image.Pt(3, 3), 0, 0, gocv.BorderDefault)
	return out
}

// MarkerFrame draws a filled marker disc over a textured background.
func MarkerFrame(w, h int, center image.Point, radius int) gocv.Mat {
	img := Background(w, h, 1)
	DrawMarker(&img, center, radius)
	return img
}

// DrawMarker draws a filled marker disc on img.
func DrawMarker(img *gocv.Mat, center image.Point, radius int) {
	gocv.Circle(img, center, radius, MarkerColor, -1)
}

// Chessboard renders a board with rows x cols inner corners and square
// cells of cell pixels, surrounded by a white margin of one cell.
func Chessboard(rows, cols, cell int) gocv.Mat {
	w, h := (cols+3)*cell, (rows+3)*cell
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), h, w, gocv.MatTypeCV8UC3)
	for y := 0; y <= rows; y++ {
		for x := 0; x <= cols; x++ {
			if (x+y)%2 != 0 {
				continue
			}
			r := image.Rect((x+1)*cell, (y+1)*cell, (x+2)*cell, (y+2)*cell)
			gocv.Rectangle(&img, r, color.RGBA{}, -1)
		}
	}
	return img
}

// Frameset bundles clones of mats as cameras 0..len(mats)-1. A nil entry
// leaves that camera absent.
func Frameset(seq uint64, arity int, mats ...*gocv.Mat) *frame.Frameset {
	fs := frame.NewFrameset(seq, arity)
	for i, m := range mats {
		if m == nil {
			continue
		}
		fs.Put(&frame.Frame{Camera: frame.CameraIndex(i), Seq: seq, Image: m.Clone()})
	}
	return fs
}

// Rotation returns the row-major matrix rotating by angle radians about axis.
func Rotation(axis r3.Vec, angle float64) [9]float64 {
	axis = r3.Unit(axis)
	cols := [3]r3.Vec{
		r3.Rotate(r3.Vec{X: 1}, angle, axis),
		r3.Rotate(r3.Vec{Y: 1}, angle, axis),
		r3.Rotate(r3.Vec{Z: 1}, angle, axis),
	}
	return [9]float64{
		cols[0].X, cols[1].X, cols[2].X,
		cols[0].Y, cols[1].Y, cols[2].Y,
		cols[0].Z, cols[1].Z, cols[2].Z,
	}
}

// LookAt returns the world-to-camera rotation and translation of a camera
// at eye looking at target, image y pointing towards -up.
func LookAt(eye, target, up r3.Vec) ([9]float64, r3.Vec) {
	z := r3.Unit(r3.Sub(target, eye))
	x := r3.Unit(r3.Cross(z, up))
	if math.IsNaN(x.X) {
		x = r3.Vec{X: 1}
	}
	y := r3.Cross(z, x)
	rot := [9]float64{
		x.X, x.Y, x.Z,
		y.X, y.Y, y.Z,
		z.X, z.Y, z.Z,
	}
	t := r3.Vec{
		X: -r3.Dot(x, eye),
		Y: -r3.Dot(y, eye),
		Z: -r3.Dot(z, eye),
	}
	return rot, t
}

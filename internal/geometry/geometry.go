// Package geometry holds the 2D marks trackers produce and the 3D posits
// localization derives from them.
package geometry

import (
	"image"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
)

// Point2 is an image position in pixels.
type Point2 struct {
	X, Y float64
}

// Pt converts an integer image point.
func Pt(p image.Point) Point2 {
	return Point2{X: float64(p.X), Y: float64(p.Y)}
}

// Image rounds p to the nearest pixel.
func (p Point2) Image() image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

// Add returns p+q.
func (p Point2) Add(q Point2) Point2 { return Point2{p.X + q.X, p.Y + q.Y} }

// Sub returns p-q.
func (p Point2) Sub(q Point2) Point2 { return Point2{p.X - q.X, p.Y - q.Y} }

// Dist returns the euclidean distance between p and q.
func (p Point2) Dist(q Point2) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// Shape discriminates mark geometry.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeCircle
	ShapeRectangle
)

func (s Shape) String() string {
	switch s {
	case ShapeCircle:
		return "circle"
	case ShapeRectangle:
		return "rectangle"
	default:
		return "none"
	}
}

// Mark is a feature detected in one camera's frame. An invalid mark carries
// no geometry.
type Mark struct {
	Valid  bool    `json:"valid"`
	Shape  Shape   `json:"shape"`
	Center Point2  `json:"center"`
	Radius float64 `json:"radius,omitempty"`
	// Size holds the full width and height of a rectangle mark.
	Size  Point2  `json:"size,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// InvalidMark means "not found this cycle".
func InvalidMark() Mark {
	return Mark{}
}

// Circle builds a circular mark.
func Circle(center Point2, radius float64) Mark {
	return Mark{Valid: true, Shape: ShapeCircle, Center: center, Radius: radius}
}

// Rectangle builds a rectangular mark with full width w and height h.
func Rectangle(center Point2, w, h float64) Mark {
	return Mark{Valid: true, Shape: ShapeRectangle, Center: center, Size: Point2{X: w, Y: h}}
}

// HalfExtent returns the half width and half height of the mark.
func (m Mark) HalfExtent() (int, int) {
	switch m.Shape {
	case ShapeCircle:
		r := int(math.Round(m.Radius))
		return r, r
	case ShapeRectangle:
		return int(math.Round(m.Size.X / 2)), int(math.Round(m.Size.Y / 2))
	}
	return 0, 0
}

// Bounds returns the axis-aligned box enclosing the mark.
func (m Mark) Bounds() image.Rectangle {
	if !m.Valid {
		return image.Rectangle{}
	}
	hx, hy := m.HalfExtent()
	c := m.Center.Image()
	return image.Rect(c.X-hx, c.Y-hy, c.X+hx, c.Y+hy)
}

// Moved returns a copy of m centered at c with the given score.
func (m Mark) Moved(c Point2, score float64) Mark {
	m.Center = c
	m.Score = score
	m.Valid = true
	return m
}

// Markset holds at most one mark per camera for one target.
type Markset struct {
	Seq   uint64               `json:"seq"`
	Marks [frame.MaxArity]Mark `json:"marks"`
}

// Set stores the mark of camera cam.
func (ms *Markset) Set(cam frame.CameraIndex, m Mark) {
	ms.Marks[cam] = m
}

// Get returns the mark of camera cam.
func (ms *Markset) Get(cam frame.CameraIndex) Mark {
	if cam < 0 || int(cam) >= frame.MaxArity {
		return InvalidMark()
	}
	return ms.Marks[cam]
}

// ValidCount returns the number of valid marks.
func (ms *Markset) ValidCount() int {
	n := 0
	for _, m := range ms.Marks {
		if m.Valid {
			n++
		}
	}
	return n
}

// Posit is a triangulated 3D position with its quality.
type Posit struct {
	Valid bool   `json:"valid"`
	Point r3.Vec `json:"point"`
	// Views is the number of contributing camera rays.
	Views int `json:"views"`
	// Residual is the RMS distance of Point to the contributing rays.
	Residual           float64 `json:"residual"`
	CalibrationVersion uint64  `json:"calibration_version"`
}

// Positset has one posit per tracked target.
type Positset struct {
	Seq    uint64  `json:"seq"`
	Posits []Posit `json:"posits"`
}

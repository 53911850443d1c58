package calibration

import (
	"image"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
)

// Pattern detects a planar calibration target of known geometry.
type Pattern interface {
	// Detect returns the target's corners in image coordinates, ordered as
	// ObjectPoints, or false when the target is not fully visible.
	Detect(img gocv.Mat) ([]geometry.Point2, bool)
	// ObjectPoints returns the corners in the target plane (Z = 0).
	ObjectPoints() []r3.Vec
}

// ChessboardPattern detects a chessboard by its inner corners.
type ChessboardPattern struct {
	rows, cols int
	size       float64
}

// NewChessboardPattern reads the board geometry from p.
func NewChessboardPattern(p params.Parameters) *ChessboardPattern {
	return &ChessboardPattern{
		rows: p.Int(params.CalibrationRows),
		cols: p.Int(params.CalibrationCols),
		size: p.Get(params.CalibrationSize),
	}
}

// ObjectPoints lists the inner corners row by row.
func (c *ChessboardPattern) ObjectPoints() []r3.Vec {
	pts := make([]r3.Vec, 0, c.rows*c.cols)
	for y := 0; y < c.rows; y++ {
		for x := 0; x < c.cols; x++ {
			pts = append(pts, r3.Vec{X: float64(x) * c.size, Y: float64(y) * c.size})
		}
	}
	return pts
}

func (c *ChessboardPattern) Detect(img gocv.Mat) ([]geometry.Point2, bool) {
	if img.Empty() {
		return nil, false
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if img.Channels() > 1 {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(&gray)
	}

	corners := gocv.NewMat()
	defer corners.Close()

	size := image.Pt(c.cols, c.rows)
	if !gocv.FindChessboardCorners(gray, size, &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return nil, false
	}
	if corners.Rows() != c.rows*c.cols {
		return nil, false
	}

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.01)
	gocv.CornerSubPix(gray, &corners, image.Pt(5, 5), image.Pt(-1, -1), criteria)

	pts := make([]geometry.Point2, corners.Rows())
	for i := range pts {
		v := corners.GetVecfAt(i, 0)
		pts[i] = geometry.Point2{X: float64(v[0]), Y: float64(v[1])}
	}
	return pts, true
}

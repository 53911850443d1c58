// Package tracker locates markers frame by frame within bounded search
// windows.
package tracker

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
)

// ErrOutOfBounds is returned by Initialize when the seed region does not fit
// inside the frame.
var ErrOutOfBounds = errors.New("seed region outside frame")

// ErrInvalidSeed is returned by Initialize for marks without geometry.
var ErrInvalidSeed = errors.New("invalid seed mark")

// Data is the persistent state of one track. It is replaced wholesale on
// initialization and never modified by Search.
type Data interface {
	// Algorithm names the algorithm that created the data.
	Algorithm() string
	// Seed is the mark the data was built from.
	Seed() geometry.Mark
	Close()
}

// Algorithm is a marker search strategy.
type Algorithm interface {
	Name() string

	// Initialize builds track data from the region described by seed. On
	// failure no data is created.
	Initialize(img gocv.Mat, seed geometry.Mark) (Data, error)

	// Search looks for the marker in img. When roi is given the search window
	// is roi grown by the marker's half extent, clipped to the frame. mask, if
	// given, is a full-frame single-channel image; candidate centers on zero
	// pixels are ignored. A best score not exceeding threshold is a miss.
	Search(img gocv.Mat, data Data, roi *image.Rectangle, mask *gocv.Mat, threshold float64) (geometry.Mark, bool)
}

// NewAlgorithm returns the algorithm selected by p.
func NewAlgorithm(p params.Parameters) (Algorithm, error) {
	switch p.Int(params.TrackerAlgorithm) {
	case params.AlgorithmTemplate:
		return &TemplateTracker{}, nil
	case params.AlgorithmHistogram:
		return &HistogramTracker{Bins: p.Int(params.HistogramBins)}, nil
	case params.AlgorithmCircle:
		return &CircleTracker{Tolerance: p.Get(params.CircleTolerance)}, nil
	}
	return nil, fmt.Errorf("unknown tracker algorithm %d", p.Int(params.TrackerAlgorithm))
}

// seedRegion returns the region a seed mark covers, or an error when the
// mark is invalid or does not fit inside a frame of the given size.
func seedRegion(seed geometry.Mark, cols, rows int) (image.Rectangle, error) {
	if !seed.Valid {
		return image.Rectangle{}, ErrInvalidSeed
	}
	hx, hy := seed.HalfExtent()
	if hx < 1 || hy < 1 {
		return image.Rectangle{}, ErrInvalidSeed
	}
	c := seed.Center.Image()
	if c.X < hx || c.X >= cols-hx || c.Y < hy || c.Y >= rows-hy {
		return image.Rectangle{}, fmt.Errorf("%w: center %v extent %dx%d", ErrOutOfBounds, c, hx, hy)
	}
	return image.Rect(c.X-hx, c.Y-hy, c.X+hx, c.Y+hy), nil
}

// searchWindow grows roi by the half extent and clips it to the frame.
// Without roi the whole frame is searched.
func searchWindow(roi *image.Rectangle, hx, hy, cols, rows int) image.Rectangle {
	frame := image.Rect(0, 0, cols, rows)
	if roi == nil {
		return frame
	}
	grown := image.Rect(roi.Min.X-hx, roi.Min.Y-hy, roi.Max.X+hx, roi.Max.Y+hy)
	return grown.Intersect(frame)
}

// maskAllows reports whether the full-frame mask permits point p.
func maskAllows(mask *gocv.Mat, p image.Point) bool {
	if mask == nil || mask.Empty() {
		return true
	}
	if p.X < 0 || p.Y < 0 || p.X >= mask.Cols() || p.Y >= mask.Rows() {
		return false
	}
	return mask.GetUCharAt(p.Y, p.X) != 0
}

func toGray(img gocv.Mat, dst *gocv.Mat) {
	if img.Channels() > 1 {
		gocv.CvtColor(img, dst, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(dst)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

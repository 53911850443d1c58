package tracker

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// Hough transform settings for the circle tracker.
const (
	houghCanny       = 100
	houghAccumulator = 15
	medianKernel     = 5
)

// CircleTracker finds circles of the seed radius with the Hough transform.
// The score is the agreement between found and seed radius.
type CircleTracker struct {
	// Tolerance is the accepted relative radius deviation.
	Tolerance float64
}

// CircleData keeps the seed radius.
type CircleData struct {
	mark   geometry.Mark
	radius float64
}

func (d *CircleData) Algorithm() string   { return "circle" }
func (d *CircleData) Seed() geometry.Mark { return d.mark }
func (d *CircleData) Close()              {}

func (t *CircleTracker) Name() string { return "circle" }

func (t *CircleTracker) Initialize(img gocv.Mat, seed geometry.Mark) (Data, error) {
	if _, err := seedRegion(seed, img.Cols(), img.Rows()); err != nil {
		return nil, err
	}
	hx, hy := seed.HalfExtent()
	return &CircleData{mark: seed, radius: float64(max(hx, hy))}, nil
}

func (t *CircleTracker) Search(img gocv.Mat, data Data, roi *image.Rectangle, mask *gocv.Mat, threshold float64) (geometry.Mark, bool) {
	d, ok := data.(*CircleData)
	if !ok {
		return geometry.InvalidMark(), false
	}

	r := int(math.Round(d.radius))
	window := searchWindow(roi, r, r, img.Cols(), img.Rows())
	if window.Dx() < 2*r || window.Dy() < 2*r {
		return geometry.InvalidMark(), false
	}

	region := img.Region(window)
	defer region.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	toGray(region, &gray)
	gocv.MedianBlur(gray, &gray, medianKernel)

	tol := t.Tolerance
	if tol <= 0 {
		tol = 0.3
	}
	minR := int(math.Floor(d.radius * (1 - tol)))
	maxR := int(math.Ceil(d.radius * (1 + tol)))

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(gray, &circles, gocv.HoughGradient, 1, float64(max(r, 1)),
		houghCanny, houghAccumulator, max(minR, 1), maxR)

	var (
		best      geometry.Point2
		bestR     float64
		bestScore = math.Inf(-1)
		bestDist  = math.Inf(1)
	)
	mid := geometry.Pt(window.Min.Add(window.Max).Div(2))
	for i := 0; i < circles.Cols(); i++ {
		v := circles.GetVecfAt(0, i)
		c := geometry.Point2{X: float64(v[0]) + float64(window.Min.X), Y: float64(v[1]) + float64(window.Min.Y)}
		if !maskAllows(mask, c.Image()) {
			continue
		}
		score := 1 - math.Abs(float64(v[2])-d.radius)/d.radius
		dist := c.Dist(mid)
		if score > bestScore || score == bestScore && dist < bestDist {
			best, bestR, bestScore, bestDist = c, float64(v[2]), score, dist
		}
	}

	if bestScore <= threshold {
		tracef("circle: score %.3f not above %.3f", bestScore, threshold)
		return geometry.InvalidMark(), false
	}

	tracef("circle: found radius %.1f for seed radius %.1f", bestR, d.radius)
	return d.mark.Moved(best, bestScore), true
}

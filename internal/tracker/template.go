package tracker

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// TemplateTracker matches a stored image patch by normalized correlation.
type TemplateTracker struct{}

// TemplateData holds the patch cut around the seed mark.
type TemplateData struct {
	Template gocv.Mat
	mark     geometry.Mark
	hx, hy   int
}

func (d *TemplateData) Algorithm() string   { return "template" }
func (d *TemplateData) Seed() geometry.Mark { return d.mark }
func (d *TemplateData) Close()              { d.Template.Close() }

func (t *TemplateTracker) Name() string { return "template" }

func (t *TemplateTracker) Initialize(img gocv.Mat, seed geometry.Mark) (Data, error) {
	r, err := seedRegion(seed, img.Cols(), img.Rows())
	if err != nil {
		return nil, err
	}

	region := img.Region(r)
	defer region.Close()

	hx, hy := seed.HalfExtent()
	return &TemplateData{
		Template: region.Clone(),
		mark:     seed,
		hx:       hx,
		hy:       hy,
	}, nil
}

func (t *TemplateTracker) Search(img gocv.Mat, data Data, roi *image.Rectangle, mask *gocv.Mat, threshold float64) (geometry.Mark, bool) {
	d, ok := data.(*TemplateData)
	if !ok || d.Template.Empty() {
		return geometry.InvalidMark(), false
	}

	window := searchWindow(roi, d.hx, d.hy, img.Cols(), img.Rows())
	if window.Dx() < d.Template.Cols() || window.Dy() < d.Template.Rows() {
		tracef("template: window %v smaller than template", window)
		return geometry.InvalidMark(), false
	}

	region := img.Region(window)
	defer region.Close()

	result := gocv.NewMat()
	defer result.Close()
	noMask := gocv.NewMat()
	defer noMask.Close()
	gocv.MatchTemplate(region, d.Template, &result, gocv.TmCcoeffNormed, noMask)

	// Each result cell is a template offset; the mask is read at the
	// corresponding template center.
	minVal, maxVal := math.Inf(1), math.Inf(-1)
	var maxLoc image.Point
	for y := 0; y < result.Rows(); y++ {
		for x := 0; x < result.Cols(); x++ {
			center := image.Pt(window.Min.X+x+d.hx, window.Min.Y+y+d.hy)
			if !maskAllows(mask, center) {
				continue
			}
			v := float64(result.GetFloatAt(y, x))
			if !finite(v) {
				continue
			}
			if v < minVal {
				minVal = v
			}
			if v > maxVal {
				maxVal = v
				maxLoc = center
			}
		}
	}
	if math.IsInf(maxVal, -1) {
		return geometry.InvalidMark(), false
	}

	score := maxVal - minVal
	if score <= threshold {
		tracef("template: score %.3f not above %.3f", score, threshold)
		return geometry.InvalidMark(), false
	}

	return d.mark.Moved(geometry.Pt(maxLoc), score), true
}

package tracker

import (
	"errors"
	"image"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// Pixels below these saturation and value levels carry no reliable hue.
var (
	hsvLow  = gocv.NewScalar(0, 60, 32, 0)
	hsvHigh = gocv.NewScalar(180, 255, 255, 0)
)

var errNoColor = errors.New("seed region has no saturated color")

// HistogramTracker follows the hue distribution of the seed region with
// back-projection and mean shift.
type HistogramTracker struct {
	Bins int
}

// HistogramData holds the normalized hue histogram of the seed region.
type HistogramData struct {
	Hist gocv.Mat
	// reference is the mean back-projection over the seed region itself.
	reference float64
	mark      geometry.Mark
	hx, hy    int
}

func (d *HistogramData) Algorithm() string   { return "histogram" }
func (d *HistogramData) Seed() geometry.Mark { return d.mark }
func (d *HistogramData) Close()              { d.Hist.Close() }

func (t *HistogramTracker) Name() string { return "histogram" }

func (t *HistogramTracker) bins() int {
	if t.Bins < 2 {
		return 16
	}
	return t.Bins
}

// backProject returns the hue back-projection of region restricted to
// saturated pixels.
func backProject(region gocv.Mat, hist gocv.Mat) gocv.Mat {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(region, &hsv, gocv.ColorBGRToHSV)

	sat := gocv.NewMat()
	defer sat.Close()
	gocv.InRangeWithScalar(hsv, hsvLow, hsvHigh, &sat)

	bp := gocv.NewMat()
	defer bp.Close()
	gocv.CalcBackProject([]gocv.Mat{hsv}, []int{0}, hist, &bp, []float64{0, 180}, true)

	out := gocv.NewMat()
	gocv.BitwiseAnd(bp, sat, &out)
	return out
}

func (t *HistogramTracker) Initialize(img gocv.Mat, seed geometry.Mark) (Data, error) {
	r, err := seedRegion(seed, img.Cols(), img.Rows())
	if err != nil {
		return nil, err
	}
	if img.Channels() != 3 {
		return nil, errNoColor
	}

	region := img.Region(r)
	defer region.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(region, &hsv, gocv.ColorBGRToHSV)

	sat := gocv.NewMat()
	defer sat.Close()
	gocv.InRangeWithScalar(hsv, hsvLow, hsvHigh, &sat)
	if gocv.CountNonZero(sat) == 0 {
		return nil, errNoColor
	}

	hist := gocv.NewMat()
	gocv.CalcHist([]gocv.Mat{hsv}, []int{0}, sat, &hist, []int{t.bins()}, []float64{0, 180}, false)
	gocv.Normalize(hist, &hist, 0, 255, gocv.NormMinMax)

	bp := backProject(region, hist)
	defer bp.Close()
	reference := bp.Mean().Val1
	if reference <= 0 {
		hist.Close()
		return nil, errNoColor
	}

	hx, hy := seed.HalfExtent()
	return &HistogramData{Hist: hist, reference: reference, mark: seed, hx: hx, hy: hy}, nil
}

func (t *HistogramTracker) Search(img gocv.Mat, data Data, roi *image.Rectangle, mask *gocv.Mat, threshold float64) (geometry.Mark, bool) {
	d, ok := data.(*HistogramData)
	if !ok || d.Hist.Empty() || img.Channels() != 3 {
		return geometry.InvalidMark(), false
	}

	window := searchWindow(roi, d.hx, d.hy, img.Cols(), img.Rows())
	if window.Dx() < 2*d.hx || window.Dy() < 2*d.hy {
		return geometry.InvalidMark(), false
	}

	region := img.Region(window)
	defer region.Close()

	bp := backProject(region, d.Hist)
	defer bp.Close()

	if mask != nil && !mask.Empty() {
		m := mask.Region(window)
		masked := gocv.NewMat()
		gocv.BitwiseAnd(bp, m, &masked)
		m.Close()
		bp.Close()
		bp = masked
	}

	// Start from the previous position, or the window center.
	start := image.Pt(window.Dx()/2, window.Dy()/2)
	if roi != nil {
		c := roi.Min.Add(roi.Max).Div(2)
		start = c.Sub(window.Min)
	}
	track := image.Rect(start.X-d.hx, start.Y-d.hy, start.X+d.hx, start.Y+d.hy)
	gocv.MeanShift(bp, &track, gocv.NewTermCriteria(gocv.Count|gocv.EPS, 10, 1))

	inside := track.Intersect(image.Rect(0, 0, bp.Cols(), bp.Rows()))
	if inside.Empty() {
		return geometry.InvalidMark(), false
	}
	sub := bp.Region(inside)
	score := sub.Mean().Val1 / d.reference
	sub.Close()

	center := track.Min.Add(track.Max).Div(2).Add(window.Min)
	if !maskAllows(mask, center) {
		return geometry.InvalidMark(), false
	}
	if score <= threshold {
		tracef("histogram: score %.3f not above %.3f", score, threshold)
		return geometry.InvalidMark(), false
	}

	return d.mark.Moved(geometry.Pt(center), score), true
}

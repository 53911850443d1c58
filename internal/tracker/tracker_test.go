package tracker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
	"github.com/JirkaHarasim/dove-eye-tld/internal/testutil"
)

func newTracker(t *testing.T, arity int, p params.Parameters) *Tracker {
	t.Helper()
	algo, err := NewAlgorithm(p)
	require.NoError(t, err)
	tr := New(algo, arity, p)
	t.Cleanup(tr.Close)
	return tr
}

func track(tr *Tracker, seq uint64, calib *calibration.Data, mats ...*gocv.Mat) geometry.Markset {
	fs := testutil.Frameset(seq, len(mats), mats...)
	defer fs.Close()
	return tr.Track(fs, calib)
}

func TestTrackerLifecycle(t *testing.T) {
	tr := newTracker(t, 1, params.Default())
	assert.Equal(t, Uninitialized, tr.State(0))

	start := markerFrame(t, 100, 100, 15)
	ms := track(tr, 0, nil, &start)
	assert.False(t, ms.Get(0).Valid, "uninitialized cameras yield no mark")

	require.NoError(t, tr.SetMark(0, start, geometry.Circle(geometry.Point2{X: 100, Y: 100}, 15)))
	assert.Equal(t, Tracking, tr.State(0))

	// Follow the marker in small steps.
	for i, x := range []int{106, 112, 118} {
		img := markerFrame(t, x, 100, 15)
		ms := track(tr, uint64(i+1), nil, &img)
		require.True(t, ms.Get(0).Valid, "step %d", i)
		assert.InDelta(t, float64(x), ms.Get(0).Center.X, 2)
		assert.Equal(t, uint64(i+1), ms.Seq)
	}

	// The marker vanishes: the track is lost.
	empty := testutil.Background(testutil.Width, testutil.Height, 1)
	defer empty.Close()
	ms = track(tr, 10, nil, &empty)
	assert.False(t, ms.Get(0).Valid)
	assert.Equal(t, Lost, tr.State(0))

	// It reappears where it was; lost tracks do not recover by themselves.
	back := markerFrame(t, 118, 100, 15)
	ms = track(tr, 11, nil, &back)
	assert.False(t, ms.Get(0).Valid)
	assert.Equal(t, Lost, tr.State(0))

	// A queued seed recovers the track on the next frame.
	tr.Seed(0, geometry.Circle(geometry.Point2{X: 118, Y: 100}, 15))
	ms = track(tr, 12, nil, &back)
	assert.True(t, ms.Get(0).Valid)
	assert.Equal(t, Tracking, tr.State(0))

	ms = track(tr, 13, nil, &back)
	assert.True(t, ms.Get(0).Valid)
}

func TestTrackerSetMarkFailureKeepsTrack(t *testing.T) {
	tr := newTracker(t, 2, params.Default())
	img := markerFrame(t, 100, 100, 15)

	require.NoError(t, tr.SetMark(1, img, geometry.Circle(geometry.Point2{X: 100, Y: 100}, 15)))

	err := tr.SetMark(1, img, geometry.Circle(geometry.Point2{X: 2, Y: 2}, 15))
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, Tracking, tr.State(1))
	assert.Equal(t, geometry.Point2{X: 100, Y: 100}, tr.Last(1).Center)

	assert.Error(t, tr.SetMark(2, img, geometry.Circle(geometry.Point2{X: 100, Y: 100}, 15)), "outside arity")
}

func TestTrackerPartialFrameset(t *testing.T) {
	tr := newTracker(t, 2, params.Default())
	img := markerFrame(t, 100, 100, 15)
	seed := geometry.Circle(geometry.Point2{X: 100, Y: 100}, 15)
	require.NoError(t, tr.SetMark(0, img, seed))
	require.NoError(t, tr.SetMark(1, img, seed))

	ms := track(tr, 1, nil, nil, &img)
	assert.False(t, ms.Get(0).Valid, "absent camera")
	assert.True(t, ms.Get(1).Valid)
	assert.Equal(t, Tracking, tr.State(0), "an absent frame does not lose the track")
}

func TestTrackerAutoSeed(t *testing.T) {
	p := params.Default().With(params.AutoSeed, 1).With(params.MotionThreshold, 0.5)
	tr := newTracker(t, 1, p)

	empty := testutil.Background(testutil.Width, testutil.Height, 1)
	defer empty.Close()
	ms := track(tr, 0, nil, &empty)
	assert.False(t, ms.Get(0).Valid)

	img := markerFrame(t, 150, 110, 15)
	ms = track(tr, 1, nil, &img)
	require.True(t, ms.Get(0).Valid, "motion seeds the track")
	assert.InDelta(t, 150, ms.Get(0).Center.X, 6)
	assert.InDelta(t, 110, ms.Get(0).Center.Y, 6)
	assert.Equal(t, Tracking, tr.State(0))
}

func stereoRig(t *testing.T) *calibration.Data {
	t.Helper()
	up := r3.Vec{Y: 1}
	r0, t0 := testutil.LookAt(r3.Vec{X: -200, Z: -1000}, r3.Vec{}, up)
	r1, t1 := testutil.LookAt(r3.Vec{X: 200, Z: -1000}, r3.Vec{}, up)
	d, err := calibration.NewData([]calibration.CameraParameters{
		calibration.NewCameraParameters(400, 400, 160, 120, r0, t0),
		calibration.NewCameraParameters(400, 400, 160, 120, r1, t1),
	})
	require.NoError(t, err)
	return d
}

func TestEpipolarMask(t *testing.T) {
	calib := stereoRig(t)
	point := r3.Vec{X: 30, Y: -20, Z: 50}

	p0, ok := calib.Camera(0).Project(point)
	require.True(t, ok)
	p1, ok := calib.Camera(1).Project(point)
	require.True(t, ok)

	mask, ok := EpipolarMask(calib, 0, 1, p0, testutil.Width, testutil.Height, 4)
	require.True(t, ok)
	defer mask.Close()

	assert.NotZero(t, mask.GetUCharAt(int(p1.Y+0.5), int(p1.X+0.5)), "true correspondence lies in the band")
	// The cameras are displaced along X, so epipolar lines are nearly
	// horizontal; far rows are outside the band.
	farY := int(p1.Y+0.5) + 60
	if farY >= testutil.Height {
		farY = int(p1.Y+0.5) - 60
	}
	assert.Zero(t, mask.GetUCharAt(farY, int(p1.X+0.5)))
}

func TestTrackerWithEpipolarConstraint(t *testing.T) {
	calib := stereoRig(t)
	p := params.Default()
	tr := newTracker(t, 2, p)

	point := r3.Vec{X: 20, Y: 10}
	p0, _ := calib.Camera(0).Project(point)
	p1, _ := calib.Camera(1).Project(point)

	img0 := markerFrame(t, int(p0.X+0.5), int(p0.Y+0.5), 12)
	img1 := markerFrame(t, int(p1.X+0.5), int(p1.Y+0.5), 12)
	require.NoError(t, tr.SetMark(0, img0, geometry.Circle(geometry.Pt(p0.Image()), 12)))
	require.NoError(t, tr.SetMark(1, img1, geometry.Circle(geometry.Pt(p1.Image()), 12)))

	ms := track(tr, 1, calib, &img0, &img1)
	assert.Equal(t, 2, ms.ValidCount())
	assert.InDelta(t, p1.X, ms.Get(1).Center.X, 2)

	// A marker off the epipolar band in camera 1 is not accepted.
	off := markerFrame(t, int(p1.X+0.5), int(p1.Y+0.5)+40, 12)
	tr2 := newTracker(t, 2, p.With(params.SearchMargin, 60))
	require.NoError(t, tr2.SetMark(0, img0, geometry.Circle(geometry.Pt(p0.Image()), 12)))
	require.NoError(t, tr2.SetMark(1, img1, geometry.Circle(geometry.Pt(p1.Image()), 12)))
	ms = track(tr2, 2, calib, &img0, &off)
	assert.True(t, ms.Get(0).Valid)
	assert.False(t, ms.Get(1).Valid)
	assert.Equal(t, Lost, tr2.State(1))
}

// distortedRig pairs an ideal camera with one whose lens has strong barrel
// distortion, both looking down +Z, 100 apart along X.
func distortedRig(t *testing.T) *calibration.Data {
	t.Helper()
	lens := calibration.NewCameraParameters(400, 400, 160, 120, calibration.Identity, r3.Vec{X: 100})
	lens.Distortion = [5]float64{-0.4, 0, 0, 0, 0}
	d, err := calibration.NewData([]calibration.CameraParameters{
		calibration.NewCameraParameters(300, 300, 160, 120, calibration.Identity, r3.Vec{}),
		lens,
	})
	require.NoError(t, err)
	return d
}

// lineDistance is the distance of q from the straight epipolar line of raw
// pixel p, the band a distortion-free model would draw.
func lineDistance(t *testing.T, calib *calibration.Data, from, to frame.CameraIndex, p, q geometry.Point2) float64 {
	t.Helper()
	f, err := calibration.Fundamental(calib.Camera(from), calib.Camera(to))
	require.NoError(t, err)
	a := f.At(0, 0)*p.X + f.At(0, 1)*p.Y + f.At(0, 2)
	b := f.At(1, 0)*p.X + f.At(1, 1)*p.Y + f.At(1, 2)
	c := f.At(2, 0)*p.X + f.At(2, 1)*p.Y + f.At(2, 2)
	return math.Abs(a*q.X+b*q.Y+c) / math.Hypot(a, b)
}

func TestEpipolarMaskWithDistortion(t *testing.T) {
	calib := distortedRig(t)
	point := r3.Vec{X: 280, Y: 270, Z: 1000}

	p0, ok := calib.Camera(0).Project(point)
	require.True(t, ok)
	p1, ok := calib.Camera(1).Project(point)
	require.True(t, ok)
	require.True(t, p1.X < testutil.Width && p1.Y < testutil.Height, "point is imaged near the corner")

	const margin = 2
	for _, tc := range []struct {
		name     string
		from, to frame.CameraIndex
		p, want  geometry.Point2
	}{
		{"into distorted camera", 0, 1, p0, p1},
		{"from distorted camera", 1, 0, p1, p0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Greater(t, lineDistance(t, calib, tc.from, tc.to, tc.p, tc.want), 2.0*margin,
				"a straight band would miss the correspondence")

			mask, ok := EpipolarMask(calib, tc.from, tc.to, tc.p, testutil.Width, testutil.Height, margin)
			require.True(t, ok)
			defer mask.Close()
			assert.NotZero(t, mask.GetUCharAt(int(tc.want.Y+0.5), int(tc.want.X+0.5)))
		})
	}
}

func TestTrackerWithEpipolarConstraintAndDistortion(t *testing.T) {
	calib := distortedRig(t)
	p := params.Default().With(params.EpilineMargin, 3)
	tr := newTracker(t, 2, p)

	point := r3.Vec{X: 280, Y: 270, Z: 1000}
	p0, _ := calib.Camera(0).Project(point)
	p1, _ := calib.Camera(1).Project(point)

	img0 := markerFrame(t, int(p0.X+0.5), int(p0.Y+0.5), 8)
	img1 := markerFrame(t, int(p1.X+0.5), int(p1.Y+0.5), 8)
	require.NoError(t, tr.SetMark(0, img0, geometry.Circle(geometry.Pt(p0.Image()), 8)))
	require.NoError(t, tr.SetMark(1, img1, geometry.Circle(geometry.Pt(p1.Image()), 8)))

	ms := track(tr, 1, calib, &img0, &img1)
	assert.Equal(t, 2, ms.ValidCount())
	assert.Equal(t, Tracking, tr.State(1))
	assert.InDelta(t, p1.X, ms.Get(1).Center.X, 2)
	assert.InDelta(t, p1.Y, ms.Get(1).Center.Y, 2)
}

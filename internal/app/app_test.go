package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/controller"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

const wait = 3 * time.Second

func plainFrame(t *testing.T) *gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), 48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return &m
}

func looping(t *testing.T, id string) *capture.MockSource {
	return capture.NewMockSource(id, []*gocv.Mat{plainFrame(t)}, true).WithDelay(5 * time.Millisecond)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newApp(t *testing.T, cfg Config) *App {
	t.Helper()
	if cfg.Params == (params.Parameters{}) {
		cfg.Params = params.Default()
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func testCalibration(t *testing.T, arity int) *calibration.Data {
	t.Helper()
	cams := make([]calibration.CameraParameters, arity)
	for i := range cams {
		cams[i] = calibration.NewCameraParameters(600, 600, 32, 24, calibration.Identity, r3.Vec{X: float64(-100 * i)})
	}
	d, err := calibration.NewData(cams)
	require.NoError(t, err)
	return d
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, wait, 10*time.Millisecond, msg)
}

func TestAvailableSourcesEnumeratesDevices(t *testing.T) {
	opened := map[int]*capture.MockSource{}
	open := func(device int) capture.Source {
		src := looping(t, fmt.Sprintf("device:%d", device))
		if device != 0 && device != 2 {
			src.WithOpenError(errors.New("no device"))
		}
		opened[device] = src
		return src
	}
	a := newApp(t, Config{Open: open})

	srcs := a.AvailableSources()
	require.Len(t, srcs, 2)
	assert.Equal(t, "device:0", srcs[0].ID())
	assert.Equal(t, "device:2", srcs[1].ID())
	assert.True(t, srcs[0].IsOpen(), "opened sources stay open")

	// Devices 1, 3, 4 and 5 fail; the scan gives up after MaxArity failures.
	assert.Len(t, opened, frame.MaxArity+2)

	again := a.AvailableSources()
	assert.Equal(t, srcs, again, "enumeration happens once")
}

func TestInitializeTransfersOwnership(t *testing.T) {
	a := newApp(t, Config{})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b"), looping(t, "c")}
	for _, s := range srcs {
		a.Adopt(s)
	}

	require.NoError(t, a.Initialize([]capture.Source{srcs[2], srcs[0]}))
	assert.Equal(t, 1, srcs[1].Closed(), "unselected source is disposed")
	assert.Nil(t, a.AvailableSources())

	st := a.Status()
	assert.True(t, st.Initialized)
	assert.Equal(t, []string{"c", "a"}, st.Sources, "selection order is camera order")

	eventually(t, func() bool { return a.Status().State == controller.Running.String() }, "pipeline runs")

	assert.ErrorIs(t, a.Initialize([]capture.Source{srcs[0]}), ErrAlreadyInitialized)
}

func TestInitializePanicsOnForeignSource(t *testing.T) {
	a := newApp(t, Config{})
	a.Adopt(looping(t, "mine"))

	assert.Panics(t, func() {
		a.Initialize([]capture.Source{looping(t, "foreign")})
	})
}

func TestInitializeValidates(t *testing.T) {
	a := newApp(t, Config{})
	assert.ErrorIs(t, a.Initialize(nil), ErrNoSources)
	assert.ErrorIs(t, a.SetMark(0, 0, geometry.Circle(geometry.Point2{X: 10, Y: 10}, 3)), ErrNotInitialized)
	assert.ErrorIs(t, a.Start(), ErrNotInitialized)
	assert.ErrorIs(t, a.Stop(), ErrNotInitialized)
	assert.Nil(t, a.Calibration())
	assert.False(t, a.Status().Initialized)
}

func TestPositsAreStreamed(t *testing.T) {
	a := newApp(t, Config{})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])

	posits, cancel := a.SubscribePosits(4)
	defer cancel()

	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))

	select {
	case ps := <-posits:
		require.Len(t, ps.Posits, 1)
		assert.False(t, ps.Posits[0].Valid, "nothing is seeded yet")
	case <-time.After(wait):
		t.Fatal("no positset")
	}
	eventually(t, func() bool { return a.Status().LastSeq > 0 }, "sequence advances")
}

func TestFramesAreEncodedForSubscribers(t *testing.T) {
	a := newApp(t, Config{})
	src := looping(t, "a")
	a.Adopt(src)

	frames, cancel, err := a.SubscribeFrames(0, 1)
	require.NoError(t, err)
	defer cancel()
	_, _, err = a.SubscribeFrames(-1, 1)
	assert.Error(t, err)

	require.NoError(t, a.Initialize([]capture.Source{src}))

	select {
	case jpeg := <-frames:
		require.Greater(t, len(jpeg), 2)
		assert.Equal(t, []byte{0xFF, 0xD8}, jpeg[:2], "JPEG start of image")
	case <-time.After(wait):
		t.Fatal("no frame")
	}
}

func TestPositsAreRecorded(t *testing.T) {
	s := newStore(t)
	a := newApp(t, Config{Store: s, RecordPosits: true})
	src := looping(t, "a")
	a.Adopt(src)
	require.NoError(t, a.Initialize([]capture.Source{src}))

	eventually(t, func() bool {
		n, err := s.Posits().Count()
		return err == nil && n > 0
	}, "posits are logged")
}

func TestSetCalibrationDataPersists(t *testing.T) {
	s := newStore(t)
	a := newApp(t, Config{Store: s})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))

	err := a.SetCalibrationData(testCalibration(t, 3))
	assert.ErrorIs(t, err, controller.ErrArityMismatch)
	_, err = s.Calibrations().Active()
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected data is not persisted")

	d := testCalibration(t, 2)
	require.NoError(t, a.SetCalibrationData(d))

	stored, err := s.Calibrations().Active()
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.ID)
	eventually(t, func() bool {
		c := a.Calibration()
		return c != nil && c.ID == d.ID && c.Version == 1
	}, "calibration reaches the pipeline")
}

func TestCalibrationIsRestored(t *testing.T) {
	s := newStore(t)
	d := testCalibration(t, 2)
	require.NoError(t, s.Calibrations().Save(d))

	a := newApp(t, Config{Store: s})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))

	require.NotNil(t, a.Calibration())
	assert.Equal(t, d.ID, a.Calibration().ID)
	assert.Equal(t, d.ID, a.Status().CalibrationID)
}

func TestStoredCalibrationOfOtherArityIsIgnored(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Calibrations().Save(testCalibration(t, 3)))

	a := newApp(t, Config{Store: s})
	src := looping(t, "a")
	a.Adopt(src)
	require.NoError(t, a.Initialize([]capture.Source{src}))
	assert.Nil(t, a.Calibration())
}

func TestActivateCalibration(t *testing.T) {
	s := newStore(t)
	first, other := testCalibration(t, 2), testCalibration(t, 3)
	require.NoError(t, s.Calibrations().Save(first))
	require.NoError(t, s.Calibrations().Save(other))

	a := newApp(t, Config{Store: s})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))
	assert.Nil(t, a.Calibration(), "the active snapshot has three cameras")

	_, err := a.ActivateCalibration(other.ID)
	assert.ErrorIs(t, err, controller.ErrArityMismatch)
	_, err = a.ActivateCalibration("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	d, err := a.ActivateCalibration(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.ID)

	active, err := s.Calibrations().Active()
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	list, err := s.Calibrations().List()
	require.NoError(t, err)
	assert.Len(t, list, 2, "activation does not copy the snapshot")
	eventually(t, func() bool {
		c := a.Calibration()
		return c != nil && c.ID == first.ID
	}, "activated calibration reaches the pipeline")
}

func TestFinishedCalibrationIsApplied(t *testing.T) {
	s := newStore(t)
	a := newApp(t, Config{Store: s})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))

	ctrl, err := a.pipeline()
	require.NoError(t, err)
	d := testCalibration(t, 2)
	a.handleEvent(ctrl, controller.Event{Kind: controller.CalibrationReady, Calibration: d})

	stored, err := s.Calibrations().Active()
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.ID)
	eventually(t, func() bool {
		c := a.Calibration()
		return c != nil && c.ID == d.ID
	}, "finished calibration becomes active")
}

func TestStopAndStart(t *testing.T) {
	a := newApp(t, Config{})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))
	eventually(t, func() bool { return a.Status().State == controller.Running.String() }, "pipeline runs")

	require.NoError(t, a.Stop())
	assert.Equal(t, controller.Idle.String(), a.Status().State)
	for _, s := range srcs {
		assert.False(t, s.IsOpen(), "stopped pipeline releases its sources")
	}

	require.NoError(t, a.Start())
	eventually(t, func() bool { return a.Status().State == controller.Running.String() }, "pipeline runs again")
}

func TestReconfigure(t *testing.T) {
	s := newStore(t)
	a := newApp(t, Config{Store: s})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	a.Adopt(srcs[0])
	a.Adopt(srcs[1])
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))
	d := testCalibration(t, 2)
	require.NoError(t, a.SetCalibrationData(d))
	eventually(t, func() bool { return a.Calibration() != nil }, "calibration applied")

	posits, cancel := a.SubscribePosits(16)
	defer cancel()

	p := params.Default().With(params.TrackedTargets, 2)
	require.NoError(t, a.Reconfigure(p))
	assert.Equal(t, 2, a.Params().Int(params.TrackedTargets))
	assert.Equal(t, 2, a.Status().Targets)
	require.NotNil(t, a.Calibration())
	assert.Equal(t, d.ID, a.Calibration().ID, "calibration survives reconfiguration")

	deadline := time.After(wait)
	for done := false; !done; {
		select {
		case ps := <-posits:
			done = len(ps.Posits) == 2
		case <-deadline:
			t.Fatal("no positset from the rebuilt pipeline")
		}
	}
	for _, s := range srcs {
		assert.GreaterOrEqual(t, s.Closed(), 1, "sources were released by the old pipeline")
	}

	bad := params.Default().With(params.SearchMargin, -1)
	assert.Error(t, a.Reconfigure(bad))
	assert.Equal(t, 2, a.Params().Int(params.TrackedTargets), "rejected parameters are not applied")
}

func TestReconfigureBeforeInitialize(t *testing.T) {
	a := newApp(t, Config{})
	p := params.Default().With(params.TrackedTargets, 3)
	require.NoError(t, a.Reconfigure(p))
	assert.Equal(t, 3, a.Params().Int(params.TrackedTargets))
}

func TestCloseReleasesEverything(t *testing.T) {
	a := newApp(t, Config{})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b"), looping(t, "c")}
	for _, s := range srcs {
		a.Adopt(s)
		require.NoError(t, s.Open())
	}
	require.NoError(t, a.Initialize([]capture.Source{srcs[0], srcs[1]}))
	eventually(t, func() bool { return a.Status().State == controller.Running.String() }, "pipeline runs")

	require.NoError(t, a.Close())
	for _, s := range srcs {
		assert.False(t, s.IsOpen())
	}
	assert.ErrorIs(t, a.SetCalibrationData(testCalibration(t, 2)), ErrClosed)
	assert.ErrorIs(t, a.Initialize(nil), ErrClosed)
	assert.NoError(t, a.Close(), "close is idempotent")
}

func TestCloseBeforeInitialize(t *testing.T) {
	a := newApp(t, Config{})
	srcs := []*capture.MockSource{looping(t, "a"), looping(t, "b")}
	for _, s := range srcs {
		require.NoError(t, s.Open())
		a.Adopt(s)
	}
	require.NoError(t, a.Close())
	for _, s := range srcs {
		assert.False(t, s.IsOpen())
		assert.Equal(t, 1, s.Closed())
	}
}

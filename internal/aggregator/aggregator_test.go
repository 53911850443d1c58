package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
)

func testFrames(t *testing.T, n int) []*gocv.Mat {
	t.Helper()
	out := make([]*gocv.Mat, n)
	for i := range out {
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(10*i), 0, 0, 0), 8, 8, gocv.MatTypeCV8UC3)
		out[i] = &m
		t.Cleanup(func() { m.Close() })
	}
	return out
}

func testParams(timeout time.Duration) params.Parameters {
	return params.Default().With(params.SourceTimeout, float64(timeout/time.Millisecond))
}

func start(t *testing.T, a *Aggregator) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- a.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		for fs := range a.Framesets() {
			fs.Close()
		}
		<-finished
	})
	return cancel, done
}

func next(t *testing.T, a *Aggregator) *frame.Frameset {
	t.Helper()
	select {
	case fs, ok := <-a.Framesets():
		require.True(t, ok, "output closed")
		return fs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frameset")
		return nil
	}
}

func TestNewArity(t *testing.T) {
	_, err := New(nil, params.Default())
	assert.ErrorIs(t, err, ErrArity)

	srcs := make([]capture.Source, frame.MaxArity+1)
	for i := range srcs {
		srcs[i] = capture.NewMockSource("m", nil, false)
	}
	_, err = New(srcs, params.Default())
	assert.ErrorIs(t, err, ErrArity)
}

func TestAggregatorEmitsFramesets(t *testing.T) {
	frames := testFrames(t, 3)
	a, err := New([]capture.Source{
		capture.NewMockSource("a", frames, true),
		capture.NewMockSource("b", frames, true),
	}, testParams(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, a.Arity())

	start(t, a)

	var last uint64
	for i := 0; i < 10; i++ {
		fs := next(t, a)
		assert.LessOrEqual(t, fs.Len(), a.Arity())
		assert.Equal(t, 2, fs.Len(), "both sources deliver within the window")
		if i > 0 {
			assert.Greater(t, fs.Seq, last)
		}
		last = fs.Seq
		for _, cam := range fs.Cameras() {
			assert.Equal(t, cam, fs.Get(cam).Camera)
			assert.Equal(t, fs.Seq, fs.Get(cam).Seq)
		}
		fs.Close()
	}

	select {
	case <-a.Ready():
	default:
		t.Fatal("ready not signalled")
	}
	assert.Equal(t, 2, a.Live())
}

func TestAggregatorStalledSource(t *testing.T) {
	frames := testFrames(t, 1)
	stalled := capture.NewMockSource("slow", frames, true).WithDelay(time.Second)
	a, err := New([]capture.Source{
		capture.NewMockSource("fast", frames, true),
		stalled,
	}, testParams(20*time.Millisecond))
	require.NoError(t, err)

	start(t, a)

	began := time.Now()
	for i := 0; i < 3; i++ {
		fs := next(t, a)
		assert.NotNil(t, fs.Get(0))
		assert.Nil(t, fs.Get(1), "stalled camera is absent")
		fs.Close()
	}
	assert.Less(t, time.Since(began), 900*time.Millisecond, "a stalled source does not block the others")
}

func TestAggregatorDeadSource(t *testing.T) {
	frames := testFrames(t, 2)
	failing := capture.NewMockSource("flaky", frames, true).WithFailAfter(2)
	a, err := New([]capture.Source{
		capture.NewMockSource("ok", frames, true),
		failing,
	}, testParams(200*time.Millisecond))
	require.NoError(t, err)

	start(t, a)

	var ev Event
	deadline := time.After(2 * time.Second)
	for got := false; !got; {
		select {
		case fs := <-a.Framesets():
			fs.Close()
		case ev = <-a.Events():
			got = true
		case <-deadline:
			t.Fatal("no source event")
		}
	}
	assert.Equal(t, frame.CameraIndex(1), ev.Camera)
	assert.Equal(t, "flaky", ev.SourceID)
	assert.ErrorIs(t, ev.Err, capture.ErrInjected)
	assert.Equal(t, 1, failing.Closed())
	assert.Equal(t, 1, a.Live())

	// The pipeline continues with the remaining camera.
	for i := 0; i < 3; i++ {
		fs := next(t, a)
		assert.NotNil(t, fs.Get(0))
		assert.Nil(t, fs.Get(1))
		fs.Close()
	}
}

func TestAggregatorAllSourcesDead(t *testing.T) {
	frames := testFrames(t, 2)
	srcs := []*capture.MockSource{
		capture.NewMockSource("a", frames, false),
		capture.NewMockSource("b", frames, false),
	}
	a, err := New([]capture.Source{srcs[0], srcs[1]}, testParams(200*time.Millisecond))
	require.NoError(t, err)

	_, done := start(t, a)

	n := 0
	for fs := range a.Framesets() {
		n += fs.Len()
		fs.Close()
	}
	assert.Equal(t, 4, n, "every frame is delivered before end of stream")

	var events []Event
	for ev := range a.Events() {
		events = append(events, ev)
	}
	assert.Len(t, events, 2)
	for _, ev := range events {
		assert.ErrorIs(t, ev.Err, capture.ErrEndOfStream)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAllSourcesDead)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	for _, s := range srcs {
		assert.Equal(t, 1, s.Closed())
	}
}

func TestAggregatorOpenFailure(t *testing.T) {
	frames := testFrames(t, 1)
	broken := capture.NewMockSource("broken", frames, true).WithOpenError(errors.New("no device"))
	a, err := New([]capture.Source{
		broken,
		capture.NewMockSource("ok", frames, true),
	}, testParams(100*time.Millisecond))
	require.NoError(t, err)

	start(t, a)

	select {
	case ev := <-a.Events():
		assert.Equal(t, frame.CameraIndex(0), ev.Camera)
		assert.EqualError(t, ev.Err, "no device")
	case <-time.After(2 * time.Second):
		t.Fatal("no open failure event")
	}

	fs := next(t, a)
	assert.Nil(t, fs.Get(0))
	assert.NotNil(t, fs.Get(1))
	fs.Close()
}

func TestAggregatorCancel(t *testing.T) {
	frames := testFrames(t, 1)
	srcs := []*capture.MockSource{
		capture.NewMockSource("a", frames, true),
		capture.NewMockSource("b", frames, true),
	}
	a, err := New([]capture.Source{srcs[0], srcs[1]}, testParams(100*time.Millisecond))
	require.NoError(t, err)

	cancel, done := start(t, a)
	next(t, a).Close()

	cancel()
	for fs := range a.Framesets() {
		fs.Close()
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	for _, s := range srcs {
		assert.False(t, s.IsOpen())
		assert.Equal(t, 1, s.Closed())
	}

	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyStarted)
}

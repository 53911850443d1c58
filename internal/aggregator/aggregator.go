// Package aggregator merges independent camera sources into framesets.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
)

var (
	// ErrArity is returned for a source count outside 1..frame.MaxArity.
	ErrArity = errors.New("unsupported number of sources")
	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("aggregator already started")
	// ErrAllSourcesDead is returned by Run once no source is left.
	ErrAllSourcesDead = errors.New("all sources dead")
)

// Event reports a source that stopped producing frames.
type Event struct {
	Camera   frame.CameraIndex
	SourceID string
	Err      error
}

type reading struct {
	cam frame.CameraIndex
	img *gocv.Mat
	at  time.Time
	err error
}

// Aggregator reads every source at its own pace and bundles the frames that
// arrive within one collection window into a frameset. Each source reads at
// most one frame ahead of the consumer.
type Aggregator struct {
	sources []capture.Source
	timeout time.Duration

	out    chan *frame.Frameset
	events chan Event
	ready  chan struct{}

	readyOnce sync.Once
	started   atomic.Bool
	live      atomic.Int32
}

// New takes ownership of sources; camera i is sources[i]. Sources that are
// not open yet are opened by Run.
func New(sources []capture.Source, p params.Parameters) (*Aggregator, error) {
	if len(sources) < 1 || len(sources) > frame.MaxArity {
		return nil, fmt.Errorf("%w: %d", ErrArity, len(sources))
	}
	return &Aggregator{
		sources: append([]capture.Source(nil), sources...),
		timeout: p.Duration(params.SourceTimeout),
		out:     make(chan *frame.Frameset),
		events:  make(chan Event, len(sources)),
		ready:   make(chan struct{}),
	}, nil
}

// Arity returns the number of cameras.
func (a *Aggregator) Arity() int {
	return len(a.sources)
}

// Framesets returns the output stream. It is closed when Run returns.
// The receiver owns every frameset and must Close it.
func (a *Aggregator) Framesets() <-chan *frame.Frameset {
	return a.out
}

// Events reports dead sources. It is closed when Run returns.
func (a *Aggregator) Events() <-chan Event {
	return a.events
}

// Ready is closed once the first frame has arrived from any source.
func (a *Aggregator) Ready() <-chan struct{} {
	return a.ready
}

// Live returns the number of sources still producing frames.
func (a *Aggregator) Live() int {
	return int(a.live.Load())
}

// Run collects framesets until ctx is done or every source died. Every
// source is closed before Run returns. Run may be called only once.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(a.events)
	defer close(a.out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readings := make(chan reading, len(a.sources))
	var credits [frame.MaxArity]chan struct{}
	var alive [frame.MaxArity]bool
	var wg sync.WaitGroup

	for i, src := range a.sources {
		cam := frame.CameraIndex(i)
		if !src.IsOpen() {
			if err := src.Open(); err != nil {
				src.Close()
				a.kill(cam, err)
				continue
			}
		}
		credits[i] = make(chan struct{}, 1)
		credits[i] <- struct{}{}
		alive[i] = true
		a.live.Add(1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.read(ctx, cam, src, credits[cam], readings)
		}()
	}

	err := a.collect(ctx, readings, credits, &alive)

	cancel()
	wg.Wait()
	// Drain frames the readers sent before exiting.
	for len(readings) > 0 {
		if r := <-readings; r.img != nil {
			r.img.Close()
		}
	}
	for i, src := range a.sources {
		if alive[i] {
			src.Close()
		}
	}
	return err
}

func (a *Aggregator) read(ctx context.Context, cam frame.CameraIndex, src capture.Source, credit <-chan struct{}, out chan<- reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-credit:
		}

		img, err := src.ReadFrame()
		r := reading{cam: cam, img: img, at: time.Now(), err: err}
		select {
		case out <- r:
		case <-ctx.Done():
			if img != nil {
				img.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (a *Aggregator) collect(ctx context.Context, readings <-chan reading, credits [frame.MaxArity]chan struct{}, alive *[frame.MaxArity]bool) error {
	arity := len(a.sources)
	var seq uint64

	for {
		if a.live.Load() == 0 {
			opsf("no live sources left")
			return ErrAllSourcesDead
		}

		fs := frame.NewFrameset(seq, arity)
		var deadline <-chan time.Time
		var timer *time.Timer

	cycle:
		for {
			select {
			case <-ctx.Done():
				stopTimer(timer)
				fs.Close()
				return nil

			case r := <-readings:
				if r.err != nil {
					alive[r.cam] = false
					a.sources[r.cam].Close()
					a.live.Add(-1)
					a.kill(r.cam, r.err)
					if a.live.Load() == 0 || fs.Len() == a.Live() {
						break cycle
					}
					continue
				}

				a.readyOnce.Do(func() { close(a.ready) })
				fs.Put(&frame.Frame{Camera: r.cam, Seq: seq, Timestamp: r.at, Image: *r.img})
				if timer == nil {
					timer = time.NewTimer(a.timeout)
					deadline = timer.C
				}
				if fs.Len() == a.Live() {
					break cycle
				}

			case <-deadline:
				timer = nil
				tracef("frameset %d: window closed with %d of %d cameras", seq, fs.Len(), a.Live())
				break cycle
			}
		}
		stopTimer(timer)

		if fs.Len() == 0 {
			continue
		}

		// Present cameras may read their next frame while this set is consumed.
		for _, cam := range fs.Cameras() {
			credits[cam] <- struct{}{}
		}

		select {
		case a.out <- fs:
			seq++
		case <-ctx.Done():
			fs.Close()
			return nil
		}
	}
}

func (a *Aggregator) kill(cam frame.CameraIndex, err error) {
	if errors.Is(err, capture.ErrEndOfStream) {
		diagf("camera %d (%s): end of stream", cam, a.sources[cam].ID())
	} else {
		opsf("camera %d (%s): source failed: %v", cam, a.sources[cam].ID(), err)
	}
	a.events <- Event{Camera: cam, SourceID: a.sources[cam].ID(), Err: err}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

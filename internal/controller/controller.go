// Package controller drives the per-frameset tracking cycle: frames from the
// aggregator go through the trackers to localization, and the results are
// published to consumers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JirkaHarasim/dove-eye-tld/internal/aggregator"
	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/localization"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
	"github.com/JirkaHarasim/dove-eye-tld/internal/tracker"
)

var (
	// ErrArityMismatch is returned for calibration data that does not
	// describe exactly the cameras of the pipeline.
	ErrArityMismatch = errors.New("calibration arity mismatch")
	// ErrInvalidTarget is returned for a target or camera index out of range.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// Config holds what a controller is built from.
type Config struct {
	// Sources become cameras 0..len-1. The controller owns them.
	Sources []capture.Source
	Params  params.Parameters
	// Calibration is the initial snapshot; nil for an uncalibrated pipeline.
	Calibration *calibration.Data
	// Pattern is detected in calibration mode; defaults to a chessboard
	// described by Params.
	Pattern calibration.Pattern
}

// Result is the outcome of one cycle. The receiver owns the frameset and
// must call Close.
type Result struct {
	Frameset *frame.Frameset
	// Marksets has one entry per tracked target; empty while calibrating.
	Marksets []geometry.Markset
	Positset geometry.Positset
	Mode     Mode
}

// Close releases the frames.
func (r *Result) Close() {
	r.Frameset.Close()
}

type startMsg struct{}

type stopMsg struct {
	done chan struct{}
}

type calibrationMsg struct {
	data *calibration.Data
}

type markMsg struct {
	target int
	cam    int
	mark   geometry.Mark
}

type startCalibrationMsg struct{}

type cancelCalibrationMsg struct{}

// run is one started aggregator.
type run struct {
	agg       *aggregator.Aggregator
	cancel    context.CancelFunc
	done      chan error
	ready     <-chan struct{}
	framesets <-chan *frame.Frameset
	events    <-chan aggregator.Event
}

// Controller owns the aggregator, the trackers and localization of one
// pipeline. Its methods only queue requests; a single goroutine handles
// them in order, interleaved with the incoming framesets.
type Controller struct {
	sources []capture.Source
	params  params.Parameters
	pattern calibration.Pattern
	arity   int
	targets int

	loc *localization.Localization

	inbox   *mailbox[any]
	events  *mailbox[Event]
	out     chan Event
	results chan *Result

	state   atomic.Int32
	mode    atomic.Int32
	version atomic.Uint64
	dropped atomic.Uint64

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	run         *run
	trackers    []*tracker.Tracker
	calibration *calibration.CameraCalibration
}

// New validates cfg and starts the controller in the Idle state.
func New(cfg Config) (*Controller, error) {
	arity := len(cfg.Sources)
	if arity < 1 || arity > frame.MaxArity {
		return nil, fmt.Errorf("%w: %d", aggregator.ErrArity, arity)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if _, err := tracker.NewAlgorithm(cfg.Params); err != nil {
		return nil, err
	}
	if cfg.Calibration != nil && cfg.Calibration.Arity() != arity {
		return nil, fmt.Errorf("%w: calibration has %d cameras, pipeline has %d", ErrArityMismatch, cfg.Calibration.Arity(), arity)
	}

	pattern := cfg.Pattern
	if pattern == nil {
		pattern = calibration.NewChessboardPattern(cfg.Params)
	}

	c := &Controller{
		sources: append([]capture.Source(nil), cfg.Sources...),
		params:  cfg.Params,
		pattern: pattern,
		arity:   arity,
		targets: cfg.Params.Int(params.TrackedTargets),
		loc:     localization.New(nil),
		inbox:   newMailbox[any](),
		events:  newMailbox[Event](),
		out:     make(chan Event),
		results: make(chan *Result, cfg.Params.Int(params.ResultBuffer)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.Calibration != nil {
		c.loc.SetCalibration(cfg.Calibration.WithVersion(c.version.Add(1)))
	}

	go c.loop()
	go c.pump()
	return c, nil
}

// Arity returns the number of cameras.
func (c *Controller) Arity() int {
	return c.arity
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Mode returns the current processing mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Calibration returns the active snapshot, nil when uncalibrated.
func (c *Controller) Calibration() *calibration.Data {
	return c.loc.Calibration()
}

// Results delivers one result per processed frameset. Results that find the
// buffer full are dropped. The channel is closed by Close.
func (c *Controller) Results() <-chan *Result {
	return c.results
}

// Dropped returns the number of results discarded because no consumer kept up.
func (c *Controller) Dropped() uint64 {
	return c.dropped.Load()
}

// Events delivers every notification in order. It must be drained until it
// is closed, after Close.
func (c *Controller) Events() <-chan Event {
	return c.out
}

// Start requests the pipeline to start. The state moves to Running once the
// first frame arrives.
func (c *Controller) Start() error {
	return c.send(startMsg{})
}

// Stop requests the pipeline to stop. The returned channel is closed once
// every in-flight frameset is done and the sources are released.
func (c *Controller) Stop() <-chan struct{} {
	done := make(chan struct{})
	if c.send(stopMsg{done: done}) != nil {
		close(done)
	}
	return done
}

// SetCalibrationData publishes d to every stage. Data for another number of
// cameras is rejected. Each accepted snapshot gets the next version.
func (c *Controller) SetCalibrationData(d *calibration.Data) error {
	if d == nil {
		return fmt.Errorf("%w: nil", calibration.ErrInvalidData)
	}
	if d.Arity() != c.arity {
		return fmt.Errorf("%w: calibration has %d cameras, pipeline has %d", ErrArityMismatch, d.Arity(), c.arity)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	return c.send(calibrationMsg{data: d})
}

// SetMark seeds target in camera cam with mark on the next frame.
func (c *Controller) SetMark(target int, cam frame.CameraIndex, mark geometry.Mark) error {
	if target < 0 || target >= c.targets {
		return fmt.Errorf("%w: target %d of %d", ErrInvalidTarget, target, c.targets)
	}
	if int(cam) < 0 || int(cam) >= c.arity {
		return fmt.Errorf("%w: camera %d of %d", ErrInvalidTarget, cam, c.arity)
	}
	if !mark.Valid {
		return fmt.Errorf("%w: invalid mark", ErrInvalidTarget)
	}
	return c.send(markMsg{target: target, cam: int(cam), mark: mark})
}

// StartCalibration switches to calibration mode with no observations.
func (c *Controller) StartCalibration() error {
	return c.send(startCalibrationMsg{})
}

// CancelCalibration discards the observations and resumes tracking.
func (c *Controller) CancelCalibration() error {
	return c.send(cancelCalibrationMsg{})
}

// Close stops the pipeline and waits for the controller to finish. The
// results channel is closed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.inbox.close()
		close(c.quit)
	})
	<-c.done
}

func (c *Controller) send(msg any) error {
	if !c.inbox.put(msg) {
		return ErrClosed
	}
	return nil
}

func (c *Controller) publish(ev Event) {
	c.events.put(ev)
}

// pump forwards events to the consumer so that publishing never blocks.
func (c *Controller) pump() {
	defer close(c.out)
	for {
		select {
		case <-c.events.ready():
		case <-c.done:
			for _, ev := range c.events.drain() {
				c.out <- ev
			}
			return
		}
		for _, ev := range c.events.drain() {
			c.out <- ev
		}
	}
}

func (c *Controller) loop() {
	defer close(c.done)
	defer close(c.results)
	defer c.events.close()

	for {
		var (
			framesets <-chan *frame.Frameset
			events    <-chan aggregator.Event
			ready     <-chan struct{}
			finished  <-chan error
		)
		if r := c.run; r != nil {
			framesets, events, finished = r.framesets, r.events, r.done
			if c.State() == Starting {
				ready = r.ready
			}
		}

		select {
		case <-c.quit:
			for _, msg := range c.inbox.drain() {
				if m, ok := msg.(stopMsg); ok {
					defer close(m.done)
				}
			}
			c.stop()
			return

		case <-c.inbox.ready():
			for _, msg := range c.inbox.drain() {
				c.handle(msg)
			}

		case <-ready:
			c.setState(Running)

		case fs, ok := <-framesets:
			if !ok {
				c.run.framesets = nil
				continue
			}
			c.process(fs)

		case ev, ok := <-events:
			if !ok {
				c.run.events = nil
				continue
			}
			c.sourceRemoved(ev)

		case err := <-finished:
			c.finish(err)
		}
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case startMsg:
		c.start()

	case stopMsg:
		c.stop()
		close(m.done)

	case calibrationMsg:
		d := m.data.WithVersion(c.version.Add(1))
		c.loc.SetCalibration(d)
		diagf("calibration %s version %d active", d.ID, d.Version)
		c.publish(Event{Kind: CalibrationChanged, Calibration: d})

	case markMsg:
		if c.trackers == nil {
			diagf("target %d camera %d: seed ignored while %s", m.target, m.cam, c.State())
			return
		}
		c.trackers[m.target].Seed(frame.CameraIndex(m.cam), m.mark)

	case startCalibrationMsg:
		c.calibration = calibration.New(c.arity, c.pattern, c.params)
		c.setMode(Calibrating)

	case cancelCalibrationMsg:
		if c.calibration != nil {
			c.calibration = nil
			c.setMode(Tracking)
		}
	}
}

func (c *Controller) start() {
	if c.State() != Idle {
		diagf("start ignored while %s", c.State())
		return
	}

	agg, err := aggregator.New(c.sources, c.params)
	if err != nil {
		c.fail(err)
		return
	}
	trackers := make([]*tracker.Tracker, c.targets)
	for i := range trackers {
		algo, err := tracker.NewAlgorithm(c.params)
		if err != nil {
			c.fail(err)
			return
		}
		trackers[i] = tracker.New(algo, c.arity, c.params)
	}
	c.trackers = trackers

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		agg:       agg,
		cancel:    cancel,
		done:      make(chan error, 1),
		ready:     agg.Ready(),
		framesets: agg.Framesets(),
		events:    agg.Events(),
	}
	c.run = r
	go func() {
		r.done <- agg.Run(ctx)
	}()
	c.setState(Starting)
}

// stop cancels the aggregator, drops the framesets it still delivers and
// waits for it to release the sources.
func (c *Controller) stop() {
	r := c.run
	if r == nil {
		return
	}
	c.setState(Stopping)
	r.cancel()
	if r.framesets != nil {
		for fs := range r.framesets {
			fs.Close()
		}
	}
	if err := <-r.done; err != nil {
		diagf("aggregator stopped: %v", err)
	}
	c.release()
	c.setState(Idle)
}

// finish handles an aggregator that ended by itself.
func (c *Controller) finish(err error) {
	r := c.run
	if r.events != nil {
		for ev := range r.events {
			c.sourceRemoved(ev)
		}
	}
	c.release()
	if err != nil {
		c.fail(err)
	}
	c.setState(Idle)
}

func (c *Controller) release() {
	for _, tr := range c.trackers {
		tr.Close()
	}
	c.trackers = nil
	c.run = nil
}

func (c *Controller) process(fs *frame.Frameset) {
	if c.State() == Starting {
		c.setState(Running)
	}

	res := &Result{Frameset: fs, Mode: c.Mode(), Positset: geometry.Positset{Seq: fs.Seq}}
	if c.calibration != nil {
		c.observe(fs)
	} else {
		calib := c.loc.Calibration()
		res.Marksets = make([]geometry.Markset, len(c.trackers))
		for i, tr := range c.trackers {
			res.Marksets[i] = tr.Track(fs, calib)
		}
		res.Positset = c.loc.LocateAll(fs.Seq, res.Marksets)
	}
	tracef("frameset %d: %d cameras", fs.Seq, fs.Len())

	select {
	case c.results <- res:
	default:
		res.Close()
		if n := c.dropped.Add(1); n%100 == 1 {
			opsf("result consumer is behind, %d results dropped", n)
		}
	}
}

func (c *Controller) observe(fs *frame.Frameset) {
	if c.calibration.Add(fs) == 0 {
		return
	}
	progress := c.calibration.Progress()
	c.publish(Event{Kind: CalibrationProgress, Progress: progress})
	if !c.calibration.Ready() {
		return
	}

	d, err := c.calibration.Finalize()
	if err != nil {
		// More views may condition the system; keep collecting.
		diagf("calibration not yet possible: %v", err)
		return
	}
	opsf("calibration finished, reprojection error %.3f px", d.RMS)
	c.calibration = nil
	c.publish(Event{Kind: CalibrationReady, Calibration: d})
	c.setMode(Tracking)
}

func (c *Controller) sourceRemoved(ev aggregator.Event) {
	opsf("camera %d (%s) removed: %v", ev.Camera, ev.SourceID, ev.Err)
	c.publish(Event{Kind: SourceRemoved, Camera: ev.Camera, SourceID: ev.SourceID, Err: ev.Err})
}

func (c *Controller) fail(err error) {
	opsf("%v", err)
	c.publish(Event{Kind: Error, Err: err})
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	diagf("state %s", s)
	c.publish(Event{Kind: StateChanged, State: s})
}

func (c *Controller) setMode(m Mode) {
	if Mode(c.mode.Swap(int32(m))) == m {
		return
	}
	diagf("mode %s", m)
	c.publish(Event{Kind: ModeChanged, Mode: m})
}

// Package app owns the video sources and the tracking pipeline built from
// them, and hands their output to the consumers.
package app

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/controller"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

var (
	// ErrNotInitialized is returned by pipeline operations before Initialize.
	ErrNotInitialized = errors.New("pipeline not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("pipeline already initialized")
	// ErrNoSources is returned when Initialize gets no sources.
	ErrNoSources = errors.New("no sources selected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("application closed")
)

// Config holds configuration options for the application.
type Config struct {
	// Store persists calibrations and, with RecordPosits, the posit log.
	// Optional.
	Store  *store.Store
	Params params.Parameters
	// Open builds device sources for AvailableSources; defaults to
	// capture.NewDeviceSource.
	Open capture.Opener
	// Pattern overrides the calibration pattern of the controller.
	Pattern      calibration.Pattern
	RecordPosits bool
}

// Status is a point-in-time view of the application.
type Status struct {
	Initialized        bool     `json:"initialized"`
	State              string   `json:"state"`
	Mode               string   `json:"mode"`
	Sources            []string `json:"sources"`
	CalibrationID      string   `json:"calibration_id,omitempty"`
	CalibrationVersion uint64   `json:"calibration_version"`
	Dropped            uint64   `json:"dropped"`
	LastSeq            uint64   `json:"last_seq"`
	Targets            int      `json:"targets"`
}

// App owns every video source from enumeration until Close. Sources passed
// to Initialize are handed to the pipeline; the rest are disposed.
type App struct {
	config Config

	mu        sync.Mutex
	params    params.Parameters
	available []capture.Source
	sources   []capture.Source
	ctrl      *controller.Controller
	consumed  chan struct{}
	running   bool
	closed    bool

	lastSeq atomic.Uint64
	posits  *hub[geometry.Positset]
	frames  [frame.MaxArity]*hub[[]byte]
}

// New creates a new App with the given configuration.
func New(config Config) (*App, error) {
	if err := config.Params.Validate(); err != nil {
		return nil, err
	}
	if config.Open == nil {
		config.Open = capture.NewDeviceSource
	}

	a := &App{
		config: config,
		params: config.Params,
		posits: newHub[geometry.Positset](),
	}
	for i := range a.frames {
		a.frames[i] = newHub[[]byte]()
	}
	return a, nil
}

// AvailableSources enumerates the capture devices. The opened sources stay
// open and owned by the application until Initialize or Close. Calling it
// again before Initialize returns the sources found the first time.
func (a *App) AvailableSources() []capture.Source {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.ctrl != nil {
		return nil
	}
	if len(a.available) == 0 {
		a.available = capture.Enumerate(a.config.Open, frame.MaxArity, 2*frame.MaxArity)
		log.Printf("Found %d video sources", len(a.available))
	}
	return append([]capture.Source(nil), a.available...)
}

// Adopt hands an externally created source, such as a video file, to the
// application. It is offered by AvailableSources like an enumerated one.
func (a *App) Adopt(src capture.Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = append(a.available, src)
}

// Initialize builds the pipeline from selected, in camera order, and starts
// it. Every selected source must have been obtained from AvailableSources
// or Adopt; the remaining ones are closed.
func (a *App) Initialize(selected []capture.Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.ctrl != nil {
		return ErrAlreadyInitialized
	}
	if len(selected) == 0 {
		return ErrNoSources
	}
	if len(selected) > frame.MaxArity {
		return fmt.Errorf("%d sources selected, at most %d supported", len(selected), frame.MaxArity)
	}

	held := make(map[capture.Source]bool, len(a.available))
	for _, src := range a.available {
		held[src] = true
	}
	for _, src := range selected {
		if !held[src] {
			panic(fmt.Sprintf("app: source %s is not owned by the application", src.ID()))
		}
		delete(held, src)
	}

	ctrl, err := a.build(selected, a.params, a.restoreCalibration(len(selected)))
	if err != nil {
		return err
	}

	for _, src := range a.available {
		if held[src] {
			log.Printf("Releasing unselected source %s", src.ID())
			if err := src.Close(); err != nil {
				log.Printf("Error closing source %s: %v", src.ID(), err)
			}
		}
	}
	a.available = nil
	a.sources = append([]capture.Source(nil), selected...)
	a.attach(ctrl)
	a.running = true
	return ctrl.Start()
}

// build creates a controller without starting it.
func (a *App) build(sources []capture.Source, p params.Parameters, calib *calibration.Data) (*controller.Controller, error) {
	return controller.New(controller.Config{
		Sources:     sources,
		Params:      p,
		Calibration: calib,
		Pattern:     a.config.Pattern,
	})
}

// restoreCalibration returns the persisted calibration when it fits arity.
func (a *App) restoreCalibration(arity int) *calibration.Data {
	if a.config.Store == nil {
		return nil
	}
	d, err := a.config.Store.Calibrations().Active()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("Failed to load calibration: %v", err)
		}
		return nil
	}
	if d.Arity() != arity {
		log.Printf("Stored calibration %s has %d cameras, pipeline has %d; starting uncalibrated", d.ID, d.Arity(), arity)
		return nil
	}
	log.Printf("Restored calibration %s", d.ID)
	return d
}

func (a *App) attach(ctrl *controller.Controller) {
	a.ctrl = ctrl
	a.consumed = make(chan struct{})
	go a.consume(ctrl, a.consumed)
}

// detach closes the controller, waits for its output to be consumed and
// closes any source the pipeline left open.
func (a *App) detach() {
	if a.ctrl == nil {
		return
	}
	a.ctrl.Close()
	<-a.consumed
	for _, src := range a.sources {
		if src.IsOpen() {
			if err := src.Close(); err != nil {
				log.Printf("Error closing source %s: %v", src.ID(), err)
			}
		}
	}
	a.ctrl = nil
}

// pipeline returns the current controller or ErrNotInitialized.
func (a *App) pipeline() (*controller.Controller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.ctrl == nil {
		return nil, ErrNotInitialized
	}
	return a.ctrl, nil
}

// Start starts a stopped pipeline.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctrl == nil {
		return ErrNotInitialized
	}
	a.running = true
	return a.ctrl.Start()
}

// Stop stops the pipeline and waits until the sources are released.
func (a *App) Stop() error {
	a.mu.Lock()
	if a.ctrl == nil {
		a.mu.Unlock()
		return ErrNotInitialized
	}
	a.running = false
	done := a.ctrl.Stop()
	a.mu.Unlock()

	<-done
	return nil
}

// SetCalibrationData persists d and makes it the active calibration of the
// pipeline.
func (a *App) SetCalibrationData(d *calibration.Data) error {
	ctrl, err := a.pipeline()
	if err != nil {
		return err
	}
	return a.applyCalibration(ctrl, d)
}

func (a *App) applyCalibration(ctrl *controller.Controller, d *calibration.Data) error {
	if err := checkCalibration(ctrl, d); err != nil {
		return err
	}
	if a.config.Store != nil {
		if err := a.config.Store.Calibrations().Save(d); err != nil {
			return fmt.Errorf("failed to save calibration: %w", err)
		}
	}
	return ctrl.SetCalibrationData(d)
}

func checkCalibration(ctrl *controller.Controller, d *calibration.Data) error {
	if d == nil {
		return fmt.Errorf("%w: nil", calibration.ErrInvalidData)
	}
	if d.Arity() != ctrl.Arity() {
		return fmt.Errorf("%w: calibration has %d cameras, pipeline has %d", controller.ErrArityMismatch, d.Arity(), ctrl.Arity())
	}
	return d.Validate()
}

// ActivateCalibration applies a previously stored calibration and marks it
// active in the store.
func (a *App) ActivateCalibration(id string) (*calibration.Data, error) {
	if a.config.Store == nil {
		return nil, store.ErrNotFound
	}
	ctrl, err := a.pipeline()
	if err != nil {
		return nil, err
	}
	repo := a.config.Store.Calibrations()
	d, err := repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if err := checkCalibration(ctrl, d); err != nil {
		return nil, err
	}
	if _, err := repo.Activate(id); err != nil {
		return nil, fmt.Errorf("failed to activate calibration: %w", err)
	}
	if err := ctrl.SetCalibrationData(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Calibration returns the active calibration, nil if there is none.
func (a *App) Calibration() *calibration.Data {
	ctrl, err := a.pipeline()
	if err != nil {
		return nil
	}
	return ctrl.Calibration()
}

// SetMark seeds target in camera cam.
func (a *App) SetMark(target int, cam frame.CameraIndex, mark geometry.Mark) error {
	ctrl, err := a.pipeline()
	if err != nil {
		return err
	}
	return ctrl.SetMark(target, cam, mark)
}

// StartCalibration switches the pipeline to calibration mode. The finished
// calibration is applied automatically.
func (a *App) StartCalibration() error {
	ctrl, err := a.pipeline()
	if err != nil {
		return err
	}
	return ctrl.StartCalibration()
}

// CancelCalibration resumes tracking without a new calibration.
func (a *App) CancelCalibration() error {
	ctrl, err := a.pipeline()
	if err != nil {
		return err
	}
	return ctrl.CancelCalibration()
}

// Params returns the parameters of the current pipeline.
func (a *App) Params() params.Parameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// Reconfigure rebuilds the pipeline with p from the same sources, which
// reopen their devices. The active calibration is kept. Before Initialize
// only the parameters are replaced.
func (a *App) Reconfigure(p params.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.ctrl == nil {
		a.params = p
		return nil
	}

	// The new controller does not touch the sources before Start, so the
	// running pipeline survives a rejected configuration.
	ctrl, err := a.build(a.sources, p, a.ctrl.Calibration())
	if err != nil {
		log.Printf("Reconfiguration rejected: %v", err)
		return err
	}
	a.detach()
	a.params = p
	a.attach(ctrl)
	log.Printf("Pipeline reconfigured")
	if a.running {
		return ctrl.Start()
	}
	return nil
}

// Status returns the current status.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		State:   controller.Idle.String(),
		Mode:    controller.Tracking.String(),
		LastSeq: a.lastSeq.Load(),
		Targets: a.params.Int(params.TrackedTargets),
	}
	if a.ctrl == nil {
		return st
	}
	st.Initialized = true
	st.State = a.ctrl.State().String()
	st.Mode = a.ctrl.Mode().String()
	st.Dropped = a.ctrl.Dropped()
	for _, src := range a.sources {
		st.Sources = append(st.Sources, src.ID())
	}
	if d := a.ctrl.Calibration(); d != nil {
		st.CalibrationID = d.ID
		st.CalibrationVersion = d.Version
	}
	return st
}

// SubscribePosits streams every positset until cancel is called.
func (a *App) SubscribePosits(buf int) (<-chan geometry.Positset, func()) {
	return a.posits.subscribe(buf)
}

// SubscribeFrames streams JPEG encoded frames of camera cam until cancel is
// called. Frames are only encoded while somebody subscribes.
func (a *App) SubscribeFrames(cam frame.CameraIndex, buf int) (<-chan []byte, func(), error) {
	if cam < 0 || int(cam) >= frame.MaxArity {
		return nil, nil, fmt.Errorf("camera %d out of range", cam)
	}
	ch, cancel := a.frames[cam].subscribe(buf)
	return ch, cancel, nil
}

// Close stops the pipeline and releases every source.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.detach()
	for _, src := range a.available {
		if err := src.Close(); err != nil {
			log.Printf("Error closing source %s: %v", src.ID(), err)
		}
	}
	a.available = nil
	log.Println("Application closed")
	return nil
}

package app

import (
	"log"

	"gocv.io/x/gocv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/controller"
)

// consume drains the results and events of ctrl until both are closed.
//
// Per result:
// 1. Record the positset when posit recording is on
// 2. Publish the positset to subscribers
// 3. Encode and publish frames of cameras somebody is watching
// 4. Release the frameset
//
// A finished calibration is persisted and applied to ctrl.
func (a *App) consume(ctrl *controller.Controller, done chan struct{}) {
	defer close(done)

	results, events := ctrl.Results(), ctrl.Events()
	for results != nil || events != nil {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			a.deliver(r)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.handleEvent(ctrl, ev)
		}
	}
}

func (a *App) deliver(r *controller.Result) {
	defer r.Close()

	a.lastSeq.Store(r.Frameset.Seq)

	if r.Mode == controller.Tracking {
		if a.config.RecordPosits && a.config.Store != nil {
			if err := a.config.Store.Posits().Record(r.Positset); err != nil {
				log.Printf("Failed to record posits %d: %v", r.Positset.Seq, err)
			}
		}
		a.posits.publish(r.Positset)
	}

	for _, cam := range r.Frameset.Cameras() {
		h := a.frames[cam]
		if h.len() == 0 {
			continue
		}
		f := r.Frameset.Get(cam)
		buf, err := gocv.IMEncode(".jpg", f.Image)
		if err != nil {
			log.Printf("Failed to encode frame of camera %d: %v", cam, err)
			continue
		}
		jpeg := append([]byte(nil), buf.GetBytes()...)
		buf.Close()
		h.publish(jpeg)
	}
}

func (a *App) handleEvent(ctrl *controller.Controller, ev controller.Event) {
	switch ev.Kind {
	case controller.StateChanged:
		log.Printf("Pipeline %s", ev.State)
	case controller.ModeChanged:
		log.Printf("Pipeline mode %s", ev.Mode)
	case controller.SourceRemoved:
		log.Printf("Camera %d (%s) removed: %v", ev.Camera, ev.SourceID, ev.Err)
	case controller.CalibrationChanged:
		log.Printf("Calibration %s active as version %d", ev.Calibration.ID, ev.Calibration.Version)
	case controller.CalibrationProgress:
		log.Printf("Calibration views per camera: %v", ev.Progress)
	case controller.CalibrationReady:
		log.Printf("Calibration %s ready, rms %.3f px", ev.Calibration.ID, ev.Calibration.RMS)
		if err := a.applyCalibration(ctrl, ev.Calibration); err != nil {
			log.Printf("Failed to apply calibration %s: %v", ev.Calibration.ID, err)
		}
	case controller.Error:
		log.Printf("Pipeline error: %v", ev.Err)
	}
}

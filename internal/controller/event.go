package controller

import (
	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
)

// State is the lifecycle state of a controller.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Mode selects what the controller does with each frameset.
type Mode int32

const (
	Tracking Mode = iota
	Calibrating
)

func (m Mode) String() string {
	if m == Calibrating {
		return "calibrating"
	}
	return "tracking"
}

// EventKind tells which fields of an Event are set.
type EventKind int

const (
	// StateChanged carries State.
	StateChanged EventKind = iota
	// ModeChanged carries Mode.
	ModeChanged
	// SourceRemoved carries Camera, SourceID and Err.
	SourceRemoved
	// CalibrationChanged carries the newly active Calibration.
	CalibrationChanged
	// CalibrationProgress carries the number of views per camera.
	CalibrationProgress
	// CalibrationReady carries a finished Calibration that is not active yet.
	CalibrationReady
	// Error carries Err.
	Error
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case ModeChanged:
		return "mode_changed"
	case SourceRemoved:
		return "source_removed"
	case CalibrationChanged:
		return "calibration_changed"
	case CalibrationProgress:
		return "calibration_progress"
	case CalibrationReady:
		return "calibration_ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a notification for consumers of the controller.
type Event struct {
	Kind        EventKind
	State       State
	Mode        Mode
	Camera      frame.CameraIndex
	SourceID    string
	Calibration *calibration.Data
	Progress    []int
	Err         error
}

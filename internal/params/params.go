// Package params holds the tunable configuration snapshot shared by every
// pipeline stage.
//
// A Parameters value is immutable once built. Stages receive it at
// construction and never observe changes; reconfiguration builds a new
// snapshot and a new pipeline around it.
package params

import (
	"fmt"
	"time"
)

// Key identifies one tunable. The key set is closed.
type Key int

const (
	// CalibrationRows is the number of inner chessboard corners per row.
	CalibrationRows Key = iota
	// CalibrationCols is the number of inner chessboard corners per column.
	CalibrationCols
	// CalibrationSize is the chessboard cell size in world units (mm).
	CalibrationSize
	// CalibrationMinViews is the minimum number of distinct pattern views per camera.
	CalibrationMinViews
	// CalibrationMinShift is the minimum mean corner displacement (px) between
	// two accepted views of the same camera.
	CalibrationMinShift
	// SearchMargin grows the previous mark bounds (px) to form the search ROI.
	SearchMargin
	// MatchThreshold is the exclusive acceptance threshold for search scores.
	MatchThreshold
	// TemplateRadius is the radius given to automatically derived seed marks.
	TemplateRadius
	// MarkType selects the shape of tracked marks (0 circle, 1 rectangle).
	MarkType
	// TrackerAlgorithm selects the search algorithm (0 template, 1 histogram, 2 circle).
	TrackerAlgorithm
	// HistogramBins is the hue histogram size used by the histogram tracker.
	HistogramBins
	// CircleTolerance is the relative radius tolerance of the circle tracker.
	CircleTolerance
	// EpilineMargin is the half-width (px) of the epipolar search band; 0 disables it.
	EpilineMargin
	// AutoSeed enables motion-derived seeds for lost tracks (0 or 1).
	AutoSeed
	// MotionThreshold is the changed-pixel percentage that counts as motion.
	MotionThreshold
	// SourceTimeout bounds the per-source wait of the aggregator (ms).
	SourceTimeout
	// TrackedTargets is the number of targets tracked at once.
	TrackedTargets
	// ResultBuffer is the capacity of the controller result queue.
	ResultBuffer

	numKeys
)

// Mark shapes selectable through MarkType.
const (
	MarkCircle    = 0
	MarkRectangle = 1
)

// Algorithms selectable through TrackerAlgorithm.
const (
	AlgorithmTemplate  = 0
	AlgorithmHistogram = 1
	AlgorithmCircle    = 2
)

type keyInfo struct {
	name    string
	def     float64
	min     float64
	max     float64
	integer bool
}

var keys = [numKeys]keyInfo{
	CalibrationRows:     {"calibration_rows", 6, 2, 64, true},
	CalibrationCols:     {"calibration_cols", 9, 2, 64, true},
	CalibrationSize:     {"calibration_size", 25, 1e-6, 1e6, false},
	CalibrationMinViews: {"calibration_min_views", 5, 3, 1000, true},
	CalibrationMinShift: {"calibration_min_shift", 15, 0, 1e4, false},
	SearchMargin:        {"search_margin", 20, 0, 1e4, true},
	MatchThreshold:      {"match_threshold", 0.8, 0, 2, false},
	TemplateRadius:      {"template_radius", 15, 1, 1e4, true},
	MarkType:            {"mark_type", MarkCircle, MarkCircle, MarkRectangle, true},
	TrackerAlgorithm:    {"tracker_algorithm", AlgorithmTemplate, AlgorithmTemplate, AlgorithmCircle, true},
	HistogramBins:       {"histogram_bins", 16, 2, 180, true},
	CircleTolerance:     {"circle_tolerance", 0.3, 0, 1, false},
	EpilineMargin:       {"epiline_margin", 8, 0, 1e4, true},
	AutoSeed:            {"auto_seed", 0, 0, 1, true},
	MotionThreshold:     {"motion_threshold", 1.0, 0, 100, false},
	SourceTimeout:       {"source_timeout", 200, 1, 60000, true},
	TrackedTargets:      {"tracked_targets", 1, 1, 16, true},
	ResultBuffer:        {"result_buffer", 4, 1, 1024, true},
}

// String returns the configuration file name of the key.
func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return fmt.Sprintf("Key(%d)", int(k))
	}
	return keys[k].name
}

// Keys returns every key in declaration order.
func Keys() []Key {
	out := make([]Key, numKeys)
	for i := range out {
		out[i] = Key(i)
	}
	return out
}

// ParseKey resolves a configuration file name to its key.
func ParseKey(name string) (Key, bool) {
	for i, info := range keys {
		if info.name == name {
			return Key(i), true
		}
	}
	return 0, false
}

// Parameters is an immutable key/value snapshot.
type Parameters struct {
	values [numKeys]float64
}

// Default returns the parameters with every key at its default value.
func Default() Parameters {
	var p Parameters
	for i, info := range keys {
		p.values[i] = info.def
	}
	return p
}

// Get returns the value of key k.
func (p Parameters) Get(k Key) float64 {
	return p.values[k]
}

// Int returns the value of key k truncated to an int.
func (p Parameters) Int(k Key) int {
	return int(p.values[k])
}

// Bool reports whether key k is non-zero.
func (p Parameters) Bool(k Key) bool {
	return p.values[k] != 0
}

// Duration interprets the value of key k as milliseconds.
func (p Parameters) Duration(k Key) time.Duration {
	return time.Duration(p.values[k] * float64(time.Millisecond))
}

// With returns a copy of p with key k set to v. The receiver is unchanged.
func (p Parameters) With(k Key, v float64) Parameters {
	p.values[k] = v
	return p
}

// Map returns the parameters keyed by configuration name.
func (p Parameters) Map() map[string]float64 {
	out := make(map[string]float64, numKeys)
	for i, info := range keys {
		out[info.name] = p.values[i]
	}
	return out
}

// Validate checks every value against the key's range.
func (p Parameters) Validate() error {
	for i, info := range keys {
		v := p.values[i]
		if v < info.min || v > info.max {
			return fmt.Errorf("%s must be between %g and %g, got %g", info.name, info.min, info.max, v)
		}
		if info.integer && v != float64(int64(v)) {
			return fmt.Errorf("%s must be an integer, got %g", info.name, v)
		}
	}
	return nil
}

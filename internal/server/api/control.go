package api

import (
	"io"
	"net/http"

	"github.com/JirkaHarasim/dove-eye-tld/internal/app"
	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
)

// maxCalibrationBody bounds uploaded calibration documents.
const maxCalibrationBody = 1 << 20

// Pipeline is the live control surface of the application.
type Pipeline interface {
	Status() app.Status
	Calibration() *calibration.Data
	SetCalibrationData(d *calibration.Data) error
	StartCalibration() error
	CancelCalibration() error
}

// ControlHandler serves the pipeline status and its active calibration.
type ControlHandler struct {
	pipeline Pipeline
}

// NewControlHandler creates a new ControlHandler.
func NewControlHandler(p Pipeline) *ControlHandler {
	return &ControlHandler{pipeline: p}
}

// ServeHTTP routes /api/status, /api/calibration, /api/calibration/start
// and /api/calibration/cancel.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/status":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.pipeline.Status())

	case "/api/calibration":
		switch r.Method {
		case http.MethodGet:
			h.getCalibration(w, r)
		case http.MethodPut:
			h.putCalibration(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}

	case "/api/calibration/start", "/api/calibration/cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		run := h.pipeline.StartCalibration
		if r.URL.Path == "/api/calibration/cancel" {
			run = h.pipeline.CancelCalibration
		}
		if err := run(); err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		http.NotFound(w, r)
	}
}

// getCalibration handles GET /api/calibration.
func (h *ControlHandler) getCalibration(w http.ResponseWriter, r *http.Request) {
	d := h.pipeline.Calibration()
	if d == nil {
		writeError(w, http.StatusNotFound, "Not calibrated")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// putCalibration handles PUT /api/calibration. The document is stored and
// becomes the active calibration.
func (h *ControlHandler) putCalibration(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCalibrationBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	d, err := calibration.Unmarshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.pipeline.SetCalibrationData(d); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

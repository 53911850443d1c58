package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

// Activator applies a stored calibration to the running pipeline.
type Activator interface {
	ActivateCalibration(id string) (*calibration.Data, error)
}

// CalibrationHandler handles HTTP requests for stored calibration snapshots.
type CalibrationHandler struct {
	store     *store.Store
	activator Activator
}

// NewCalibrationHandler creates a new CalibrationHandler. activator may be
// nil, in which case activation is unavailable.
func NewCalibrationHandler(s *store.Store, activator Activator) *CalibrationHandler {
	return &CalibrationHandler{store: s, activator: activator}
}

// ServeHTTP routes /api/calibrations, /api/calibrations/{id} and
// /api/calibrations/{id}/activate.
func (h *CalibrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/calibrations")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)
		return
	}

	if id, ok := strings.CutSuffix(path, "/activate"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.activate(w, r, id)
		return
	}

	id := path
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type listCalibrationsResponse struct {
	Calibrations []store.CalibrationSummary `json:"calibrations"`
}

// list handles GET /api/calibrations.
func (h *CalibrationHandler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.Calibrations().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list calibrations")
		return
	}
	if list == nil {
		list = []store.CalibrationSummary{}
	}
	writeJSON(w, http.StatusOK, listCalibrationsResponse{Calibrations: list})
}

// get handles GET /api/calibrations/{id}.
func (h *CalibrationHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	d, err := h.store.Calibrations().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Calibration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get calibration")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// delete handles DELETE /api/calibrations/{id}.
func (h *CalibrationHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	err := h.store.Calibrations().Delete(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Calibration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete calibration")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// activate handles POST /api/calibrations/{id}/activate.
func (h *CalibrationHandler) activate(w http.ResponseWriter, r *http.Request, id string) {
	if h.activator == nil {
		writeError(w, http.StatusServiceUnavailable, "No pipeline")
		return
	}
	d, err := h.activator.ActivateCalibration(id)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JirkaHarasim/dove-eye-tld/internal/app"
	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
	"github.com/JirkaHarasim/dove-eye-tld/internal/controller"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

// Marker seeds tracked targets.
type Marker interface {
	SetMark(target int, cam frame.CameraIndex, mark geometry.Mark) error
}

// MarksHandler handles POST /api/marks.
type MarksHandler struct {
	marker Marker
}

// NewMarksHandler creates a new MarksHandler.
func NewMarksHandler(m Marker) *MarksHandler {
	return &MarksHandler{marker: m}
}

type markRequest struct {
	Target int     `json:"target"`
	Camera int     `json:"camera"`
	Shape  string  `json:"shape"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// mark builds the seed mark; circle is the default shape.
func (req markRequest) mark() (geometry.Mark, bool) {
	center := geometry.Point2{X: req.X, Y: req.Y}
	switch req.Shape {
	case "", "circle":
		if req.Radius <= 0 {
			return geometry.Mark{}, false
		}
		return geometry.Circle(center, req.Radius), true
	case "rectangle":
		if req.Width <= 0 || req.Height <= 0 {
			return geometry.Mark{}, false
		}
		return geometry.Rectangle(center, req.Width, req.Height), true
	default:
		return geometry.Mark{}, false
	}
}

func (h *MarksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	m, ok := req.mark()
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid mark shape or size")
		return
	}

	if err := h.marker.SetMark(req.Target, frame.CameraIndex(req.Camera), m); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// statusOf maps pipeline errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrInvalidTarget),
		errors.Is(err, calibration.ErrInvalidData):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrArityMismatch):
		return http.StatusConflict
	case errors.Is(err, app.ErrNotInitialized),
		errors.Is(err, app.ErrClosed),
		errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

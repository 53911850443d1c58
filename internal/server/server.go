// Package server provides the HTTP server through which consumers control
// the tracker and receive its output.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
	"github.com/JirkaHarasim/dove-eye-tld/internal/server/api"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

// Pipeline is what the server needs from the application.
type Pipeline interface {
	api.Pipeline
	api.Marker
	api.Activator
	SubscribePosits(buf int) (<-chan geometry.Positset, func())
	SubscribeFrames(cam frame.CameraIndex, buf int) (<-chan []byte, func(), error)
}

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	Pipeline  Pipeline
}

// Server represents the HTTP server of the tracker.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// Stored calibrations and the posit log need a Store
	if s.config.Store != nil {
		var activator api.Activator
		if s.config.Pipeline != nil {
			activator = s.config.Pipeline
		}
		calibrations := api.NewCalibrationHandler(s.config.Store, activator)
		s.mux.Handle("/api/calibrations", calibrations)
		s.mux.Handle("/api/calibrations/", calibrations)
		s.mux.Handle("/api/posits", api.NewPositsHandler(s.config.Store))
	}

	// Live endpoints need the pipeline
	if p := s.config.Pipeline; p != nil {
		control := api.NewControlHandler(p)
		s.mux.Handle("/api/status", control)
		s.mux.Handle("/api/calibration", control)
		s.mux.Handle("/api/calibration/", control)
		s.mux.Handle("/api/marks", api.NewMarksHandler(p))
		s.mux.Handle("/api/stream/", NewStreamHandler(p))
		s.mux.Handle("/api/posits/ws", NewPositsHandler(p))
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

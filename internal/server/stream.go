package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
)

// FrameSource supplies JPEG frames of one camera.
type FrameSource interface {
	SubscribeFrames(cam frame.CameraIndex, buf int) (<-chan []byte, func(), error)
}

// StreamHandler serves MJPEG frames of the camera named by the path,
// /api/stream/{camera}.
type StreamHandler struct {
	frames FrameSource
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(frames FrameSource) *StreamHandler {
	return &StreamHandler{frames: frames}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cam, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/stream/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	frames, cancel, err := h.frames.SubscribeFrames(frame.CameraIndex(cam), 1)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case jpeg, ok := <-frames:
			if !ok {
				return
			}

			// Write MJPEG frame
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(jpeg))
			if _, err := w.Write(jpeg); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")

			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

package api

import (
	"net/http"
	"strconv"

	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
)

const (
	defaultPositLimit = 100
	maxPositLimit     = 1000
)

// PositsHandler serves the recorded posit log.
type PositsHandler struct {
	store *store.Store
}

// NewPositsHandler creates a new PositsHandler with the given store.
func NewPositsHandler(s *store.Store) *PositsHandler {
	return &PositsHandler{store: s}
}

type listPositsResponse struct {
	Posits []store.PositRecord `json:"posits"`
}

// ServeHTTP handles GET /api/posits?limit=N, newest first.
func (h *PositsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultPositLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxPositLimit)
	}

	recs, err := h.store.Posits().Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read posits")
		return
	}
	if recs == nil {
		recs = []store.PositRecord{}
	}
	writeJSON(w, http.StatusOK, listPositsResponse{Posits: recs})
}

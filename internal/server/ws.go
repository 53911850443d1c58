package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// PositSource supplies positsets.
type PositSource interface {
	SubscribePosits(buf int) (<-chan geometry.Positset, func())
}

// PositsHandler streams every positset to WebSocket clients as JSON.
type PositsHandler struct {
	posits PositSource
}

// NewPositsHandler creates a new PositsHandler.
func NewPositsHandler(p PositSource) *PositsHandler {
	return &PositsHandler{posits: p}
}

type positMessage struct {
	geometry.Positset
	Timestamp int64 `json:"timestamp"`
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *PositsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	posits, cancel := h.posits.SubscribePosits(16)
	defer cancel()

	// Reading detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ps, ok := <-posits:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := positMessage{Positset: ps, Timestamp: time.Now().UnixMilli()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

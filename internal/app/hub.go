package app

import "sync"

// hub fans values out to subscribers. A subscriber that is not keeping up
// misses values rather than stalling the pipeline.
type hub[T any] struct {
	mu      sync.RWMutex
	clients map[chan T]bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{clients: make(map[chan T]bool)}
}

// subscribe registers a client with a buffer of buf values. The returned
// function unsubscribes and closes the channel.
func (h *hub[T]) subscribe(buf int) (<-chan T, func()) {
	ch := make(chan T, buf)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- v:
		default:
		}
	}
}

func (h *hub[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

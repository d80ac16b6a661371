// Package panel is the admin-panel live channel: a per-store publish and
// subscribe hub streamed to browsers as server-sent events.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/shopfleet/core/logger"
)

// Event is one live update for a store's panel.
type Event struct {
	ID      string          `json:"id"`
	StoreID string          `json:"store_id"`
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans events out to the subscribers of each store.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
	warn   *logger.WarnLimiter
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[*subscriber]struct{}),
		warn:   logger.NewWarnLimiter(logger.CompHTTP, 0),
	}
}

// Subscribe registers a listener for storeID. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(storeID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	set, ok := h.subs[storeID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[storeID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[storeID]; ok {
				if _, ok := set[s]; ok {
					delete(set, s)
					close(s.ch)
				}
				if len(set) == 0 {
					delete(h.subs, storeID)
				}
			}
		})
	}
}

// Publish delivers ev to every subscriber of its store without blocking.
// A subscriber whose buffer is full misses the event. It returns the number
// of subscribers that received it.
func (h *Hub) Publish(ev Event) int {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.subs[ev.StoreID] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			h.warn.Warn(logger.Background(), "panel_slow", "panel.drop",
				slog.String("store_id", ev.StoreID),
				slog.String("payload", ev.Type),
			)
		}
	}
	return delivered
}

// Subscribers returns the number of listeners for storeID.
func (h *Hub) Subscribers(storeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[storeID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, id)
	}
}

// ServeStore streams storeID's events to w until the client goes away.
func (h *Hub) ServeStore(w http.ResponseWriter, r *http.Request, storeID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := h.Subscribe(storeID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug(r.Context(), logger.CompHTTP, "panel.write",
					slog.String("store_id", storeID),
					slog.String("err", err.Error()),
				)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, body)
	return err
}

// Run closes the hub when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/cadence/pkg/audio/player"
)

// EventFinished is the kind of event sent when a playback completed on its
// own.
const EventFinished = "finished"

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

var _ player.CompletionObserver = (*Hub)(nil)

var errHubClosed = errors.New("api: event hub closed")

// Event is one message on GET /v1/events.
type Event struct {
	Kind     string    `json:"event"`
	Type     string    `json:"type"`
	UserData any       `json:"user_data,omitempty"`
	At       time.Time `json:"at"`
}

// Hub fans playback completions out to WebSocket subscribers. Pass it to the
// engine as its completion observer. A subscriber that falls behind loses
// events rather than stalling the player.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool

	dropped atomic.Uint64
}

// NewHub creates an empty [Hub].
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Register adds GET /v1/events to mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/events", h.serve)
}

// OnPlaybackFinished implements [player.CompletionObserver].
func (h *Hub) OnPlaybackFinished(typeTag string, userData any) {
	h.publish(Event{Kind: EventFinished, Type: typeTag, UserData: userData, At: time.Now()})
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *Hub) subscribe() (chan Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan Event, subscriberBuffer)
	h.subs[ch] = struct{}{}
	return ch, true
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errHubClosed)
		return
	}
	defer h.unsubscribe(ch)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("api: events accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("api: events write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		// User data that does not encode is left out.
		ev.UserData = nil
		if data, err = json.Marshal(ev); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Package realtime pushes user-scoped events to websocket clients.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

type Event struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

type subscriber struct {
	send chan Event
}

// Hub fans events out to every connection of a user. Delivery is best
// effort: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu           sync.RWMutex
	rooms        map[string]map[*subscriber]struct{}
	buffer       int
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:        map[string]map[*subscriber]struct{}{},
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) EmitToUser(userID, event string, payload map[string]any) {
	h.mu.RLock()
	room := h.rooms[userID]
	targets := make([]*subscriber, 0, len(room))
	for sub := range room {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		h.logger.Debug("realtime event without subscribers", "user_id", userID, "event", event)
		return
	}
	msg := Event{Event: event, Payload: payload, At: h.now()}
	for _, sub := range targets {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("realtime subscriber lagging, event dropped", "user_id", userID, "event", event)
		}
	}
}

// Subscribe registers a listener for userID. The returned func removes it.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{send: make(chan Event, h.buffer)}
	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = map[*subscriber]struct{}{}
		h.rooms[userID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.send, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.rooms[userID], sub)
			if len(h.rooms[userID]) == 0 {
				delete(h.rooms, userID)
			}
		})
	}
}

func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Serve upgrades the request and streams userID's events until the client
// goes away. Client messages are ignored.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	events, unsubscribe := h.Subscribe(userID)
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("realtime connection opened", "user_id", userID)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case event := <-events:
			if err := h.write(ctx, conn, event); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

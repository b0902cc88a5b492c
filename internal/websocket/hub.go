package chatws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"go.uber.org/zap"
)

// Hub tracks the open realtime connections of every user. All access to the
// connection map happens on the Run goroutine; other goroutines talk to it
// through channels.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	wake       chan struct{}
	done       chan struct{}

	mu      sync.Mutex
	pending []delivery

	heartbeat  Heartbeat
	logger     *zap.Logger
}

type delivery struct {
	event      models.RealtimeEvent
	recipients []string
}

func NewHub(heartbeat Heartbeat, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		heartbeat:  heartbeat.withDefaults(),
		logger:     logger,
	}
}

// Run serves the hub until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.logger.Debug("realtime client registered",
				zap.String("user_id", client.userID),
				zap.Int("connections", len(set)),
			)
		case client := <-h.unregister:
			h.remove(client)
		case <-h.wake:
			for _, d := range h.takePending() {
				h.deliver(d)
			}
		}
	}
}

// Register adds a connection. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish queues event for every open connection of the recipients. It
// never blocks the caller, and events are delivered in the order they were
// published.
func (h *Hub) Publish(event models.RealtimeEvent, recipients []string) {
	h.mu.Lock()
	h.pending = append(h.pending, delivery{event: event, recipients: recipients})
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) takePending() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.pending
	h.pending = nil
	return batch
}

func (h *Hub) deliver(d delivery) {
	payload, err := json.Marshal(d.event)
	if err != nil {
		h.logger.Error("encode realtime event", zap.String("event_cursor", d.event.EventCursor), zap.Error(err))
		return
	}

	seen := make(map[string]struct{}, len(d.recipients))
	for _, userID := range d.recipients {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		h.sendToUser(userID, payload)
	}
}

func (h *Hub) sendToUser(userID string, payload []byte) {
	set, ok := h.clients[userID]
	if !ok {
		return
	}

	for client := range set {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("dropping slow realtime client", zap.String("user_id", userID))
			delete(set, client)
			close(client.send)
		}
	}
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, exists := set[client]; exists {
		delete(set, client)
		close(client.send)
	}
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) closeAll() {
	for userID, set := range h.clients {
		for client := range set {
			close(client.send)
		}
		delete(h.clients, userID)
	}
}

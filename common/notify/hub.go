// Package notify is the Progress Notifier (§6 WebSocket): a server-push
// channel keyed by owner_id that forwards execution status changes to every
// open browser connection for that owner. Grounded on cmd/fanout/*.go's
// hub/client/subscriber split, adapted from a username-keyed approval
// channel into an owner_id-keyed execution-event channel (the approval POST
// endpoint itself is dropped here — decisions arrive through the HITP
// callback API, not this package).
package notify

import (
	"sync"
)

// Logger mirrors the minimal logging contract used across common/.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Message is one event broadcast to every connection owned by OwnerID.
type Message struct {
	OwnerID string
	Data    []byte
}

// Hub maintains active WebSocket connections and broadcasts messages,
// exactly as cmd/fanout/hub.go's Hub did, keyed by owner_id instead of
// username.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*Client
	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	logger      Logger
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		logger:      logger,
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx's
// owner calls Stop (closing done).
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastToOwner(message)
		}
	}
}

// Publish enqueues an event for every connection owned by ownerID. Safe to
// call from any goroutine, including directly from the Orchestrator Driver
// when it runs in the same process as the notifier.
func (h *Hub) Publish(ownerID string, data []byte) {
	h.broadcast <- &Message{OwnerID: ownerID, Data: data}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[client.ownerID] = append(h.connections[client.ownerID], client)
	if h.logger != nil {
		h.logger.Debug("notify client registered", "owner_id", client.ownerID, "total_for_owner", len(h.connections[client.ownerID]))
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.connections[client.ownerID]
	for i, c := range clients {
		if c == client {
			h.connections[client.ownerID] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			if len(h.connections[client.ownerID]) == 0 {
				delete(h.connections, client.ownerID)
			}
			break
		}
	}
}

func (h *Hub) broadcastToOwner(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.connections[message.OwnerID]
	for _, client := range clients {
		select {
		case client.send <- message.Data:
		default:
			if h.logger != nil {
				h.logger.Warn("notify client send buffer full, dropping connection", "owner_id", client.ownerID)
			}
			close(client.send)
		}
	}
}

// ConnectionCount returns the total number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}

package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// OwnerFromToken authorizes a $connect request and returns the owning
// subject. JWKS verification itself is out of scope (§1 non-goals): the
// default implementation reads the raw token string as the owner id, and a
// deployment supplies a real JWT-verifying implementation the same way
// nodes.Completer/AgentInvoker are injected rather than built in.
type OwnerFromToken func(token string) (ownerID string, ok bool)

// Server upgrades WebSocket connections and authorizes them on $connect.
type Server struct {
	hub            *Hub
	ownerFromToken OwnerFromToken
	logger         Logger
}

func NewServer(hub *Hub, ownerFromToken OwnerFromToken, logger Logger) *Server {
	return &Server{hub: hub, ownerFromToken: ownerFromToken, logger: logger}
}

// HandleWebSocket upgrades GET /ws?token=... on $connect, authorizing by the
// query-string token per §6.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	ownerID, ok := s.ownerFromToken(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("websocket upgrade failed", "error", err)
		}
		return
	}

	client := NewClient(s.hub, conn, ownerID)
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// Subscriber forwards Redis pub/sub events published by the Orchestrator
// Driver to the Hub, for deployments where the driver and notifier run as
// separate processes. Grounded on cmd/fanout/redis_subscriber.go, adapted
// from a "workflow:events:{username}" channel to "executions:events:{owner_id}".
type Subscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger Logger
}

func NewSubscriber(redisClient *redis.Client, hub *Hub, logger Logger) *Subscriber {
	return &Subscriber{redis: redisClient, hub: hub, logger: logger}
}

const channelPrefix = "executions:events:"

func (s *Subscriber) Start(ctx context.Context) error {
	pubsub := s.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s*: %w", channelPrefix, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if msg == nil {
				continue
			}
			ownerID := strings.TrimPrefix(msg.Channel, channelPrefix)
			if ownerID == "" {
				continue
			}
			s.hub.Publish(ownerID, []byte(msg.Payload))
		}
	}
}

// PublishKey is the channel an event for ownerID is published on, for
// callers (the Orchestrator Driver's status-change hook) that publish
// through a bare *redis.Client rather than going through a Subscriber.
func PublishKey(ownerID string) string {
	return channelPrefix + ownerID
}

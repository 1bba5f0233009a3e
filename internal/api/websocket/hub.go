// Package websocket pushes execution events and machine state changes to
// browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
	"github.com/orharazi/Scratch-Desk-sub002/internal/machine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

// StatusProvider supplies the snapshot sent to clients when they join.
type StatusProvider interface {
	Status() machine.MachineStatus
}

// TokenValidator authenticates clients. *auth.AuthService implements it.
type TokenValidator interface {
	Enabled() bool
	ValidateToken(token string) (*auth.JWTClaims, []auth.Permission, error)
}

// Hub maintains active WebSocket clients and broadcasts messages. Only
// the Run goroutine touches the client set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	count  sync.Mutex
	total  int
	logger *zap.Logger

	auth   TokenValidator
	status StatusProvider
}

func NewHub(logger *zap.Logger, validator TokenValidator, status StatusProvider) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		auth:       validator,
		status:     status,
	}
}

// Run is the hub's event loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", len(h.clients)))
			if h.status != nil {
				client.queue(h.encode(NewMessage(MessageTypeStatus, h.status.Status())))
			}

		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}

		case message := <-h.broadcast:
			data := h.encode(message)
			if data == nil {
				continue
			}
			for client := range h.clients {
				if !client.queue(data) {
					h.drop(client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.setCount(len(h.clients))
}

func (h *Hub) encode(message Message) []byte {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return nil
	}
	return data
}

// Broadcast queues a message for every client. It never blocks.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// ObserveEvent is registered as an event bus observer.
func (h *Hub) ObserveEvent(e streaming.Event) {
	h.Broadcast(NewEventMessage(e))
}

// ForwardStateChanges broadcasts machine state changes until ctx is done
// or changes is closed.
func (h *Hub) ForwardStateChanges(ctx context.Context, changes <-chan machine.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			h.Broadcast(NewMachineStateMessage(change))
		}
	}
}

func (h *Hub) GetClientCount() int {
	h.count.Lock()
	defer h.count.Unlock()
	return h.total
}

func (h *Hub) setCount(n int) {
	h.count.Lock()
	h.total = n
	h.count.Unlock()
}

// join hands a client to the Run loop. It fails once the hub stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

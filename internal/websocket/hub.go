package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/pkg/metrics"
)

// Message types
const (
	MessageTypeTableEvent   = "table_event"
	MessageTypeInvitation   = "invitation"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string          `json:"type"`
	LobbyID   string          `json:"lobby_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// bodyOID addresses the message to one player's connections.
	bodyOID int
}

// DisconnectFunc is called once a player's last connection is gone.
type DisconnectFunc func(player *domain.Player)

// Hub maintains the set of active clients and replicates lobby changes
// to the clients subscribed to each lobby.
type Hub struct {
	// Subscribed clients by lobby ID
	lobbies map[string]map[*Client]bool

	// Connections by body, for addressed messages
	bodies map[int]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	onDisconnect DisconnectFunc

	mu     sync.RWMutex
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	lobbyID string
}

// NewHub creates a new Hub. onDisconnect may be nil.
func NewHub(onDisconnect DisconnectFunc, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		lobbies:      make(map[string]map[*Client]bool),
		bodies:       make(map[int]map[*Client]bool),
		allClients:   make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *Message, 256),
		subscribe:    make(chan *subscriptionRequest, 64),
		unsubscribe:  make(chan *subscriptionRequest, 64),
		onDisconnect: onDisconnect,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			if client.player != nil {
				conns, ok := h.bodies[client.player.BodyOID]
				if !ok {
					conns = make(map[*Client]bool)
					h.bodies[client.player.BodyOID] = conns
				}
				conns[client] = true
			}
			metrics.UpdateWebsocketConnections(len(h.allClients))
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.removeClient(client)

		case req := <-h.subscribe:
			h.mu.Lock()
			if !h.allClients[req.client] {
				// unregistered while the request was queued
				h.mu.Unlock()
				continue
			}
			if _, ok := h.lobbies[req.lobbyID]; !ok {
				h.lobbies[req.lobbyID] = make(map[*Client]bool)
			}
			h.lobbies[req.lobbyID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "lobby_id", req.lobbyID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.lobbies[req.lobbyID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.lobbies, req.lobbyID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "lobby_id", req.lobbyID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// removeClient forgets client and reports the player gone when it held
// their last connection.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.allClients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.allClients, client)
	for lobbyID, clients := range h.lobbies {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.lobbies, lobbyID)
			}
		}
	}
	gone := false
	if client.player != nil {
		conns := h.bodies[client.player.BodyOID]
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.bodies, client.player.BodyOID)
			gone = true
		}
	}
	close(client.done)
	metrics.UpdateWebsocketConnections(len(h.allClients))
	h.mu.Unlock()

	h.logger.Debug("client unregistered", "client_id", client.id)
	if gone && h.onDisconnect != nil {
		// the callback publishes through this hub
		go h.onDisconnect(client.player.Clone())
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to its lobby's subscribers, or to the
// connections of one body. A client that cannot keep up is disconnected
// rather than silently missing events; it reconnects and reloads the lobby.
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	var targets map[*Client]bool
	switch {
	case message.bodyOID != 0:
		targets = h.bodies[message.bodyOID]
	case message.LobbyID != "":
		targets = h.lobbies[message.LobbyID]
	default:
		targets = h.allClients
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("client buffer full, disconnecting", "client_id", client.id)
		h.removeClient(client)
	}
}

// enqueue hands message to the hub loop, waiting while the queue is full so
// that lobby events are never dropped.
func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.ctx.Done():
	}
}

// PublishTableEvent replicates a table change to the lobby's subscribers.
func (h *Hub) PublishTableEvent(ev domain.TableEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal table event", "error", err)
		return
	}
	h.enqueue(&Message{
		Type:      MessageTypeTableEvent,
		LobbyID:   ev.LobbyID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// PublishInvitation delivers an invitation to its invitee, or to the
// inviter once it has been answered.
func (h *Hub) PublishInvitation(inv *domain.Invitation) {
	to := inv.Invitee
	if inv.State != domain.InvitationPending {
		to = inv.Inviter
	}
	if to == nil {
		return
	}
	data, err := json.Marshal(inv)
	if err != nil {
		h.logger.Error("failed to marshal invitation", "error", err)
		return
	}
	h.enqueue(&Message{
		Type:      MessageTypeInvitation,
		LobbyID:   inv.LobbyID,
		Data:      data,
		Timestamp: time.Now(),
		bodyOID:   to.BodyOID,
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a lobby subscription
func (h *Hub) Subscribe(client *Client, lobbyID string) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, lobbyID: lobbyID}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes a client from a lobby subscription
func (h *Hub) Unsubscribe(client *Client, lobbyID string) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, lobbyID: lobbyID}:
	case <-h.ctx.Done():
	}
}

// GetSubscriberCount returns the number of subscribers of a lobby
func (h *Hub) GetSubscriberCount(lobbyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lobbies[lobbyID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

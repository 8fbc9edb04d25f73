package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lobby-ratings/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Messages buffered per client before it counts as too slow
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	player *domain.Player
	logger *slog.Logger

	// done is closed by the hub once the client is removed. send is never
	// closed so late writers cannot panic.
	done chan struct{}
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type    string `json:"type"`
	LobbyID string `json:"lobby_id,omitempty"`
}

// NewClient creates a new WebSocket client. player is nil for anonymous
// observers, who receive lobby events but no invitations.
func NewClient(hub *Hub, conn *websocket.Conn, player *domain.Player, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		player: player.Clone(),
		logger: logger,
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.sendError("invalid message format")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.LobbyID == "" {
			c.sendError("lobby_id required for subscribe")
			return
		}
		c.hub.Subscribe(c, msg.LobbyID)
		c.sendAck(MessageTypeSubscribed, msg.LobbyID)

	case MessageTypeUnsubscribe:
		if msg.LobbyID != "" {
			c.hub.Unsubscribe(c, msg.LobbyID)
			c.sendAck(MessageTypeUnsubscribed, msg.LobbyID)
		}

	case MessageTypePing:
		c.sendPong()

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
		c.sendError("unknown message type")
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// Every frame carries exactly one message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// The hub removed the client
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) queue(msg Message) {
	data, _ := json.Marshal(msg)
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(errMsg string) {
	data, _ := json.Marshal(map[string]string{"error": errMsg})
	c.queue(Message{Type: MessageTypeError, Data: data, Timestamp: time.Now()})
}

// sendAck sends an acknowledgment message to the client
func (c *Client) sendAck(action, lobbyID string) {
	c.queue(Message{Type: action, LobbyID: lobbyID, Timestamp: time.Now()})
}

// sendPong sends a pong response
func (c *Client) sendPong() {
	c.queue(Message{Type: MessageTypePong, Timestamp: time.Now()})
}

// ServeWs upgrades the request, attaches the connection to hub and
// subscribes it to lobbyIDs.
func ServeWs(hub *Hub, player *domain.Player, lobbyIDs []string, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, player, logger)
	hub.Register(client)
	for _, lobbyID := range lobbyIDs {
		hub.Subscribe(client, lobbyID)
	}

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id)
}

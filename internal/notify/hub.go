package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/spotexchange/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// Message is the envelope written to websocket clients
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MessageOrderbook tags periodic order book snapshots
const MessageOrderbook = "orderbook"

type client struct {
	userID int64
	send   chan []byte
}

// Hub keeps the websocket clients. Trade events go to the connections of
// the users involved; order book snapshots go to everyone. A client that
// cannot keep up loses messages rather than stalling the hub.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
	}
}

func (h *Hub) subscribe(userID int64) *client {
	c := &client{userID: userID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(data []byte, to func(*client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !to(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow websocket client", zap.Int64("user_id", c.userID))
		}
	}
}

// Publish sends event to the connected clients of its recipients
func (h *Hub) Publish(ctx context.Context, event models.TradeEvent) error {
	data, err := json.Marshal(Message{Type: event.Type, Data: event})
	if err != nil {
		return err
	}
	recipients := make(map[int64]struct{}, len(event.Recipients))
	for _, id := range event.Recipients {
		recipients[id] = struct{}{}
	}
	h.deliver(data, func(c *client) bool {
		_, ok := recipients[c.userID]
		return ok
	})
	return nil
}

// Broadcast sends a message to every client
func (h *Hub) Broadcast(msgType string, payload any) error {
	data, err := json.Marshal(Message{Type: msgType, Data: payload})
	if err != nil {
		return err
	}
	h.deliver(data, func(*client) bool { return true })
	return nil
}

// ServeWS upgrades the request and streams messages for userID until the
// connection closes. initial, if not nil, is written first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64, initial *Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	c := h.subscribe(userID)
	h.logger.Debug("websocket client connected", zap.Int64("user_id", userID))

	go h.writeLoop(conn, c, initial)
	h.readLoop(conn, c)
}

// readLoop discards client input and notices when the peer goes away
func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	defer func() {
		h.unsubscribe(c)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client, initial *Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	if initial != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(initial); err != nil {
			return
		}
	}
	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

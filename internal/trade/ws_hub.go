// Package trade — WebSocket hub for real-time price broadcasting.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outcomex/market-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients. Type is
// "trade_executed" or "market_resolved".
type WSMessage struct {
	Type     string   `json:"type"`
	MarketID string   `json:"market_id"`
	Slug     string   `json:"slug"`
	Category string   `json:"category,omitempty"`
	Prices   []string `json:"prices,omitempty"` // indexed by outcome
	Side     string   `json:"side,omitempty"`
	Outcome  int      `json:"outcome"`
	Amount   string   `json:"amount,omitempty"`
}

// wsClient tracks a connection and its optional slug subscriptions. An
// empty subscription set means the client receives everything.
type wsClient struct {
	conn *websocket.Conn

	mu    sync.Mutex
	slugs map[string]bool
}

// wants reports whether the client subscribed to the given slug.
func (c *wsClient) wants(slug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slugs) == 0 || c.slugs[slug]
}

// subscribeMessage is the only inbound message shape the hub understands:
// {"subscribe": ["fed-cut-march-2027", ...]}. Re-sending replaces the set.
type subscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

// WSHub manages WebSocket connections and pushes a message to subscribed
// clients whenever a trade moves prices or a market resolves.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan WSMessage
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(msg.Slug) {
					continue
				}
				if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					client.conn.Close()
					delete(h.clients, client)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues a message for all subscribed clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, slugs: make(map[string]bool)}
	h.register <- client

	// Read pump: handle subscription updates and detect disconnects.
	go func() {
		defer func() { h.unregister <- client }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub subscribeMessage
			if err := json.Unmarshal(data, &sub); err != nil || sub.Subscribe == nil {
				continue
			}
			slugs := make(map[string]bool, len(sub.Subscribe))
			for _, slug := range sub.Subscribe {
				slugs[slug] = true
			}
			client.mu.Lock()
			client.slugs = slugs
			client.mu.Unlock()
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/tunedrop/pipeline/internal/model"
)

// Client represents a WebSocket client subscribed to one asset.
type Client struct {
	AssetID string
	Conn    *websocket.Conn
	Send    chan []byte
}

// Hub maintains active WebSocket connections grouped by asset id.
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast.
type BroadcastMessage struct {
	AssetID string
	Message []byte
}

// Message types pushed to subscribers.
const (
	MessageTypeStage     = "stage"
	MessageTypeLifecycle = "lifecycle"
)

// StageMessage reports one stage transition.
type StageMessage struct {
	Type    string           `json:"type"`
	AssetID string           `json:"assetId"`
	Stage   string           `json:"stage"`
	State   model.StageState `json:"state"`
	Attempt int              `json:"attempt,omitempty"`
}

// LifecycleMessage reports an aggregate lifecycle transition.
type LifecycleMessage struct {
	Type    string               `json:"type"`
	AssetID string               `json:"assetId"`
	State   model.LifecycleState `json:"state"`
	Error   string               `json:"error,omitempty"`
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.AssetID] == nil {
				h.clients[client.AssetID] = make(map[*Client]bool)
			}
			h.clients[client.AssetID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.AssetID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.AssetID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.AssetID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a new client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastStage sends a stage transition to all asset subscribers.
func (h *Hub) BroadcastStage(assetID, stage string, state model.StageState, attempt int) {
	h.send(assetID, StageMessage{
		Type:    MessageTypeStage,
		AssetID: assetID,
		Stage:   stage,
		State:   state,
		Attempt: attempt,
	})
}

// BroadcastLifecycle sends a lifecycle transition to all asset subscribers.
func (h *Hub) BroadcastLifecycle(assetID string, state model.LifecycleState, errMsg string) {
	h.send(assetID, LifecycleMessage{
		Type:    MessageTypeLifecycle,
		AssetID: assetID,
		State:   state,
		Error:   errMsg,
	})
}

func (h *Hub) send(assetID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal ws message: %v", err)
		return
	}
	h.broadcast <- &BroadcastMessage{
		AssetID: assetID,
		Message: data,
	}
}

// HandleConnection handles a WebSocket connection for one asset.
func (h *Hub) HandleConnection(c *websocket.Conn, assetID string) {
	client := &Client{
		AssetID: assetID,
		Conn:    c,
		Send:    make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Writer goroutine with keep-alive pings
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop; the client sends nothing we act on, but reading
	// drains control frames and detects disconnects.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
)

// Conn is the write side of a websocket connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a connected WebSocket client watching one
// conversation as one viewer.
type Client struct {
	ID             string
	ViewerID       string
	ConversationID string
	Conn           Conn
}

// Target selects the clients a message goes to. An empty ConversationID
// addresses every client of the viewer.
type Target struct {
	ClientID       string
	ViewerID       string
	ConversationID string
}

func (t Target) matches(c *Client) bool {
	if t.ClientID != "" {
		return c.ID == t.ClientID
	}
	if c.ViewerID != t.ViewerID {
		return false
	}
	return t.ConversationID == "" || c.ConversationID == t.ConversationID
}

// Hub manages WebSocket connections and message delivery. All writes to a
// connection happen on the hub goroutine.
type Hub struct {
	clients    map[string]*Client         // clientID -> Client
	viewers    map[string]map[string]bool // viewerID -> set of clientIDs
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	mu         sync.RWMutex
}

// BroadcastMessage represents a message to deliver.
type BroadcastMessage struct {
	Target  Target
	Payload any
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		viewers:    make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It accepts a context for graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("[hub] Shutting down...")
			h.closeAllClients()
			close(h.done)
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.done
}

// closeAllClients closes all connected client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		_ = client.Conn.Close()
	}
	h.clients = make(map[string]*Client)
	h.viewers = make(map[string]map[string]bool)
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	if h.viewers[client.ViewerID] == nil {
		h.viewers[client.ViewerID] = make(map[string]bool)
	}
	h.viewers[client.ViewerID][client.ID] = true
	log.Printf("[hub] Client %s (%s in %s) registered", client.ID, client.ViewerID, client.ConversationID)
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		if set := h.viewers[client.ViewerID]; set != nil {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(h.viewers, client.ViewerID)
			}
		}
		log.Printf("[hub] Client %s (%s) unregistered", client.ID, client.ViewerID)
	}
}

func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		log.Printf("[hub] Failed to marshal broadcast message: %v", err)
		return
	}

	if msg.Target.ClientID != "" {
		if client, ok := h.clients[msg.Target.ClientID]; ok {
			h.sendToClient(client, data)
		}
		return
	}
	for clientID := range h.viewers[msg.Target.ViewerID] {
		if client, ok := h.clients[clientID]; ok && msg.Target.matches(client) {
			h.sendToClient(client, data)
		}
	}
}

func (h *Hub) sendToClient(client *Client, data []byte) {
	if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[hub] Failed to send to client %s: %v", client.ID, err)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues payload for every client matching target.
func (h *Hub) Broadcast(target Target, payload any) {
	h.broadcast <- &BroadcastMessage{Target: target, Payload: payload}
}

// Send queues payload for a single client.
func (h *Hub) Send(clientID string, payload any) {
	h.Broadcast(Target{ClientID: clientID}, payload)
}

// GetClient returns a client by ID.
func (h *Hub) GetClient(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ViewCount returns the number of clients of viewerID watching
// conversationID.
func (h *Hub) ViewCount(viewerID, conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for clientID := range h.viewers[viewerID] {
		if client, ok := h.clients[clientID]; ok && client.ConversationID == conversationID {
			n++
		}
	}
	return n
}

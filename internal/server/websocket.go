// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocket-cloud-mlx/modelengine/pkg/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage represents a message sent over WebSocket.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSClient represents a connected WebSocket client. A freshly connected
// client receives every repo's state until it sends a "subscribe" control
// message, at which point it narrows to the named repo_ids (§4.8: a
// dashboard watching one model shouldn't be flooded by every other repo's
// byte-progress stream).
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	closed bool

	mu         sync.Mutex
	subscribed bool
	repoIDs    map[string]bool
}

// wants reports whether repoID's state should be delivered to c.
func (c *WSClient) wants(repoID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.subscribed || c.repoIDs[repoID]
}

func (c *WSClient) subscribe(repoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.repoIDs == nil {
		c.repoIDs = make(map[string]bool)
	}
	c.subscribed = true
	c.repoIDs[repoID] = true
}

func (c *WSClient) unsubscribe(repoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.repoIDs, repoID)
}

// wsControlMessage is a client-to-server message narrowing which repos a
// connection receives state updates for. Any other incoming message is
// ignored rather than rejected, so an older client speaking only the
// read-side protocol still works.
type wsControlMessage struct {
	Type   string `json:"type"`
	RepoID string `json:"repo_id"`
}

// wsStateUpdate pairs a repo_id with its already-encoded state payload, so
// the hub's broadcast loop can filter per client without re-marshalling.
type wsStateUpdate struct {
	repoID string
	data   []byte
}

// WSHub manages WebSocket clients and broadcasts.
type WSHub struct {
	clients      map[*WSClient]bool
	broadcast    chan []byte
	stateUpdates chan wsStateUpdate
	register     chan *WSClient
	unregister   chan *WSClient
	mu           sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:      make(map[*WSClient]bool),
		broadcast:    make(chan []byte, 256),
		stateUpdates: make(chan wsStateUpdate, 256),
		register:     make(chan *WSClient),
		unregister:   make(chan *WSClient),
	}
}

// Run starts the hub's main loop.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[ws] client connected (%d total)", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", len(h.clients))

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()

		case upd := <-h.stateUpdates:
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(upd.repoID) {
					continue
				}
				select {
				case client.send <- upd.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to every connected client, regardless of any
// repo subscription narrowing.
func (h *WSHub) Broadcast(msgType string, data any) {
	msg := WSMessage{Type: msgType, Data: data}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] failed to marshal message: %v", err)
		return
	}

	select {
	case h.broadcast <- jsonData:
	default:
		log.Printf("[ws] broadcast channel full, dropping message")
	}
}

// BroadcastState sends a repo state update to every client that hasn't
// narrowed its subscription away from state.RepoID.
func (h *WSHub) BroadcastState(state engine.RepoState) {
	msg := WSMessage{Type: "repo_state", Data: state}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] failed to marshal repo state: %v", err)
		return
	}

	select {
	case h.stateUpdates <- wsStateUpdate{repoID: state.RepoID, data: jsonData}:
	default:
		log.Printf("[ws] state update channel full, dropping update for %s", state.RepoID)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket handles WebSocket connections.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.wsHub,
	}

	s.wsHub.register <- client

	go client.writePump()
	go client.readPump()

	s.sendInitialState(client)
}

// sendInitialState sends the currently-downloaded repo list to a newly
// connected client.
func (s *Server) sendInitialState(client *WSClient) {
	repos, err := s.engine.EnumerateDownloaded()
	if err != nil {
		repos = nil
	}

	msg := WSMessage{
		Type: "init",
		Data: map[string]any{
			"repos": repos,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.closed {
		select {
		case client.send <- data:
		default:
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
func (c *WSClient) readPump() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			break
		}
		c.handleControlMessage(message)
	}
}

// handleControlMessage applies a subscribe/unsubscribe narrowing request.
// Malformed or unrecognised messages are silently ignored rather than
// dropping the connection, since a stray or future-version message
// shouldn't kill an otherwise healthy read loop.
func (c *WSClient) handleControlMessage(raw []byte) {
	var ctrl wsControlMessage
	if err := json.Unmarshal(raw, &ctrl); err != nil || ctrl.RepoID == "" {
		return
	}
	switch ctrl.Type {
	case "subscribe":
		c.subscribe(ctrl.RepoID)
	case "unsubscribe":
		c.unsubscribe(ctrl.RepoID)
	}
}

// Package hub tracks live websocket connections per user and fans
// server-originated events out to them. It is the concrete connection
// directory behind the relay and the notifier behind the call registry.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/duocall/duocall/internal/emergency"
	"github.com/duocall/duocall/internal/models"
	"github.com/duocall/duocall/internal/presence"
	"github.com/duocall/duocall/internal/relay"
	"github.com/duocall/duocall/internal/signal"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const sendBufferSize = 32

// Client is one websocket connection of an authenticated user. The send
// channel is the per-connection ordered queue drained by the write pump.
type Client struct {
	id     string
	userID string

	Conn *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
}

func NewClient(userID string, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		Conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Outbound is the queue the write pump drains. It is closed when the
// client is removed from the hub.
func (c *Client) Outbound() <-chan []byte { return c.send }

// TrySend enqueues without blocking. Sending on a closed channel during
// teardown is absorbed by the recover.
func (c *Client) TrySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

type Hub struct {
	presence *presence.Tracker
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]map[string]*Client // userID -> connID -> client
	modes map[string]emergency.Mode     // last mode each user reported
}

func New(tracker *presence.Tracker, logger *slog.Logger) *Hub {
	return &Hub{
		presence: tracker,
		log:      logger,
		conns:    make(map[string]map[string]*Client),
		modes:    make(map[string]emergency.Mode),
	}
}

// Add registers a connection. The first connection of a user brings them
// online and announces it to everyone else.
func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	byConn, ok := h.conns[client.userID]
	if !ok {
		byConn = make(map[string]*Client)
		h.conns[client.userID] = byConn
	}
	byConn[client.id] = client
	h.mu.Unlock()

	cameOnline := h.presence.MarkOnline(client.userID, client.id)
	h.log.Info("client connected", "user_id", client.userID, "conn_id", client.id)
	if cameOnline {
		h.broadcastExcept(client.userID, signal.Envelope{Type: signal.EventUserOnline, From: client.userID})
	}
}

// Remove drops a connection. The last connection of a user takes them
// offline, clears their reported mode and announces the departure.
func (h *Hub) Remove(client *Client) {
	h.mu.Lock()
	if byConn, ok := h.conns[client.userID]; ok {
		delete(byConn, client.id)
		if len(byConn) == 0 {
			delete(h.conns, client.userID)
		}
	}
	h.mu.Unlock()

	client.closeSend()
	wentOffline := h.presence.MarkOffline(client.userID, client.id)
	h.log.Info("client disconnected", "user_id", client.userID, "conn_id", client.id)
	if wentOffline {
		h.mu.Lock()
		delete(h.modes, client.userID)
		h.mu.Unlock()
		h.broadcastExcept(client.userID, signal.Envelope{Type: signal.EventUserOffline, From: client.userID})
	}
}

// Connections implements the relay's connection directory.
func (h *Hub) Connections(userID string) []relay.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	byConn := h.conns[userID]
	conns := make([]relay.Conn, 0, len(byConn))
	for _, c := range byConn {
		conns = append(conns, c)
	}
	return conns
}

// NotifyCall delivers a server-originated call event (ring timeout and the
// like) to every connection of a user.
func (h *Hub) NotifyCall(userID, event string, call models.Call) {
	payload, err := json.Marshal(call)
	if err != nil {
		return
	}
	env := signal.Envelope{Type: event, CallID: call.ID, Call: payload}
	h.sendToUser(userID, signal.Encode(env))
}

// SetMode records the mode a user's device reported. The latest report
// wins across devices.
func (h *Hub) SetMode(userID string, mode emergency.Mode) {
	h.mu.Lock()
	h.modes[userID] = mode
	h.mu.Unlock()
}

// ModeOf returns the last mode a user reported, normal when none was.
func (h *Hub) ModeOf(userID string) emergency.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mode, ok := h.modes[userID]; ok {
		return mode
	}
	return emergency.ModeNormal
}

// Broadcast sends an envelope to every connected client.
func (h *Hub) Broadcast(env signal.Envelope) {
	payload := signal.Encode(env)

	h.mu.Lock()
	var clients []*Client
	for _, byConn := range h.conns {
		for _, c := range byConn {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.TrySend(payload)
	}
}

func (h *Hub) sendToUser(userID string, payload []byte) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns[userID]))
	for _, c := range h.conns[userID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.TrySend(payload) {
			h.log.Debug("hub send dropped", "user_id", userID, "conn_id", c.id)
		}
	}
}

func (h *Hub) broadcastExcept(userID string, env signal.Envelope) {
	payload := signal.Encode(env)

	h.mu.Lock()
	var clients []*Client
	for uid, byConn := range h.conns {
		if uid == userID {
			continue
		}
		for _, c := range byConn {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.TrySend(payload)
	}
}

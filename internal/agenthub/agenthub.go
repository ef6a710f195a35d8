// Package agenthub adapts the Policy Distributor's outbound intent onto
// real WebSocket connections, following the teacher's AgentHub event-loop
// pattern (a single goroutine owning the connection map, register/
// unregister channels, and a periodic stale-connection sweep).
//
// Hub implements distribution.Dispatcher: Distribute()'s dispatch step
// calls Hub.Dispatch, which enqueues a wire message on the agent's send
// channel without blocking on network I/O, matching §5's "the distributor
// does not block on the network" requirement.
package agenthub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/logging"
)

// staleAfter mirrors the teacher's 30s stale-connection window.
const staleAfter = 30 * time.Second

// Connection is a single agent's live WebSocket connection.
type Connection struct {
	AgentID  string
	Conn     *websocket.Conn
	LastPing time.Time
	Send     chan []byte

	mu sync.RWMutex
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastPing
}

// policyPush is the wire envelope sent to an agent for a policy
// distribution.
type policyPush struct {
	Type          string `json:"type"`
	PolicyName    string `json:"policyName"`
	PolicyVersion int    `json:"policyVersion"`
	Payload       any    `json:"payload,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Hub is the central manager for agent WebSocket connections.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	register   chan *Connection
	unregister chan string
	stopCh     chan struct{}
}

// NewHub constructs an idle Hub. Call Run in a goroutine to start its
// event loop.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection, 16),
		unregister:  make(chan string, 16),
		stopCh:      make(chan struct{}),
	}
}

// Run starts the hub's event loop; it blocks until Stop is called.
func (h *Hub) Run() {
	logging.AgentHub().Info().Msg("agent hub event loop starting")

	staleTicker := time.NewTicker(10 * time.Second)
	defer staleTicker.Stop()

	for {
		select {
		case conn := <-h.register:
			h.handleRegister(conn)
		case agentID := <-h.unregister:
			h.handleUnregister(agentID)
		case <-staleTicker.C:
			h.checkStale()
		case <-h.stopCh:
			logging.AgentHub().Info().Msg("agent hub event loop stopping")
			return
		}
	}
}

// Stop halts the event loop.
func (h *Hub) Stop() {
	close(h.stopCh)
}

func (h *Hub) handleRegister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.connections[conn.AgentID]; ok {
		close(existing.Send)
		if existing.Conn != nil {
			_ = existing.Conn.Close()
		}
	}
	h.connections[conn.AgentID] = conn
	logging.AgentHub().Info().Str("agent_id", conn.AgentID).Int("total", len(h.connections)).Msg("agent connected")
}

func (h *Hub) handleUnregister(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.connections[agentID]
	if !ok {
		return
	}
	close(conn.Send)
	if conn.Conn != nil {
		_ = conn.Conn.Close()
	}
	delete(h.connections, agentID)
	logging.AgentHub().Info().Str("agent_id", agentID).Msg("agent disconnected")
}

func (h *Hub) checkStale() {
	h.mu.RLock()
	var stale []string
	now := time.Now()
	for id, conn := range h.connections {
		if now.Sub(conn.lastPing()) > staleAfter {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		logging.AgentHub().Warn().Str("agent_id", id).Msg("stale agent connection detected")
		h.unregister <- id
	}
}

// Register enqueues a freshly-accepted connection for the event loop to
// adopt.
func (h *Hub) Register(conn *Connection) {
	conn.LastPing = time.Now()
	h.register <- conn
}

// Unregister enqueues a connection for removal.
func (h *Hub) Unregister(agentID string) {
	h.unregister <- agentID
}

// Touch updates the liveness timestamp for an agent's connection, called
// from the WebSocket read pump on every inbound frame.
func (h *Hub) Touch(agentID string) {
	h.mu.RLock()
	conn, ok := h.connections[agentID]
	h.mu.RUnlock()
	if ok {
		conn.touch()
	}
}

// Connected reports whether an agent currently holds an open connection.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[agentID]
	return ok
}

// Dispatch implements distribution.Dispatcher: it enqueues the policy push
// on the agent's send channel without blocking. If the agent has no open
// connection, it sends nothing and returns nil (the per-agent entry already
// failed the connectionState check upstream).
func (h *Hub) Dispatch(agentID string, policy distribution.Policy, version int) error {
	h.mu.RLock()
	conn, ok := h.connections[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	msg := policyPush{
		Type:          "policyPush",
		PolicyName:    policy.Name,
		PolicyVersion: version,
		Payload:       json.RawMessage(policy.Payload),
		Timestamp:     time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case conn.Send <- data:
	default:
		logging.AgentHub().Warn().Str("agent_id", agentID).Msg("dropped policy push: send buffer full")
	}
	return nil
}

var _ distribution.Dispatcher = (*Hub)(nil)

// Package progressfeed fans orchestrator.ProgressEvent and compute-node
// telemetry out to WebSocket subscribers. It is grounded on the teacher's
// Connection/writePump (internal/server/connection.go): a per-client send
// channel drained by a dedicated goroutine, with periodic pings and a
// bounded buffer that disconnects slow readers rather than blocking
// publishers. This package only ever publishes; there are no client → hub
// commands beyond subscribe/unsubscribe and ping/pong.
package progressfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gtocluster/solver/orchestrator"
	"github.com/gtocluster/solver/registry"
)

// MessageType identifies the shape of Message.Data.
type MessageType string

const (
	TypeSimulationUpdate     MessageType = "simulation_update"
	TypeSystemUpdate         MessageType = "system_update"
	TypeComputeNodeUpdate    MessageType = "compute_node_update"
	TypeSubscriptionConfirm  MessageType = "subscription_confirmed"
	TypePing                MessageType = "ping"
	TypePong                MessageType = "pong"
	TypeError                MessageType = "error"
)

// Message is the envelope every WebSocket frame is serialized as.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func newMessage(t MessageType, data interface{}) (*Message, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Data: b, Timestamp: time.Now()}, nil
}

// SimulationUpdateData mirrors orchestrator.ProgressEvent for the wire.
type SimulationUpdateData struct {
	SimulationID   string             `json:"simulationId"`
	Iterations     int                `json:"iterations"`
	Exploitability float64            `json:"exploitability"`
	Phase          orchestrator.Phase `json:"phase"`
}

// SystemUpdateData is a coarse cluster-wide snapshot.
type SystemUpdateData struct {
	ActiveSimulations int `json:"activeSimulations"`
	AvailableNodes    int `json:"availableNodes"`
	QueuedTasks       int `json:"queuedTasks"`
}

// ComputeNodeUpdateData mirrors a registry.Node for the wire.
type ComputeNodeUpdateData struct {
	NodeID       string           `json:"nodeId"`
	Kind         registry.Kind    `json:"kind"`
	Status       registry.Status  `json:"status"`
	CurrentTasks int              `json:"currentTasks"`
}

// SubscriptionConfirmedData acks a client's filter request.
type SubscriptionConfirmedData struct {
	SimulationID string `json:"simulationId,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

// client is one subscriber connection, optionally filtered to a single
// simulation ID (empty means "all simulations").
type client struct {
	conn         *websocket.Conn
	send         chan *Message
	simulationID string
	closeOnce    sync.Once
}

func (c *client) deliver(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			// send on a closed channel during shutdown; drop silently
			_ = r
		}
	}()
	select {
	case c.send <- msg:
	default:
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Hub broadcasts progress events to every subscribed client, optionally
// filtering simulation_update messages to the client's chosen simulation.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New builds a Hub. The upgrader allows any origin, matching the teacher's
// development-mode CORS posture; a production deployment is expected to
// front this with a reverse proxy that enforces origin checks.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "progressfeed").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a subscriber. The simulationId query parameter, if set,
// narrows simulation_update delivery to that simulation only.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:         conn,
		send:         make(chan *Message, sendBuffer),
		simulationID: r.URL.Query().Get("simulationId"),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	confirm, _ := newMessage(TypeSubscriptionConfirm, SubscriptionConfirmedData{SimulationID: c.simulationID})
	c.deliver(confirm)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if msg.Type == TypePing {
			pong, _ := newMessage(TypePong, struct{}{})
			c.deliver(pong)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast delivers msg to every client, applying the per-client
// simulation filter when filterSimulationID is non-empty.
func (h *Hub) broadcast(msg *Message, filterSimulationID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if filterSimulationID != "" && c.simulationID != "" && c.simulationID != filterSimulationID {
			continue
		}
		c.deliver(msg)
	}
}

// PublishProgress fans out an orchestrator.ProgressEvent as a
// simulation_update message, filtered to clients subscribed to that
// simulation (or unfiltered clients).
func (h *Hub) PublishProgress(ev orchestrator.ProgressEvent) {
	msg, err := newMessage(TypeSimulationUpdate, SimulationUpdateData{
		SimulationID:   ev.SimulationID,
		Iterations:     ev.Iterations,
		Exploitability: ev.Exploitability,
		Phase:          ev.Phase,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal progress event")
		return
	}
	h.broadcast(msg, ev.SimulationID)
}

// PublishComputeNodeUpdate fans out a registry.Node state change to every
// subscriber, unfiltered (compute nodes are cluster-wide, not
// simulation-scoped).
func (h *Hub) PublishComputeNodeUpdate(n registry.Node) {
	msg, err := newMessage(TypeComputeNodeUpdate, ComputeNodeUpdateData{
		NodeID:       n.ID,
		Kind:         n.Kind,
		Status:       n.Status(),
		CurrentTasks: n.CurrentTasks(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal compute node update")
		return
	}
	h.broadcast(msg, "")
}

// PublishSystemUpdate fans out a cluster-wide snapshot to every subscriber.
func (h *Hub) PublishSystemUpdate(data SystemUpdateData) {
	msg, err := newMessage(TypeSystemUpdate, data)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal system update")
		return
	}
	h.broadcast(msg, "")
}

// ClientCount returns the number of currently connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

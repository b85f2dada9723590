package notify

import (
	"context"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/logging"
)

// Message types pushed to websocket clients.
const (
	TypeStateChange = "state_change"
	TypeValue       = "value"
)

// Message is the JSON envelope written to websocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StatePayload is the wire form of a central.StateChange.
type StatePayload struct {
	Peripheral string          `json:"peripheral"`
	Old        string          `json:"old"`
	New        string          `json:"new"`
	Reason     string          `json:"reason"`
	Terminal   bool            `json:"terminal"`
	Failure    *FailurePayload `json:"failure,omitempty"`
	At         time.Time       `json:"at"`
}

// FailurePayload is the wire form of a central.Failure.
type FailurePayload struct {
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Timing       string `json:"timing"`
	FailureCount int    `json:"failure_count"`
}

// ValuePayload is the wire form of a central.Value.
type ValuePayload struct {
	Peripheral     string    `json:"peripheral"`
	Characteristic string    `json:"characteristic"`
	Value          string    `json:"value"` // hex
	At             time.Time `json:"at"`
}

// NewStatePayload converts a state change for the wire.
func NewStatePayload(c central.StateChange) StatePayload {
	p := StatePayload{
		Peripheral: string(c.Peripheral),
		Old:        c.Old.String(),
		New:        c.New.String(),
		Reason:     c.Reason.String(),
		Terminal:   c.Terminal,
		At:         c.At,
	}
	if f := c.Failure; f != nil {
		p.Failure = &FailurePayload{
			Kind:         f.Kind.String(),
			Status:       f.Status.String(),
			Timing:       f.Timing.String(),
			FailureCount: f.FailureCount,
		}
	}
	return p
}

// NewValuePayload converts a subscription value for the wire.
func NewValuePayload(v central.Value) ValuePayload {
	return ValuePayload{
		Peripheral:     string(v.Peripheral),
		Characteristic: v.Characteristic,
		Value:          hex.EncodeToString(v.Data),
		At:             v.At,
	}
}

const (
	clientBuffer = 64
	writeTimeout = time.Second
)

// Hub serves websocket clients on /ws and pushes every event to each of
// them. Slow clients lose messages; clients whose writes fail are dropped.
type Hub struct {
	upgrader websocket.Upgrader
	log      logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

// NewHub constructs a Hub. Cross-origin clients are accepted; the hub is
// meant for local dashboards.
func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan Message, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug(r.Context(), "websocket client connected", logging.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.log.Debug(context.Background(), "websocket write failed", logging.Err(err))
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.once.Do(func() { close(c.send) })
	}
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// OnStateChange implements central.Listener.
func (h *Hub) OnStateChange(c central.StateChange) {
	h.Broadcast(Message{Type: TypeStateChange, Payload: NewStatePayload(c)})
}

// OnValue implements central.ValueListener.
func (h *Hub) OnValue(v central.Value) {
	h.Broadcast(Message{Type: TypeValue, Payload: NewValuePayload(v)})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.once.Do(func() { close(c.send) })
	}
}

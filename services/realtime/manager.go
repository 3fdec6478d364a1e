package realtime

import (
	"log"
	"net/http"
	"sync"
	"time"

	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Constants for gateway configuration
const (
	maxClients           = 100
	sendQueueSize        = 256
	maxClientMessageSize = 512
	writeTimeout         = 10 * time.Second
	pongTimeout          = 60 * time.Second
	pingInterval         = 30 * time.Second

	// Clients ping every 30s. The sweep runs every sweepInterval and closes
	// connections quiet for longer than deadConnectionTimeout, i.e. three
	// missed pings.
	sweepInterval         = 30 * time.Second
	deadConnectionTimeout = 90 * time.Second
)

// Authorizer answers whether a user may view a session. Ownership lives with
// the strategy service, so the gateway only consumes the answer.
type Authorizer interface {
	CanViewSession(userID, sessionID string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface
type AuthorizerFunc func(userID, sessionID string) bool

func (f AuthorizerFunc) CanViewSession(userID, sessionID string) bool {
	return f(userID, sessionID)
}

// Manager is the WebSocket gateway. It owns all client connections and their
// subscription sets; everything else is reached through the injected store
// and event bus, keyed by ids rather than object references.
type Manager struct {
	store    *store.Store
	bus      *eventbus.Bus
	auth     Authorizer
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewManager creates the gateway and starts its heartbeat sweeper
func NewManager(st *store.Store, bus *eventbus.Bus, auth Authorizer) *Manager {
	m := &Manager{
		store: st,
		bus:   bus,
		auth:  auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:    make(map[string]*Connection),
		shutdown: make(chan struct{}),
	}

	go m.sweepLoop()
	return m
}

// HandleWebSocket upgrades the request and runs the connection's pumps. The
// JWT middleware has already authenticated the request and set user_id.
func (m *Manager) HandleWebSocket(c *gin.Context) {
	m.mu.RLock()
	atCapacity := len(m.conns) >= maxClients
	m.mu.RUnlock()
	if atCapacity {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity"})
		return
	}

	userID := c.GetString("user_id")

	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	conn := newConnection(uuid.NewString(), userID, ws, m)

	m.mu.Lock()
	if len(m.conns) >= maxClients {
		m.mu.Unlock()
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
		ws.Close()
		return
	}
	m.conns[conn.id] = conn
	total := len(m.conns)
	m.mu.Unlock()
	log.Printf("WebSocket client connected (%s). Total clients: %d", conn.id, total)

	established := newServerMessage(MsgConnectionEstablished)
	established.ConnectionID = conn.id
	conn.enqueue(established, true)

	go conn.writePump()
	go conn.readPump()
}

// subscribe authorizes, sends the current session snapshot and registers the
// bus subscription. The snapshot substitutes for event replay: nothing
// published before this point is ever delivered.
func (m *Manager) subscribe(c *Connection, sessionID string) {
	if sessionID == "" {
		c.sendError(sessionID, "session_id is required")
		return
	}
	if !m.auth.CanViewSession(c.userID, sessionID) {
		c.sendError(sessionID, "forbidden")
		return
	}

	snap, err := m.store.Get(sessionID)
	if err != nil {
		c.sendError(sessionID, "session not found")
		return
	}

	msg := newServerMessage(MsgCurrentSessionStatus)
	msg.SessionID = sessionID
	msg.Data = snap
	c.enqueue(msg, true)

	if c.isSubscribed(sessionID) {
		// Already subscribed; the refreshed snapshot above is all a
		// re-subscribe needs.
		return
	}

	sub := m.bus.Subscribe(sessionID, c.enqueueEvent)
	if !c.addSub(sessionID, sub) {
		m.bus.Unsubscribe(sub)
	}
}

// unsubscribe drops the session from the connection's set; idempotent
func (m *Manager) unsubscribe(c *Connection, sessionID string) {
	if sub, ok := c.removeSub(sessionID); ok {
		m.bus.Unsubscribe(sub)
	}
}

// removeConnection tears a connection down completely: subscriptions
// unregistered, socket closed, registry entry gone. Safe to call from any
// goroutine and idempotent.
func (m *Manager) removeConnection(c *Connection) {
	m.mu.Lock()
	if _, ok := m.conns[c.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.id)
	total := len(m.conns)
	m.mu.Unlock()

	for _, sub := range c.drainSubs() {
		m.bus.Unsubscribe(sub)
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.ws.Close()
	log.Printf("WebSocket client disconnected (%s). Total clients: %d", c.id, total)
}

// sweepLoop closes connections whose heartbeat went quiet
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.RLock()
	stale := make([]*Connection, 0)
	for _, c := range m.conns {
		if c.heartbeatAge() > deadConnectionTimeout {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		log.Printf("Closing dead connection %s (no heartbeat for %v)", c.id, c.heartbeatAge().Round(time.Second))
		m.removeConnection(c)
	}
}

// BroadcastSystem sends a system notice to every connected client
func (m *Manager) BroadcastSystem(message string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		msg := newServerMessage(MsgSystemBroadcast)
		msg.Message = message
		c.enqueue(msg, false)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown stops the sweeper and closes every connection
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdown) })

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.removeConnection(c)
	}
	log.Println("WebSocket gateway shutdown complete")
}

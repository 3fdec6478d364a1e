package realtime

import (
	"container/list"
	"encoding/json"
	"log"
	"sync"
	"time"

	"qtrain_backend/services/eventbus"

	"github.com/gorilla/websocket"
)

// outbound is one queued wire message. status marks messages that the
// overflow policy must never drop.
type outbound struct {
	data   []byte
	status bool
}

// Connection is one WebSocket client. Delivery is decoupled from the socket:
// event handlers enqueue onto the bounded queue and the write pump drains it,
// so a slow client never blocks the publisher or other connections.
type Connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	mgr    *Manager

	mu            sync.Mutex
	queue         *list.List // of outbound
	subs          map[string]eventbus.Subscription
	lastHeartbeat time.Time
	closed        bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id, userID string, ws *websocket.Conn, mgr *Manager) *Connection {
	return &Connection{
		id:            id,
		userID:        userID,
		ws:            ws,
		mgr:           mgr,
		queue:         list.New(),
		subs:          make(map[string]eventbus.Subscription),
		lastHeartbeat: time.Now(),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// ID returns the connection id assigned at handshake
func (c *Connection) ID() string {
	return c.id
}

// enqueue appends a message to the outbound queue. On overflow the oldest
// droppable (non-status) message goes first; a status message that still
// cannot fit marks the connection unhealthy and tears it down.
func (c *Connection) enqueue(msg ServerMessage, status bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling message for connection %s: %v", c.id, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.queue.Len() < sendQueueSize {
		c.queue.PushBack(outbound{data: data, status: status})
		c.mu.Unlock()
		c.signal()
		return
	}

	// Queue full: evict the oldest non-status message. The scan only walks
	// the undroppable prefix at the front; removal itself is constant time.
	evicted := false
	for e := c.queue.Front(); e != nil; e = e.Next() {
		if !e.Value.(outbound).status {
			c.queue.Remove(e)
			c.queue.PushBack(outbound{data: data, status: status})
			evicted = true
			break
		}
	}
	c.mu.Unlock()

	if evicted {
		c.signal()
		return
	}
	if !status {
		// Incoming message is itself droppable; discard it.
		return
	}

	// A status message could not be queued: the client is hopelessly behind.
	// Teardown runs on its own goroutine because enqueue may be called from a
	// bus handler holding the session's topic lock.
	log.Printf("Connection %s cannot keep up, closing", c.id)
	go c.mgr.removeConnection(c)
}

// enqueueEvent converts a bus event into its wire message and enqueues it
func (c *Connection) enqueueEvent(ev eventbus.Event) {
	msgType, status, ok := wireType(ev.Type)
	if !ok {
		return
	}
	msg := newServerMessage(msgType)
	msg.SessionID = ev.SessionID
	msg.Data = ev.Payload
	c.enqueue(msg, status)
}

func (c *Connection) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Connection) heartbeatAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

// takeQueue drains the queue, returning the pending batch in order
func (c *Connection) takeQueue() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Len() == 0 {
		return nil
	}
	batch := make([]outbound, 0, c.queue.Len())
	for e := c.queue.Front(); e != nil; e = e.Next() {
		batch = append(batch, e.Value.(outbound))
	}
	c.queue.Init()
	return batch
}

// addSub records the bus subscription backing one session subscription;
// returns false if one already exists
func (c *Connection) addSub(sessionID string, sub eventbus.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sessionID]; ok {
		return false
	}
	c.subs[sessionID] = sub
	return true
}

// removeSub drops the subscription for a session; idempotent
func (c *Connection) removeSub(sessionID string) (eventbus.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
	}
	return sub, ok
}

// isSubscribed reports whether the connection subscribes to the session
func (c *Connection) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// drainSubs marks the connection closed and returns all subscriptions for
// the manager to unregister
func (c *Connection) drainSubs() []eventbus.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	subs := make([]eventbus.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]eventbus.Subscription)
	return subs
}

// writePump drains the outbound queue to the socket and keeps the protocol
// level ping going
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.notify:
			for _, msg := range c.takeQueue() {
				c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					go c.mgr.removeConnection(c)
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.mgr.removeConnection(c)
				return
			}
		}
	}
}

// readPump reads and dispatches client messages until the socket dies
func (c *Connection) readPump() {
	defer c.mgr.removeConnection(c)

	c.ws.SetReadLimit(maxClientMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		c.touchHeartbeat()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error on connection %s: %v", c.id, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "malformed message")
			continue
		}

		switch msg.Type {
		case ClientPing:
			c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
			c.touchHeartbeat()
			c.enqueue(newServerMessage(MsgPong), false)

		case ClientSubscribe:
			c.mgr.subscribe(c, msg.SessionID)

		case ClientUnsubscribe:
			c.mgr.unsubscribe(c, msg.SessionID)

		default:
			c.sendError(msg.SessionID, "unknown message type")
		}
	}
}

// sendError enqueues an error message; the connection stays open
func (c *Connection) sendError(sessionID, reason string) {
	msg := newServerMessage(MsgError)
	msg.SessionID = sessionID
	msg.Message = reason
	c.enqueue(msg, true)
}

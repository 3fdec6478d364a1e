package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies session events carried by the bus
type EventType string

const (
	EventStatusChanged  EventType = "status_changed"
	EventProgressUpdate EventType = "progress_update"
	EventMetricUpdate   EventType = "metric_update"
	EventResourceUpdate EventType = "resource_update"
	EventError          EventType = "error"
)

// Event is an immutable session event. Seq is monotonic per session and
// assigned at publish time.
type Event struct {
	SessionID string      `json:"session_id"`
	Type      EventType   `json:"type"`
	Seq       uint64      `json:"seq"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler receives events for one subscription. Handlers run on the
// publisher's goroutine and must hand off quickly (enqueue, not block).
type Handler func(Event)

// Subscription identifies one subscriber on one session's stream
type Subscription struct {
	SessionID string
	ID        string
}

// topic holds the subscriber registry for a single session. Publishing holds
// the topic lock for the whole fan-out, which is what guarantees per-session
// delivery order to each subscriber.
type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]Handler
}

// Bus routes per-session event streams to subscribers. Topics are locked
// individually so unrelated sessions never contend.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Publish delivers the event, in publish order, to every current subscriber
// of the session. Subscribers that join later do not receive it.
func (b *Bus) Publish(sessionID string, eventType EventType, payload interface{}) Event {
	t := b.topic(sessionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev := Event{
		SessionID: sessionID,
		Type:      eventType,
		Seq:       t.seq,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, h := range t.subs {
		h(ev)
	}
	return ev
}

// Subscribe registers a handler for the session's event stream and returns a
// handle for Unsubscribe
func (b *Bus) Subscribe(sessionID string, handler Handler) Subscription {
	t := b.topic(sessionID, true)

	sub := Subscription{SessionID: sessionID, ID: uuid.NewString()}
	t.mu.Lock()
	t.subs[sub.ID] = handler
	t.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription; idempotent
func (b *Bus) Unsubscribe(sub Subscription) {
	t := b.topic(sub.SessionID, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	delete(t.subs, sub.ID)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		b.dropIfEmpty(sub.SessionID)
	}
}

// SubscriberCount returns the number of active subscriptions for a session
func (b *Bus) SubscriberCount(sessionID string) int {
	t := b.topic(sessionID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Bus) topic(sessionID string, create bool) *topic {
	b.mu.RLock()
	t, ok := b.topics[sessionID]
	b.mu.RUnlock()
	if ok || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[sessionID]; ok {
		return t
	}
	t = &topic{subs: make(map[string]Handler)}
	b.topics[sessionID] = t
	return t
}

// dropIfEmpty removes a topic with no subscribers. The sequence counter goes
// with it; that is fine because nobody is left observing the stream.
func (b *Bus) dropIfEmpty(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[sessionID]; ok {
		t.mu.Lock()
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(b.topics, sessionID)
		}
	}
}

package audit

import (
	"log"
	"sync"

	"qtrain_backend/models"
	"qtrain_backend/services/eventbus"

	"gorm.io/gorm"
)

// Recorder is an event bus consumer independent of the WebSocket gateway: it
// subscribes to a session's stream and writes every status_changed event to
// the transition audit table. It detaches itself once the session goes
// terminal.
type Recorder struct {
	db  *gorm.DB
	bus *eventbus.Bus

	mu   sync.Mutex
	subs map[string]eventbus.Subscription
	last map[string]models.SessionStatus
}

// NewRecorder creates a transition audit recorder
func NewRecorder(db *gorm.DB, bus *eventbus.Bus) *Recorder {
	return &Recorder{
		db:   db,
		bus:  bus,
		subs: make(map[string]eventbus.Subscription),
		last: make(map[string]models.SessionStatus),
	}
}

// Attach starts auditing the session's status transitions from the given
// starting status; idempotent
func (r *Recorder) Attach(sessionID string, from models.SessionStatus) {
	r.mu.Lock()
	if _, ok := r.subs[sessionID]; ok {
		r.mu.Unlock()
		return
	}
	r.last[sessionID] = from
	r.mu.Unlock()

	sub := r.bus.Subscribe(sessionID, func(ev eventbus.Event) {
		if ev.Type != eventbus.EventStatusChanged {
			return
		}
		payload, ok := ev.Payload.(eventbus.StatusChangedPayload)
		if !ok {
			return
		}
		r.record(sessionID, payload)
	})

	r.mu.Lock()
	r.subs[sessionID] = sub
	r.mu.Unlock()
}

func (r *Recorder) record(sessionID string, payload eventbus.StatusChangedPayload) {
	r.mu.Lock()
	from := r.last[sessionID]
	r.last[sessionID] = payload.Status
	r.mu.Unlock()

	if r.db != nil {
		transition := models.SessionTransition{
			SessionID:  sessionID,
			FromStatus: from,
			ToStatus:   payload.Status,
			Reason:     payload.Reason,
		}
		if err := r.db.Create(&transition).Error; err != nil {
			log.Printf("Error recording transition for session %s: %v", sessionID, err)
		}
	}

	if payload.Status.IsTerminal() {
		// record runs on the publisher's goroutine with the topic locked;
		// unsubscribing inline would self-deadlock.
		go r.detach(sessionID)
	}
}

func (r *Recorder) detach(sessionID string) {
	r.mu.Lock()
	sub, ok := r.subs[sessionID]
	if ok {
		delete(r.subs, sessionID)
		delete(r.last, sessionID)
	}
	r.mu.Unlock()

	if ok {
		r.bus.Unsubscribe(sub)
	}
}

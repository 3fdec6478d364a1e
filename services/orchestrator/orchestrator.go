package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"qtrain_backend/models"
	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/executor"
	"qtrain_backend/services/store"
)

// DefaultGraceTimeout bounds how long Stop waits for the executor to
// acknowledge a cooperative cancellation
const DefaultGraceTimeout = 10 * time.Second

var (
	ErrAlreadyRunning = errors.New("a live task already exists for this session")

	// Command preconditions and version races surface the store's errors
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrVersionConflict   = store.ErrVersionConflict
)

// task tracks the live orchestrator state for one session
type task struct {
	cancel  context.CancelFunc
	stopAck chan struct{} // closed once the executor reports a terminal outcome
}

// Orchestrator owns the per-session training state machine. It is the sole
// writer of status transitions: every accepted transition goes through the
// store's version check and emits exactly one status_changed event.
type Orchestrator struct {
	store *store.Store
	bus   *eventbus.Bus
	exec  executor.Executor
	grace time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

// NewOrchestrator creates a task orchestrator
func NewOrchestrator(st *store.Store, bus *eventbus.Bus, exec executor.Executor, grace time.Duration) *Orchestrator {
	if grace <= 0 {
		grace = DefaultGraceTimeout
	}
	return &Orchestrator{
		store: st,
		bus:   bus,
		exec:  exec,
		grace: grace,
		tasks: make(map[string]*task),
	}
}

// Start claims the session, transitions pending->running and dispatches the
// job to the executor. Fails with ErrAlreadyRunning when a live task already
// holds the claim.
func (o *Orchestrator) Start(sessionID string, cfg executor.TrainingConfig) error {
	snap, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}

	if !o.store.Claim(sessionID) {
		return ErrAlreadyRunning
	}

	snap, err = o.store.UpdateStatus(sessionID, snap.Version, models.StatusRunning, "")
	if err != nil {
		o.store.ReleaseClaim(sessionID)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, stopAck: make(chan struct{})}
	o.mu.Lock()
	o.tasks[sessionID] = t
	o.mu.Unlock()

	// The accepted pending->running transition gets its event before the
	// dispatch attempt; a dispatch failure is then a separate
	// running->failed transition with its own event.
	o.publishStatus(snap)

	if err := o.exec.Start(ctx, sessionID, cfg); err != nil {
		log.Printf("Executor dispatch failed for session %s: %v", sessionID, err)
		if failed, ferr := o.store.UpdateStatus(sessionID, snap.Version, models.StatusFailed, "executor dispatch failed"); ferr == nil {
			o.publishStatus(failed)
		}
		o.cleanupTask(sessionID)
		o.store.ReleaseClaim(sessionID)
		return err
	}

	log.Printf("Training session %s started (strategy %d)", sessionID, cfg.StrategyID)
	return nil
}

// Pause transitions running->paused and signals the executor
func (o *Orchestrator) Pause(sessionID string) error {
	snap, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}
	if snap.Status != models.StatusRunning {
		return ErrInvalidTransition
	}

	snap, err = o.store.UpdateStatus(sessionID, snap.Version, models.StatusPaused, "")
	if err != nil {
		return err
	}
	if err := o.exec.Pause(sessionID); err != nil {
		log.Printf("Executor pause signal failed for session %s: %v", sessionID, err)
	}
	o.publishStatus(snap)
	return nil
}

// Resume transitions paused->running and signals the executor
func (o *Orchestrator) Resume(sessionID string) error {
	snap, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}
	if snap.Status != models.StatusPaused {
		return ErrInvalidTransition
	}

	snap, err = o.store.UpdateStatus(sessionID, snap.Version, models.StatusRunning, "")
	if err != nil {
		return err
	}
	if err := o.exec.Resume(sessionID); err != nil {
		log.Printf("Executor resume signal failed for session %s: %v", sessionID, err)
	}
	o.publishStatus(snap)
	return nil
}

// Stop signals cooperative cancellation and waits up to the grace timeout
// for the executor to report back. An unresponsive executor gets the session
// force-marked failed with reason executor_unresponsive; local resources are
// released either way.
func (o *Orchestrator) Stop(sessionID string) error {
	snap, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}
	if snap.Status != models.StatusRunning && snap.Status != models.StatusPaused {
		return ErrInvalidTransition
	}

	o.mu.Lock()
	t := o.tasks[sessionID]
	o.mu.Unlock()

	if t == nil {
		// No live task in this process (e.g. after a restart): transition
		// directly, nothing to wait for.
		snap, err = o.store.UpdateStatus(sessionID, snap.Version, models.StatusCancelled, "stopped by user")
		if err != nil {
			return err
		}
		o.store.ReleaseClaim(sessionID)
		o.publishStatus(snap)
		return nil
	}

	if err := o.exec.Stop(sessionID); err != nil {
		log.Printf("Executor stop signal failed for session %s: %v", sessionID, err)
	}

	select {
	case <-t.stopAck:
		// Executor reported an outcome; OnExecutorEvent already persisted the
		// final status and cleaned up.
		return nil
	case <-time.After(o.grace):
		log.Printf("Executor unresponsive stopping session %s, force-marking failed", sessionID)
		if cur, gerr := o.store.Get(sessionID); gerr == nil && !cur.Status.IsTerminal() {
			if failed, uerr := o.store.UpdateStatus(sessionID, cur.Version, models.StatusFailed, "executor_unresponsive"); uerr == nil {
				o.publishStatus(failed)
			} else {
				// A racing terminal write won; its status stands.
				log.Printf("Force-fail discarded for session %s: %v", sessionID, uerr)
			}
		}
		o.cleanupTask(sessionID)
		o.store.ReleaseClaim(sessionID)
		return nil
	}
}

// OnExecutorEvent ingests the executor-reported terminal outcome. This is
// the only path into completed/failed from running. A write that loses the
// version race (e.g. against a concurrent stop) is discarded, not retried.
func (o *Orchestrator) OnExecutorEvent(sessionID string, outcome executor.Outcome) {
	defer o.ackStop(sessionID)

	if !outcome.Status.IsTerminal() {
		log.Printf("Ignoring non-terminal executor outcome %q for session %s", outcome.Status, sessionID)
		return
	}

	snap, err := o.store.Get(sessionID)
	if err != nil {
		log.Printf("Executor outcome for unknown session %s dropped", sessionID)
		return
	}
	if snap.Status.IsTerminal() {
		return
	}

	snap, err = o.store.UpdateStatus(sessionID, snap.Version, outcome.Status, outcome.Reason)
	if err != nil {
		log.Printf("Executor outcome for session %s discarded: %v", sessionID, err)
	} else {
		if outcome.Result != nil {
			outcome.Result.SessionID = sessionID
			if rerr := o.store.SetResult(outcome.Result); rerr != nil {
				log.Printf("Error storing result for session %s: %v", sessionID, rerr)
			}
		}
		o.publishStatus(snap)
		log.Printf("Training session %s finished with status %s", sessionID, snap.Status)
	}

	o.cleanupTask(sessionID)
	o.store.ReleaseClaim(sessionID)
}

// Shutdown cancels all live tasks; used during process shutdown
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for id, t := range o.tasks {
		t.cancel()
		delete(o.tasks, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishStatus(snap *models.TrainingSession) {
	o.bus.Publish(snap.ID, eventbus.EventStatusChanged, eventbus.StatusChangedPayload{
		Status:   snap.Status,
		Reason:   snap.FailureReason,
		Progress: snap.Progress,
		Version:  snap.Version,
	})
}

// ackStop unblocks a waiting Stop call, if any
func (o *Orchestrator) ackStop(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[sessionID]; ok {
		select {
		case <-t.stopAck:
		default:
			close(t.stopAck)
		}
	}
}

// cleanupTask cancels and removes the live task, unblocking any Stop waiter
func (o *Orchestrator) cleanupTask(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[sessionID]; ok {
		select {
		case <-t.stopAck:
		default:
			close(t.stopAck)
		}
		t.cancel()
		delete(o.tasks, sessionID)
	}
}

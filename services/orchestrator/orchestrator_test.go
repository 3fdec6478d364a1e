package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qtrain_backend/models"
	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/executor"
	"qtrain_backend/services/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentExecutor accepts every command and never reports an outcome. Used to
// exercise the unresponsive-executor path.
type silentExecutor struct{}

func (silentExecutor) Start(context.Context, string, executor.TrainingConfig) error { return nil }

func (silentExecutor) Pause(string) error { return nil }

func (silentExecutor) Resume(string) error { return nil }

func (silentExecutor) Stop(string) error { return nil }

// statusRecorder captures status_changed events for one session
type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.SessionStatus
}

func (r *statusRecorder) subscribe(bus *eventbus.Bus, sessionID string) {
	bus.Subscribe(sessionID, func(ev eventbus.Event) {
		if ev.Type != eventbus.EventStatusChanged {
			return
		}
		payload := ev.Payload.(eventbus.StatusChangedPayload)
		r.mu.Lock()
		r.statuses = append(r.statuses, payload.Status)
		r.mu.Unlock()
	})
}

func (r *statusRecorder) seen() []models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SessionStatus(nil), r.statuses...)
}

func newOrchestratorFixture(t *testing.T, exec executor.Executor, grace time.Duration) (*Orchestrator, *store.Store, *eventbus.Bus, string) {
	t.Helper()

	st := store.NewStore(nil)
	bus := eventbus.NewBus()

	total := 3
	sessionID := uuid.NewString()
	require.NoError(t, st.Create(&models.TrainingSession{ID: sessionID, StrategyID: 1, TotalEpochs: &total}))

	return NewOrchestrator(st, bus, exec, grace), st, bus, sessionID
}

func statusOf(t *testing.T, st *store.Store, id string) models.SessionStatus {
	t.Helper()
	snap, err := st.Get(id)
	require.NoError(t, err)
	return snap.Status
}

func TestLifecycleRunsToCompletion(t *testing.T) {
	sim := executor.NewSimulated(nopSink{})
	sim.SetEpochInterval(5 * time.Millisecond)

	orch, st, bus, sessionID := newOrchestratorFixture(t, sim, time.Second)
	sim.SetReporter(orch)

	rec := &statusRecorder{}
	rec.subscribe(bus, sessionID)

	total := 3
	require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{StrategyID: 1, TotalEpochs: total}))
	assert.Equal(t, models.StatusRunning, statusOf(t, st, sessionID))

	require.Eventually(t, func() bool {
		return statusOf(t, st, sessionID) == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	statuses := rec.seen()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusRunning, statuses[0])
	assert.Equal(t, models.StatusCompleted, statuses[1])

	// Claim was released with the terminal transition
	assert.True(t, st.Claim(sessionID))
}

func TestStartTwiceFails(t *testing.T) {
	orch, _, _, sessionID := newOrchestratorFixture(t, silentExecutor{}, time.Second)

	require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 3}))
	assert.ErrorIs(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 3}), ErrAlreadyRunning)
}

// rejectingExecutor refuses every dispatch
type rejectingExecutor struct {
	silentExecutor
}

func (rejectingExecutor) Start(context.Context, string, executor.TrainingConfig) error {
	return errors.New("executor unavailable")
}

func TestStartDispatchFailureEmitsRunningThenFailed(t *testing.T) {
	orch, st, bus, sessionID := newOrchestratorFixture(t, rejectingExecutor{}, time.Second)

	rec := &statusRecorder{}
	rec.subscribe(bus, sessionID)

	require.Error(t, orch.Start(sessionID, executor.TrainingConfig{StrategyID: 1, TotalEpochs: 3}))

	// Both accepted transitions produce an event, in order
	assert.Equal(t, []models.SessionStatus{models.StatusRunning, models.StatusFailed}, rec.seen())

	snap, err := st.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, "executor dispatch failed", snap.FailureReason)

	// Claim released, the session is not stuck as owned
	assert.True(t, st.Claim(sessionID))
}

func TestStartUnknownSessionFails(t *testing.T) {
	orch, _, _, _ := newOrchestratorFixture(t, silentExecutor{}, time.Second)
	assert.ErrorIs(t, orch.Start("missing", executor.TrainingConfig{}), store.ErrSessionNotFound)
}

func TestPauseResumePreconditions(t *testing.T) {
	orch, st, _, sessionID := newOrchestratorFixture(t, silentExecutor{}, time.Second)

	// Not running yet
	assert.ErrorIs(t, orch.Pause(sessionID), ErrInvalidTransition)
	assert.ErrorIs(t, orch.Resume(sessionID), ErrInvalidTransition)

	require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 3}))

	assert.ErrorIs(t, orch.Resume(sessionID), ErrInvalidTransition)
	require.NoError(t, orch.Pause(sessionID))
	assert.Equal(t, models.StatusPaused, statusOf(t, st, sessionID))

	assert.ErrorIs(t, orch.Pause(sessionID), ErrInvalidTransition)
	require.NoError(t, orch.Resume(sessionID))
	assert.Equal(t, models.StatusRunning, statusOf(t, st, sessionID))
}

func TestStopCancelsSimulatedRun(t *testing.T) {
	sim := executor.NewSimulated(nopSink{})
	sim.SetEpochInterval(time.Hour) // never completes on its own

	orch, st, _, sessionID := newOrchestratorFixture(t, sim, 5*time.Second)
	sim.SetReporter(orch)

	require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 3}))

	done := make(chan error, 1)
	go func() {
		done <- orch.Stop(sessionID)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return before the grace timeout")
	}

	snap, err := st.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, snap.Status)
	assert.NotNil(t, snap.CompletedAt)
}

func TestStopForceFailsUnresponsiveExecutor(t *testing.T) {
	orch, st, bus, sessionID := newOrchestratorFixture(t, silentExecutor{}, 50*time.Millisecond)

	rec := &statusRecorder{}
	rec.subscribe(bus, sessionID)

	require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 3}))
	require.NoError(t, orch.Stop(sessionID))

	snap, err := st.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, "executor_unresponsive", snap.FailureReason)

	statuses := rec.seen()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusFailed, statuses[1])

	// A very late executor report is discarded
	orch.OnExecutorEvent(sessionID, executor.Outcome{Status: models.StatusCompleted})
	assert.Equal(t, models.StatusFailed, statusOf(t, st, sessionID))
	assert.Len(t, rec.seen(), 2)
}

func TestStopRacingCompletionYieldsOneTerminalStatus(t *testing.T) {
	for i := 0; i < 20; i++ {
		orch, st, bus, sessionID := newOrchestratorFixture(t, silentExecutor{}, 100*time.Millisecond)

		rec := &statusRecorder{}
		rec.subscribe(bus, sessionID)

		require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 3}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			orch.Stop(sessionID)
		}()
		go func() {
			defer wg.Done()
			orch.OnExecutorEvent(sessionID, executor.Outcome{Status: models.StatusCompleted})
		}()
		wg.Wait()

		final := statusOf(t, st, sessionID)
		assert.True(t, final.IsTerminal())

		terminal := 0
		for _, s := range rec.seen() {
			if s.IsTerminal() {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal, "exactly one terminal status event must be published")
	}
}

func TestStopWithoutLiveTask(t *testing.T) {
	// A session left running by a previous process has no task in memory
	orch, st, _, sessionID := newOrchestratorFixture(t, silentExecutor{}, time.Second)
	_, err := st.UpdateStatus(sessionID, 1, models.StatusRunning, "")
	require.NoError(t, err)

	require.NoError(t, orch.Stop(sessionID))
	assert.Equal(t, models.StatusCancelled, statusOf(t, st, sessionID))
}

func TestStopPreconditions(t *testing.T) {
	orch, st, _, sessionID := newOrchestratorFixture(t, silentExecutor{}, time.Second)

	assert.ErrorIs(t, orch.Stop(sessionID), ErrInvalidTransition)
	assert.ErrorIs(t, orch.Stop("missing"), store.ErrSessionNotFound)

	_, err := st.UpdateStatus(sessionID, 1, models.StatusRunning, "")
	require.NoError(t, err)
	_, err = st.UpdateStatus(sessionID, 2, models.StatusCompleted, "")
	require.NoError(t, err)
	assert.ErrorIs(t, orch.Stop(sessionID), ErrInvalidTransition)
}

func TestCompletionStoresResult(t *testing.T) {
	sim := executor.NewSimulated(nopSink{})
	sim.SetEpochInterval(5 * time.Millisecond)

	orch, st, _, sessionID := newOrchestratorFixture(t, sim, time.Second)
	sim.SetReporter(orch)

	require.NoError(t, orch.Start(sessionID, executor.TrainingConfig{TotalEpochs: 2}))
	require.Eventually(t, func() bool {
		return statusOf(t, st, sessionID) == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// In-memory store has no result table; the call must still be accepted
	// for a known session.
	result, err := st.GetResult(sessionID)
	require.NoError(t, err)
	assert.Nil(t, result)
}

// nopSink discards metric samples
type nopSink struct{}

func (nopSink) Ingest(string, string, float64, *int) error { return nil }

func (nopSink) IngestResource(string, string, float64) error { return nil }

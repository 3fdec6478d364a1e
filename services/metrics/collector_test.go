package metrics

import (
	"sync"
	"testing"
	"time"

	"qtrain_backend/models"
	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWindow = 40 * time.Millisecond

// eventRecorder collects bus events for one session behind a mutex
type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) handle(ev eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) byType(t eventbus.EventType) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newCollectorFixture(t *testing.T) (*Collector, *store.Store, *eventRecorder, string) {
	t.Helper()

	st := store.NewStore(nil)
	bus := eventbus.NewBus()

	total := 10
	sessionID := uuid.NewString()
	require.NoError(t, st.Create(&models.TrainingSession{ID: sessionID, TotalEpochs: &total}))
	_, err := st.UpdateStatus(sessionID, 1, models.StatusRunning, "")
	require.NoError(t, err)

	rec := &eventRecorder{}
	bus.Subscribe(sessionID, rec.handle)

	return NewCollector(nil, st, bus, testWindow, nil), st, rec, sessionID
}

func TestIngestCoalescesWithinWindow(t *testing.T) {
	c, st, rec, sessionID := newCollectorFixture(t)

	// Three samples of the same metric inside one window
	require.NoError(t, c.Ingest(sessionID, "loss", 0.9, nil))
	require.NoError(t, c.Ingest(sessionID, "loss", 0.7, nil))
	require.NoError(t, c.Ingest(sessionID, "loss", 0.5, nil))
	require.NoError(t, c.Ingest(sessionID, "accuracy", 0.6, nil))

	time.Sleep(3 * testWindow)

	updates := rec.byType(eventbus.EventMetricUpdate)
	require.Len(t, updates, 1, "one window of samples must flush as one event")

	payload, ok := updates[0].Payload.(eventbus.MetricUpdatePayload)
	require.True(t, ok)
	require.Len(t, payload.Metrics, 2)
	assert.Equal(t, 0.5, payload.Metrics["loss"].Value, "latest value per metric wins")
	assert.Equal(t, 0.6, payload.Metrics["accuracy"].Value)

	// Every raw sample still lands in the recent-metrics ring
	snap, err := st.Get(sessionID)
	require.NoError(t, err)
	assert.Len(t, snap.RecentMetrics, 4)
}

func TestSeparateWindowsFlushSeparately(t *testing.T) {
	c, _, rec, sessionID := newCollectorFixture(t)

	require.NoError(t, c.Ingest(sessionID, "loss", 0.9, nil))
	time.Sleep(3 * testWindow)
	require.NoError(t, c.Ingest(sessionID, "loss", 0.4, nil))
	time.Sleep(3 * testWindow)

	updates := rec.byType(eventbus.EventMetricUpdate)
	require.Len(t, updates, 2)
}

func TestEpochSampleEmitsProgressUpdate(t *testing.T) {
	c, _, rec, sessionID := newCollectorFixture(t)

	epoch := 4
	require.NoError(t, c.Ingest(sessionID, "loss", 0.3, &epoch))
	time.Sleep(3 * testWindow)

	progress := rec.byType(eventbus.EventProgressUpdate)
	require.Len(t, progress, 1)
	payload, ok := progress[0].Payload.(eventbus.ProgressPayload)
	require.True(t, ok)
	assert.Equal(t, 4, payload.CurrentEpoch)
	assert.InDelta(t, 40.0, payload.Progress, 0.001)
}

func TestStaleEpochEmitsNoProgress(t *testing.T) {
	c, _, rec, sessionID := newCollectorFixture(t)

	epoch := 5
	require.NoError(t, c.Ingest(sessionID, "loss", 0.3, &epoch))
	time.Sleep(3 * testWindow)

	stale := 2
	require.NoError(t, c.Ingest(sessionID, "loss", 0.2, &stale))
	time.Sleep(3 * testWindow)

	progress := rec.byType(eventbus.EventProgressUpdate)
	require.Len(t, progress, 1, "out-of-order epoch must not emit progress")
}

func TestResourceSamplesFlushAsResourceUpdate(t *testing.T) {
	c, _, rec, sessionID := newCollectorFixture(t)

	require.NoError(t, c.IngestResource(sessionID, "gpu_util", 81.0))
	require.NoError(t, c.IngestResource(sessionID, "gpu_util", 88.0))
	require.NoError(t, c.Ingest(sessionID, "loss", 0.2, nil))
	time.Sleep(3 * testWindow)

	resources := rec.byType(eventbus.EventResourceUpdate)
	require.Len(t, resources, 1)
	payload, ok := resources[0].Payload.(eventbus.MetricUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, 88.0, payload.Metrics["gpu_util"].Value)

	// Training metrics and resource usage stay in separate events
	require.Len(t, rec.byType(eventbus.EventMetricUpdate), 1)
}

func TestIngestUnknownSessionFails(t *testing.T) {
	c, _, _, _ := newCollectorFixture(t)
	assert.ErrorIs(t, c.Ingest("missing", "loss", 1.0, nil), store.ErrSessionNotFound)
	assert.ErrorIs(t, c.IngestResource("missing", "cpu", 1.0), store.ErrSessionNotFound)
}

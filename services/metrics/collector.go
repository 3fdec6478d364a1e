package metrics

import (
	"log"
	"sync"
	"time"

	"qtrain_backend/models"
	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/store"

	"gorm.io/gorm"
)

// DefaultThrottleWindow bounds event emission to one flush per session per
// window. Samples arriving inside the window are coalesced, keeping the
// latest value per metric name.
const DefaultThrottleWindow = 250 * time.Millisecond

// pendingWindow accumulates samples for one session until the window timer
// fires
type pendingWindow struct {
	timer     *time.Timer
	metrics   map[string]models.MetricSample
	resources map[string]models.MetricSample
	progress  *eventbus.ProgressPayload
}

// Collector ingests raw metric samples from the training executor, updates
// the session store and emits throttled events on the bus
type Collector struct {
	db      *gorm.DB
	store   *store.Store
	bus     *eventbus.Bus
	window  time.Duration
	archive *Archive

	mu      sync.Mutex
	pending map[string]*pendingWindow
}

// NewCollector creates a metrics collector. archive may be nil.
func NewCollector(db *gorm.DB, st *store.Store, bus *eventbus.Bus, window time.Duration, archive *Archive) *Collector {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Collector{
		db:      db,
		store:   st,
		bus:     bus,
		window:  window,
		archive: archive,
		pending: make(map[string]*pendingWindow),
	}
}

// Ingest records a training metric sample. The sample lands in the session's
// recent-metrics ring immediately; event emission is coalesced per window.
func (c *Collector) Ingest(sessionID, metricName string, value float64, epoch *int) error {
	sample := models.MetricSample{
		SessionID:  sessionID,
		MetricName: metricName,
		Value:      value,
		Epoch:      epoch,
		RecordedAt: time.Now(),
	}
	if err := c.store.AppendMetric(sessionID, sample); err != nil {
		return err
	}

	var progress *eventbus.ProgressPayload
	if epoch != nil {
		prog, current, total, changed, err := c.store.AdvanceEpoch(sessionID, *epoch)
		if err != nil {
			return err
		}
		if changed {
			progress = &eventbus.ProgressPayload{
				Progress:     prog,
				CurrentEpoch: current,
				TotalEpochs:  total,
			}
		}
	}

	c.mu.Lock()
	w := c.pendingLocked(sessionID)
	w.metrics[metricName] = sample
	if progress != nil {
		w.progress = progress
	}
	c.mu.Unlock()
	return nil
}

// IngestResource records a resource usage sample (cpu/memory/gpu). Same
// throttle path as training metrics, emitted as resource_update.
func (c *Collector) IngestResource(sessionID, resourceName string, value float64) error {
	sample := models.MetricSample{
		SessionID:  sessionID,
		MetricName: resourceName,
		Value:      value,
		RecordedAt: time.Now(),
	}
	if err := c.store.AppendMetric(sessionID, sample); err != nil {
		return err
	}

	c.mu.Lock()
	w := c.pendingLocked(sessionID)
	w.resources[resourceName] = sample
	c.mu.Unlock()
	return nil
}

// pendingLocked returns the session's open window, opening one (and arming
// its flush timer) if needed. Caller holds c.mu.
func (c *Collector) pendingLocked(sessionID string) *pendingWindow {
	w, ok := c.pending[sessionID]
	if !ok {
		w = &pendingWindow{
			metrics:   make(map[string]models.MetricSample),
			resources: make(map[string]models.MetricSample),
		}
		w.timer = time.AfterFunc(c.window, func() { c.flush(sessionID) })
		c.pending[sessionID] = w
	}
	return w
}

// flush closes the session's window and emits at most one event per type
func (c *Collector) flush(sessionID string) {
	c.mu.Lock()
	w, ok := c.pending[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, sessionID)
	c.mu.Unlock()

	if w.progress != nil {
		c.bus.Publish(sessionID, eventbus.EventProgressUpdate, *w.progress)
	}
	if len(w.metrics) > 0 {
		c.bus.Publish(sessionID, eventbus.EventMetricUpdate, eventbus.MetricUpdatePayload{Metrics: w.metrics})
	}
	if len(w.resources) > 0 {
		c.bus.Publish(sessionID, eventbus.EventResourceUpdate, eventbus.MetricUpdatePayload{Metrics: w.resources})
	}

	samples := make([]models.MetricSample, 0, len(w.metrics)+len(w.resources))
	for _, s := range w.metrics {
		samples = append(samples, s)
	}
	for _, s := range w.resources {
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return
	}

	if c.db != nil {
		if err := c.db.Create(&samples).Error; err != nil {
			log.Printf("Error persisting metric samples for session %s: %v", sessionID, err)
		}
	}
	if c.archive != nil {
		go c.archive.Store(samples)
	}
}

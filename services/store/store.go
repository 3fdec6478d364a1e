package store

import (
	"errors"
	"log"
	"sync"
	"time"

	"qtrain_backend/models"

	"gorm.io/gorm"
)

// RecentMetricsCapacity bounds the per-session metric tail kept in memory
const RecentMetricsCapacity = 50

var (
	ErrSessionNotFound   = errors.New("training session not found")
	ErrSessionExists     = errors.New("training session already exists")
	ErrVersionConflict   = errors.New("session version conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// entry owns the authoritative in-memory state for one session
type entry struct {
	mu      sync.Mutex
	session models.TrainingSession
	metrics metricRing
}

// Store is the authoritative record of training session state. All status
// mutation goes through version-checked UpdateStatus; snapshots are written
// through to the database best-effort, memory stays the source of truth for
// the running process.
type Store struct {
	db *gorm.DB

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStore creates a session state store backed by db. A nil db keeps the
// store purely in-memory.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:      db,
		entries: make(map[string]*entry),
	}
}

// LoadActive warms the in-memory map with non-terminal sessions from the
// database. Claims are reset: any task that held one died with the previous
// process.
func (s *Store) LoadActive() error {
	if s.db == nil {
		return nil
	}

	var sessions []models.TrainingSession
	err := s.db.
		Where("status IN ?", []models.SessionStatus{models.StatusPending, models.StatusRunning, models.StatusPaused}).
		Find(&sessions).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range sessions {
		sess := sessions[i]
		sess.Claimed = false
		s.entries[sess.ID] = &entry{session: sess, metrics: newMetricRing(RecentMetricsCapacity)}
	}

	if len(sessions) > 0 {
		log.Printf("Loaded %d active training sessions from database", len(sessions))
	}
	return nil
}

// Create registers a new session in pending state
func (s *Store) Create(sess *models.TrainingSession) error {
	if sess.Status == "" {
		sess.Status = models.StatusPending
	}
	if sess.Status != models.StatusPending {
		return ErrInvalidTransition
	}
	sess.Version = 1
	sess.CreatedAt = time.Now()
	sess.UpdatedAt = sess.CreatedAt

	s.mu.Lock()
	if _, ok := s.entries[sess.ID]; ok {
		s.mu.Unlock()
		return ErrSessionExists
	}
	s.entries[sess.ID] = &entry{session: *sess, metrics: newMetricRing(RecentMetricsCapacity)}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Create(sess).Error; err != nil {
			log.Printf("Error persisting session %s: %v", sess.ID, err)
		}
	}
	return nil
}

// Get returns a snapshot copy of the session including its recent metrics
func (s *Store) Get(id string) (*models.TrainingSession, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.session
	snap.RecentMetrics = e.metrics.ordered()
	return &snap, nil
}

// ListActive returns snapshots of all non-terminal sessions
func (s *Store) ListActive() []*models.TrainingSession {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]*models.TrainingSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.session.Status.IsTerminal() {
			snap := e.session
			snap.RecentMetrics = e.metrics.ordered()
			result = append(result, &snap)
		}
		e.mu.Unlock()
	}
	return result
}

// UpdateStatus applies a status transition with an optimistic version check.
// The write is rejected with ErrVersionConflict when expectedVersion is stale;
// the caller discards its update rather than retrying. Returns the updated
// snapshot on success.
func (s *Store) UpdateStatus(id string, expectedVersion int, newStatus models.SessionStatus, reason string) (*models.TrainingSession, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.session.Version != expectedVersion {
		e.mu.Unlock()
		return nil, ErrVersionConflict
	}
	if !e.session.Status.CanTransitionTo(newStatus) {
		e.mu.Unlock()
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	e.session.Status = newStatus
	e.session.Version++
	e.session.UpdatedAt = now
	if reason != "" {
		e.session.FailureReason = reason
	}
	if newStatus == models.StatusRunning && e.session.StartedAt == nil {
		t := now
		e.session.StartedAt = &t
	}
	if newStatus.IsTerminal() {
		t := now
		e.session.CompletedAt = &t
	}
	snap := e.session
	e.mu.Unlock()

	s.persistSnapshot(&snap, expectedVersion)
	return &snap, nil
}

// SetProgress records progress for a running session. Progress is monotonic
// while running: a lower value than the current one is ignored. Returns the
// applied progress and whether anything changed.
func (s *Store) SetProgress(id string, progress float64, epoch int) (float64, bool, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != models.StatusRunning {
		return e.session.Progress, false, nil
	}
	if progress > 100 {
		progress = 100
	}
	changed := false
	if progress > e.session.Progress {
		e.session.Progress = progress
		changed = true
	}
	if epoch > e.session.CurrentEpoch {
		e.session.CurrentEpoch = epoch
		changed = true
	}
	if changed {
		e.session.UpdatedAt = time.Now()
	}
	return e.session.Progress, changed, nil
}

// AdvanceEpoch records an executor-reported epoch and derives progress from
// total_epochs when known. Progress stays monotonic while running. Returns
// the applied progress, epoch, total and whether anything changed.
func (s *Store) AdvanceEpoch(id string, epoch int) (float64, int, *int, bool, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, 0, nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != models.StatusRunning {
		return e.session.Progress, e.session.CurrentEpoch, e.session.TotalEpochs, false, nil
	}

	changed := false
	if epoch > e.session.CurrentEpoch {
		e.session.CurrentEpoch = epoch
		changed = true
	}
	if e.session.TotalEpochs != nil && *e.session.TotalEpochs > 0 {
		progress := float64(e.session.CurrentEpoch) / float64(*e.session.TotalEpochs) * 100
		if progress > 100 {
			progress = 100
		}
		if progress > e.session.Progress {
			e.session.Progress = progress
			changed = true
		}
	}
	if changed {
		e.session.UpdatedAt = time.Now()
	}
	return e.session.Progress, e.session.CurrentEpoch, e.session.TotalEpochs, changed, nil
}

// AppendMetric appends a sample to the session's bounded recent-metrics ring,
// evicting the oldest sample once at capacity
func (s *Store) AppendMetric(id string, sample models.MetricSample) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.metrics.push(sample)
	e.mu.Unlock()
	return nil
}

// Claim atomically claims the session for an orchestrator task. Returns false
// if the claim is already held, preventing two tasks from managing the same
// session.
func (s *Store) Claim(id string) bool {
	e, err := s.entry(id)
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Claimed {
		return false
	}
	e.session.Claimed = true
	return true
}

// ReleaseClaim releases the orchestrator claim; idempotent
func (s *Store) ReleaseClaim(id string) {
	e, err := s.entry(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.session.Claimed = false
	e.mu.Unlock()
}

// ReleaseStaleClaims clears claims left on terminal sessions and returns how
// many were released
func (s *Store) ReleaseStaleClaims() int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	released := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.session.Claimed && e.session.Status.IsTerminal() {
			e.session.Claimed = false
			released++
		}
		e.mu.Unlock()
	}
	return released
}

// SetResult stores the executor-reported training result for a session
func (s *Store) SetResult(result *models.TrainingResult) error {
	if _, err := s.entry(result.SessionID); err != nil {
		return err
	}
	if s.db != nil {
		if err := s.db.Create(result).Error; err != nil {
			log.Printf("Error persisting result for session %s: %v", result.SessionID, err)
			return err
		}
	}
	return nil
}

// GetResult loads the training result for a session, if any
func (s *Store) GetResult(sessionID string) (*models.TrainingResult, error) {
	if s.db == nil {
		return nil, nil
	}
	var result models.TrainingResult
	err := s.db.Where("session_id = ?", sessionID).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// persistSnapshot writes the status snapshot through to the database with the
// same version guard used in memory
func (s *Store) persistSnapshot(snap *models.TrainingSession, expectedVersion int) {
	if s.db == nil {
		return
	}

	res := s.db.Model(&models.TrainingSession{}).
		Where("id = ? AND version = ?", snap.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":         snap.Status,
			"progress":       snap.Progress,
			"current_epoch":  snap.CurrentEpoch,
			"failure_reason": snap.FailureReason,
			"version":        snap.Version,
			"started_at":     snap.StartedAt,
			"completed_at":   snap.CompletedAt,
			"updated_at":     snap.UpdatedAt,
		})
	if res.Error != nil {
		log.Printf("Error persisting session %s snapshot: %v", snap.ID, res.Error)
	}
}

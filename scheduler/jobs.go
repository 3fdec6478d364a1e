package scheduler

import (
	"log"
	"time"

	"qtrain_backend/models"
	"qtrain_backend/services/store"

	"github.com/go-co-op/gocron"
	"gorm.io/gorm"
)

const (
	// metricRetention is how long raw metric samples are kept in the
	// relational store. Archived copies are unaffected.
	metricRetention = 7 * 24 * time.Hour

	// transitionRetention is how long session transition audit rows are kept
	transitionRetention = 30 * 24 * time.Hour
)

// Scheduler manages scheduled maintenance jobs
type Scheduler struct {
	cron  *gocron.Scheduler
	db    *gorm.DB
	store *store.Store
}

// NewScheduler creates a new scheduler instance
func NewScheduler(db *gorm.DB, st *store.Store) *Scheduler {
	return &Scheduler{
		cron:  gocron.NewScheduler(time.UTC),
		db:    db,
		store: st,
	}
}

// Start starts all scheduled jobs
func (s *Scheduler) Start() {
	log.Println("Starting scheduler...")

	// Release claims on sessions with no live task every 10 minutes
	s.cron.Every(10).Minutes().Do(func() {
		s.releaseStaleClaims()
	})

	// Prune old metric samples daily at 02:00
	s.cron.Every(1).Day().At("02:00").Do(func() {
		s.pruneMetricSamples()
	})

	// Compact the transition audit log daily at 02:30
	s.cron.Every(1).Day().At("02:30").Do(func() {
		s.compactTransitions()
	})

	s.cron.StartAsync()
	log.Println("Scheduler started successfully")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}

// releaseStaleClaims clears claim flags on sessions that are no longer
// running. A crashed executor never releases its claim, which would block
// every future start of that session.
func (s *Scheduler) releaseStaleClaims() {
	if released := s.store.ReleaseStaleClaims(); released > 0 {
		log.Printf("Released %d stale session claims", released)
	}
}

// pruneMetricSamples removes metric samples past the retention window
func (s *Scheduler) pruneMetricSamples() {
	log.Println("Pruning old metric samples...")

	cutoff := time.Now().Add(-metricRetention)
	result := s.db.Where("recorded_at < ?", cutoff).Delete(&models.MetricSample{})
	if result.Error != nil {
		log.Printf("Error pruning metric samples: %v", result.Error)
		return
	}

	log.Printf("Pruned %d metric samples", result.RowsAffected)
}

// compactTransitions removes audit rows past the retention window
func (s *Scheduler) compactTransitions() {
	log.Println("Compacting session transition log...")

	cutoff := time.Now().Add(-transitionRetention)
	result := s.db.Where("created_at < ?", cutoff).Delete(&models.SessionTransition{})
	if result.Error != nil {
		log.Printf("Error compacting transitions: %v", result.Error)
		return
	}

	log.Printf("Removed %d old transition rows", result.RowsAffected)
}

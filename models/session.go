package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a training session
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// validTransitions is the session state graph. A stop issued while paused can
// still end in failed when the executor never acknowledges the cancellation.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusFailed},
}

// IsTerminal reports whether the status is a terminal state
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status value
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TrainingSession represents one model-training job and its current snapshot
type TrainingSession struct {
	ID            string        `gorm:"primaryKey" json:"id"`
	StrategyID    uint          `gorm:"index" json:"strategy_id"`
	Status        SessionStatus `gorm:"index" json:"status"`
	Progress      float64       `json:"progress"` // 0-100
	CurrentEpoch  int           `json:"current_epoch"`
	TotalEpochs   *int          `json:"total_epochs,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Version       int           `json:"version"`
	Claimed       bool          `json:"-"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	// RecentMetrics is the in-memory tail of metric samples kept with the
	// snapshot for newly subscribing clients. Not persisted; durable history
	// lives in metric_samples.
	RecentMetrics []MetricSample `gorm:"-" json:"recent_metrics,omitempty"`
}

// MetricSample is a single metric observation emitted by the training executor
type MetricSample struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	SessionID  string    `gorm:"index" json:"session_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Epoch      *int      `json:"epoch,omitempty"`
	RecordedAt time.Time `gorm:"index" json:"recorded_at"`
}

// SessionTransition is an audit record of one accepted status transition
type SessionTransition struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	SessionID  string        `gorm:"index" json:"session_id"`
	FromStatus SessionStatus `json:"from_status"`
	ToStatus   SessionStatus `json:"to_status"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `gorm:"index" json:"created_at"`
}

// TrainingResult holds the financial outcome reported by the executor when a
// session completes
type TrainingResult struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	SessionID   string          `gorm:"uniqueIndex" json:"session_id"`
	FinalReturn decimal.Decimal `gorm:"type:decimal(15,4)" json:"final_return"`
	SharpeRatio decimal.Decimal `gorm:"type:decimal(10,4)" json:"sharpe_ratio"`
	MaxDrawdown decimal.Decimal `gorm:"type:decimal(15,4)" json:"max_drawdown"`
	TotalTrades int             `json:"total_trades"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MigrateSessionModels runs migrations for training session models
func MigrateSessionModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&TrainingSession{},
		&MetricSample{},
		&SessionTransition{},
		&TrainingResult{},
	)
}

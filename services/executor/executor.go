package executor

import (
	"context"

	"qtrain_backend/models"
)

// TrainingConfig carries the parameters a training run is launched with
type TrainingConfig struct {
	StrategyID  uint                   `json:"strategy_id"`
	TotalEpochs int                    `json:"total_epochs"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Outcome is the terminal result the executor reports for a session
type Outcome struct {
	Status models.SessionStatus   `json:"status"` // completed, failed or cancelled
	Reason string                 `json:"reason,omitempty"`
	Result *models.TrainingResult `json:"result,omitempty"`
}

// MetricSink receives metric samples emitted while training runs. The
// metrics collector implements it.
type MetricSink interface {
	Ingest(sessionID, metricName string, value float64, epoch *int) error
	IngestResource(sessionID, resourceName string, value float64) error
}

// OutcomeReporter receives terminal outcomes. The task orchestrator
// implements it.
type OutcomeReporter interface {
	OnExecutorEvent(sessionID string, outcome Outcome)
}

// Executor is the training backend the orchestrator dispatches commands to.
// Stop is a cooperative cancellation signal: the executor is expected to
// wind down and report an outcome through its OutcomeReporter; the
// orchestrator enforces the grace timeout.
type Executor interface {
	Start(ctx context.Context, sessionID string, cfg TrainingConfig) error
	Pause(sessionID string) error
	Resume(sessionID string) error
	Stop(sessionID string) error
}

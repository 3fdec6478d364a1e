package eventbus

import "qtrain_backend/models"

// StatusChangedPayload accompanies EventStatusChanged
type StatusChangedPayload struct {
	Status   models.SessionStatus `json:"status"`
	Reason   string               `json:"reason,omitempty"`
	Progress float64              `json:"progress"`
	Version  int                  `json:"version"`
}

// ProgressPayload accompanies EventProgressUpdate
type ProgressPayload struct {
	Progress     float64 `json:"progress"`
	CurrentEpoch int     `json:"current_epoch"`
	TotalEpochs  *int    `json:"total_epochs,omitempty"`
}

// MetricUpdatePayload accompanies EventMetricUpdate and EventResourceUpdate.
// Metrics holds the latest sample per metric name within the emit window.
type MetricUpdatePayload struct {
	Metrics map[string]models.MetricSample `json:"metrics"`
}

// ErrorPayload accompanies EventError
type ErrorPayload struct {
	Message string `json:"message"`
}

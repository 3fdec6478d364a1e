package controllers

import (
	"net/http"

	"qtrain_backend/services/executor"
	"qtrain_backend/services/metrics"
	"qtrain_backend/services/orchestrator"

	"github.com/gin-gonic/gin"
)

// ExecutorController handles callbacks from an out-of-process training
// executor. All routes are guarded by the shared executor key.
type ExecutorController struct {
	orch      *orchestrator.Orchestrator
	collector *metrics.Collector
}

// NewExecutorController creates a new executor callback controller
func NewExecutorController(orch *orchestrator.Orchestrator, collector *metrics.Collector) *ExecutorController {
	return &ExecutorController{orch: orch, collector: collector}
}

// ReportEvent receives the terminal outcome of a training run
// POST /internal/executor/:id/event
func (ec *ExecutorController) ReportEvent(c *gin.Context) {
	var outcome executor.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !outcome.Status.IsTerminal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Outcome status must be terminal"})
		return
	}

	ec.orch.OnExecutorEvent(c.Param("id"), outcome)
	c.JSON(http.StatusOK, gin.H{"message": "Event recorded"})
}

// ReportMetrics receives a batch of metric and resource samples
// POST /internal/executor/:id/metrics
func (ec *ExecutorController) ReportMetrics(c *gin.Context) {
	var request struct {
		Metrics []struct {
			Name  string  `json:"name" binding:"required"`
			Value float64 `json:"value"`
			Epoch *int    `json:"epoch,omitempty"`
		} `json:"metrics"`
		Resources []struct {
			Name  string  `json:"name" binding:"required"`
			Value float64 `json:"value"`
		} `json:"resources"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("id")
	accepted := 0
	for _, m := range request.Metrics {
		if err := ec.collector.Ingest(sessionID, m.Name, m.Value, m.Epoch); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		accepted++
	}
	for _, r := range request.Resources {
		if err := ec.collector.IngestResource(sessionID, r.Name, r.Value); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		accepted++
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"accepted": accepted}})
}

package controllers

import (
	"errors"
	"net/http"

	"qtrain_backend/models"
	"qtrain_backend/services/audit"
	"qtrain_backend/services/executor"
	"qtrain_backend/services/orchestrator"
	"qtrain_backend/services/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrainingController handles training session control requests
type TrainingController struct {
	db       *gorm.DB
	store    *store.Store
	orch     *orchestrator.Orchestrator
	recorder *audit.Recorder
}

// NewTrainingController creates a new training controller
func NewTrainingController(db *gorm.DB, st *store.Store, orch *orchestrator.Orchestrator, recorder *audit.Recorder) *TrainingController {
	return &TrainingController{
		db:       db,
		store:    st,
		orch:     orch,
		recorder: recorder,
	}
}

// StartTraining creates the session if needed and launches it. The :id is
// caller-chosen so retries stay idempotent; "new" asks the server for a
// fresh uuid.
// POST /api/v1/training/:id/start
func (tc *TrainingController) StartTraining(c *gin.Context) {
	var request struct {
		StrategyID  uint                   `json:"strategy_id" binding:"required"`
		TotalEpochs int                    `json:"total_epochs" binding:"required"`
		Parameters  map[string]interface{} `json:"parameters"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("id")
	if sessionID == "new" {
		sessionID = uuid.NewString()
	}

	if _, err := tc.store.Get(sessionID); errors.Is(err, store.ErrSessionNotFound) {
		total := request.TotalEpochs
		sess := &models.TrainingSession{
			ID:          sessionID,
			StrategyID:  request.StrategyID,
			Status:      models.StatusPending,
			TotalEpochs: &total,
		}
		if cerr := tc.store.Create(sess); cerr != nil && !errors.Is(cerr, store.ErrSessionExists) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
			return
		}
	}

	tc.recorder.Attach(sessionID, models.StatusPending)

	cfg := executor.TrainingConfig{
		StrategyID:  request.StrategyID,
		TotalEpochs: request.TotalEpochs,
		Parameters:  request.Parameters,
	}
	if err := tc.orch.Start(sessionID, cfg); err != nil {
		respondOrchestratorError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"session_id": sessionID, "status": models.StatusRunning}})
}

// PauseTraining pauses a running session
// POST /api/v1/training/:id/pause
func (tc *TrainingController) PauseTraining(c *gin.Context) {
	if err := tc.orch.Pause(c.Param("id")); err != nil {
		respondOrchestratorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Training paused"})
}

// ResumeTraining resumes a paused session
// POST /api/v1/training/:id/resume
func (tc *TrainingController) ResumeTraining(c *gin.Context) {
	if err := tc.orch.Resume(c.Param("id")); err != nil {
		respondOrchestratorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Training resumed"})
}

// StopTraining stops a running or paused session. Blocks up to the executor
// grace timeout.
// POST /api/v1/training/:id/stop
func (tc *TrainingController) StopTraining(c *gin.Context) {
	if err := tc.orch.Stop(c.Param("id")); err != nil {
		respondOrchestratorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Training stopped"})
}

// GetTrainingStatus returns the session snapshot and its result, if any
// GET /api/v1/training/:id/status
func (tc *TrainingController) GetTrainingStatus(c *gin.Context) {
	id := c.Param("id")

	snap, err := tc.store.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	response := gin.H{"session": snap}
	if result, rerr := tc.store.GetResult(id); rerr == nil && result != nil {
		response["result"] = result
	}

	c.JSON(http.StatusOK, gin.H{"data": response})
}

// GetActiveSessions returns all non-terminal sessions
// GET /api/v1/training/active
func (tc *TrainingController) GetActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": tc.store.ListActive()})
}

// respondOrchestratorError maps orchestrator command failures to HTTP
// responses; session state is unchanged on every error path
func respondOrchestratorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Training already running for this session"})
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Invalid status transition"})
	case errors.Is(err, orchestrator.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Session was modified concurrently"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Training command failed"})
	}
}

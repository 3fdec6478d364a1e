package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qtrain_backend/models"
	"qtrain_backend/services/audit"
	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/executor"
	"qtrain_backend/services/metrics"
	"qtrain_backend/services/orchestrator"
	"qtrain_backend/services/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quietExecutor accepts commands without ever reporting back
type quietExecutor struct{}

func (quietExecutor) Start(context.Context, string, executor.TrainingConfig) error { return nil }

func (quietExecutor) Pause(string) error { return nil }

func (quietExecutor) Resume(string) error { return nil }

func (quietExecutor) Stop(string) error { return nil }

type apiFixture struct {
	router *gin.Engine
	store  *store.Store
	orch   *orchestrator.Orchestrator
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewStore(nil)
	bus := eventbus.NewBus()
	orch := orchestrator.NewOrchestrator(st, bus, quietExecutor{}, 50*time.Millisecond)
	recorder := audit.NewRecorder(nil, bus)
	collector := metrics.NewCollector(nil, st, bus, 10*time.Millisecond, nil)

	tc := NewTrainingController(nil, st, orch, recorder)
	ec := NewExecutorController(orch, collector)

	router := gin.New()
	training := router.Group("/api/v1/training")
	{
		training.POST("/:id/start", tc.StartTraining)
		training.POST("/:id/pause", tc.PauseTraining)
		training.POST("/:id/resume", tc.ResumeTraining)
		training.POST("/:id/stop", tc.StopTraining)
		training.GET("/:id/status", tc.GetTrainingStatus)
		training.GET("/active", tc.GetActiveSessions)
	}
	internal := router.Group("/internal/executor")
	{
		internal.POST("/:id/event", ec.ReportEvent)
		internal.POST("/:id/metrics", ec.ReportMetrics)
	}

	return &apiFixture{router: router, store: st, orch: orch}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) startSession(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/training/new/start", gin.H{
		"strategy_id":  7,
		"total_epochs": 5,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.SessionID)
	require.NotEqual(t, "new", resp.Data.SessionID)
	return resp.Data.SessionID
}

func TestStartTrainingCreatesAndRuns(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)

	snap, err := f.store.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, snap.Status)
}

func TestStartTrainingValidatesBody(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/training/new/start", gin.H{"strategy_id": 7})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartTrainingTwiceConflicts(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)

	w := f.do(t, http.MethodPost, "/api/v1/training/"+sessionID+"/start", gin.H{
		"strategy_id":  7,
		"total_epochs": 5,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPauseResumeStopFlow(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)
	base := "/api/v1/training/" + sessionID

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/pause", nil).Code)
	assert.Equal(t, models.StatusPaused, mustStatus(t, f.store, sessionID))

	// Pause when already paused conflicts
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, base+"/pause", nil).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/resume", nil).Code)
	assert.Equal(t, models.StatusRunning, mustStatus(t, f.store, sessionID))

	// The quiet executor never acknowledges, so stop force-fails after grace
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, base+"/stop", nil).Code)
	snap, err := f.store.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, "executor_unresponsive", snap.FailureReason)
}

func TestCommandOnUnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/training/nope/pause", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/training/nope/status", nil).Code)
}

func TestGetTrainingStatus(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)

	w := f.do(t, http.MethodGet, "/api/v1/training/"+sessionID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Session models.TrainingSession `json:"session"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.Data.Session.ID)
	assert.Equal(t, models.StatusRunning, resp.Data.Session.Status)
}

func TestGetActiveSessions(t *testing.T) {
	f := newAPIFixture(t)
	f.startSession(t)
	f.startSession(t)

	w := f.do(t, http.MethodGet, "/api/v1/training/active", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []models.TrainingSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestExecutorEventCompletesSession(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)

	w := f.do(t, http.MethodPost, "/internal/executor/"+sessionID+"/event", gin.H{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCompleted, mustStatus(t, f.store, sessionID))
}

func TestExecutorEventRejectsNonTerminalStatus(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)

	w := f.do(t, http.MethodPost, "/internal/executor/"+sessionID+"/event", gin.H{
		"status": "running",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.StatusRunning, mustStatus(t, f.store, sessionID))
}

func TestExecutorMetricsBatch(t *testing.T) {
	f := newAPIFixture(t)
	sessionID := f.startSession(t)

	w := f.do(t, http.MethodPost, "/internal/executor/"+sessionID+"/metrics", gin.H{
		"metrics": []gin.H{
			{"name": "loss", "value": 0.42, "epoch": 1},
			{"name": "accuracy", "value": 0.81, "epoch": 1},
		},
		"resources": []gin.H{
			{"name": "gpu_util", "value": 93.5},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accepted":3`)

	snap, err := f.store.Get(sessionID)
	require.NoError(t, err)
	assert.Len(t, snap.RecentMetrics, 3)
	assert.Equal(t, 1, snap.CurrentEpoch)
}

func TestExecutorMetricsUnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/internal/executor/ghost/metrics", gin.H{
		"metrics": []gin.H{{"name": "loss", "value": 0.1}},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func mustStatus(t *testing.T, st *store.Store, id string) models.SessionStatus {
	t.Helper()
	snap, err := st.Get(id)
	require.NoError(t, err)
	return snap.Status
}

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote dispatches commands to an out-of-process training executor over
// HTTP. The executor reports metrics and outcomes back through the internal
// callback endpoints, so Remote only issues commands.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemote creates a remote executor client for baseURL
func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Start dispatches a training job to the executor service
func (r *Remote) Start(ctx context.Context, sessionID string, cfg TrainingConfig) error {
	return r.post(ctx, fmt.Sprintf("/jobs/%s/start", sessionID), cfg)
}

// Pause asks the executor to suspend the job
func (r *Remote) Pause(sessionID string) error {
	return r.post(context.Background(), fmt.Sprintf("/jobs/%s/pause", sessionID), nil)
}

// Resume asks the executor to continue a paused job
func (r *Remote) Resume(sessionID string) error {
	return r.post(context.Background(), fmt.Sprintf("/jobs/%s/resume", sessionID), nil)
}

// Stop signals cooperative cancellation; the executor is expected to report
// its outcome through the callback endpoint within the grace period
func (r *Remote) Stop(sessionID string) error {
	return r.post(context.Background(), fmt.Sprintf("/jobs/%s/stop", sessionID), nil)
}

func (r *Remote) post(ctx context.Context, path string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode executor request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("executor returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

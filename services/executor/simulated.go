package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"qtrain_backend/models"

	"github.com/shopspring/decimal"
)

// DefaultEpochInterval is how fast the simulated executor "trains"
const DefaultEpochInterval = 500 * time.Millisecond

// Simulated is an in-process executor used in development and tests. It
// walks through epochs on a ticker, emits loss/accuracy metrics and resource
// samples, honors pause/resume and cooperative cancellation, and reports a
// terminal outcome with a synthetic backtest result.
type Simulated struct {
	metrics       MetricSink
	reporter      OutcomeReporter
	epochInterval time.Duration

	mu   sync.Mutex
	jobs map[string]*simJob
}

type simJob struct {
	cancel context.CancelFunc
	pause  chan bool // true pauses the epoch loop, false resumes it
}

// NewSimulated creates a simulated executor emitting into sink
func NewSimulated(sink MetricSink) *Simulated {
	return &Simulated{
		metrics:       sink,
		epochInterval: DefaultEpochInterval,
		jobs:          make(map[string]*simJob),
	}
}

// SetReporter wires the outcome reporter; must be called before Start
func (e *Simulated) SetReporter(r OutcomeReporter) {
	e.reporter = r
}

// SetEpochInterval overrides the per-epoch tick, mainly for tests
func (e *Simulated) SetEpochInterval(d time.Duration) {
	e.epochInterval = d
}

// Start launches the training loop for a session
func (e *Simulated) Start(ctx context.Context, sessionID string, cfg TrainingConfig) error {
	e.mu.Lock()
	if _, ok := e.jobs[sessionID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("simulated executor already training session %s", sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	job := &simJob{
		cancel: cancel,
		pause:  make(chan bool, 1),
	}
	e.jobs[sessionID] = job
	e.mu.Unlock()

	go e.run(runCtx, sessionID, cfg, job)
	return nil
}

// Pause suspends the epoch loop
func (e *Simulated) Pause(sessionID string) error {
	return e.signal(sessionID, true)
}

// Resume continues a paused epoch loop
func (e *Simulated) Resume(sessionID string) error {
	return e.signal(sessionID, false)
}

// Stop cancels the training loop cooperatively; the loop reports a cancelled
// outcome on its way out
func (e *Simulated) Stop(sessionID string) error {
	e.mu.Lock()
	job, ok := e.jobs[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no training job for session %s", sessionID)
	}
	job.cancel()
	return nil
}

func (e *Simulated) signal(sessionID string, paused bool) error {
	e.mu.Lock()
	job, ok := e.jobs[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no training job for session %s", sessionID)
	}

	// Replace any unconsumed signal so the latest command wins
	select {
	case <-job.pause:
	default:
	}
	job.pause <- paused
	return nil
}

func (e *Simulated) run(ctx context.Context, sessionID string, cfg TrainingConfig, job *simJob) {
	defer func() {
		e.mu.Lock()
		delete(e.jobs, sessionID)
		e.mu.Unlock()
		job.cancel()
	}()

	totalEpochs := cfg.TotalEpochs
	if totalEpochs <= 0 {
		totalEpochs = 10
	}

	ticker := time.NewTicker(e.epochInterval)
	defer ticker.Stop()

	paused := false
	for epoch := 1; epoch <= totalEpochs; {
		select {
		case <-ctx.Done():
			e.report(sessionID, Outcome{Status: models.StatusCancelled, Reason: "stopped by user"})
			return

		case p := <-job.pause:
			paused = p

		case <-ticker.C:
			if paused {
				continue
			}

			ep := epoch
			loss := 1.0/math.Sqrt(float64(epoch)) + rand.Float64()*0.05
			accuracy := 1.0 - loss + rand.Float64()*0.02
			if err := e.metrics.Ingest(sessionID, "loss", loss, &ep); err != nil {
				log.Printf("Simulated executor: ingest failed for %s: %v", sessionID, err)
			}
			e.metrics.Ingest(sessionID, "accuracy", accuracy, &ep)
			e.metrics.IngestResource(sessionID, "cpu_percent", 40+rand.Float64()*50)
			e.metrics.IngestResource(sessionID, "memory_mb", 1024+rand.Float64()*512)

			epoch++
		}
	}

	e.report(sessionID, Outcome{
		Status: models.StatusCompleted,
		Result: syntheticResult(sessionID),
	})
}

func (e *Simulated) report(sessionID string, outcome Outcome) {
	if e.reporter == nil {
		log.Printf("Simulated executor: no reporter wired, dropping outcome for %s", sessionID)
		return
	}
	e.reporter.OnExecutorEvent(sessionID, outcome)
}

// syntheticResult fabricates a plausible backtest outcome for dev runs
func syntheticResult(sessionID string) *models.TrainingResult {
	return &models.TrainingResult{
		SessionID:   sessionID,
		FinalReturn: decimal.NewFromFloat(rand.Float64()*40 - 10).Round(4),
		SharpeRatio: decimal.NewFromFloat(rand.Float64() * 2.5).Round(4),
		MaxDrawdown: decimal.NewFromFloat(rand.Float64() * -25).Round(4),
		TotalTrades: 50 + rand.Intn(400),
	}
}

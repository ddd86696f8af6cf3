// Package scenarios defines the end-to-end scenarios for the workflow
// engine. Each scenario brings up a full engine (store, queue, event
// feed, workers), drives a built-in workflow from submission to a
// terminal state, and asserts on persisted state and the event stream.
package scenarios

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Scenario is one end-to-end test case.
type Scenario interface {
	// Name identifies the scenario in reports and CLI arguments.
	Name() string

	// Description says what the scenario proves.
	Description() string

	// Setup brings up the engine and registers the scenario's workflow.
	Setup(ctx context.Context) error

	// Execute drives the workflow and asserts on the outcome.
	Execute(ctx context.Context) (*Result, error)

	// Teardown stops the engine and releases the backends.
	Teardown(ctx context.Context) error
}

// Options configures how scenarios run.
type Options struct {
	// Backend selects the store: "memory" (default) or "postgres".
	Backend string

	// DSN is the Postgres connection string when Backend is postgres.
	// Migrations are applied before the scenario starts.
	DSN string

	// StageTimeout bounds each stage; zero means 30s.
	StageTimeout time.Duration

	// Logger receives engine and store logs; nil discards them.
	Logger *slog.Logger
}

func (o Options) stageTimeout() time.Duration {
	if o.StageTimeout <= 0 {
		return 30 * time.Second
	}
	return o.StageTimeout
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Result is the outcome of one scenario execution.
// All methods are safe for concurrent use.
type Result struct {
	mu sync.Mutex `json:"-"`

	ScenarioName string        `json:"scenario_name"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Metrics holds timing and count measurements.
	Metrics map[string]any `json:"metrics,omitempty"`

	// Details holds scenario-specific output such as task IDs.
	Details map[string]any `json:"details,omitempty"`

	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	// Stages records each phase of the scenario in execution order.
	Stages []StageResult `json:"stages,omitempty"`
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// NewResult creates a Result for the named scenario.
func NewResult(scenarioName string) *Result {
	return &Result{
		ScenarioName: scenarioName,
		StartTime:    time.Now(),
		Metrics:      make(map[string]any),
		Details:      make(map[string]any),
	}
}

// Complete stamps the end time and duration.
func (r *Result) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// AddError records a fatal problem.
func (r *Result) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err)
}

// AddWarning records a non-fatal problem.
func (r *Result) AddWarning(warning string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, warning)
}

// AddStage appends a stage outcome.
func (r *Result) AddStage(name string, success bool, duration time.Duration, err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, StageResult{
		Name:     name,
		Success:  success,
		Duration: duration,
		Error:    err,
	})
}

// SetMetric records a measurement.
func (r *Result) SetMetric(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Metrics[key] = value
}

// SetDetail records scenario output.
func (r *Result) SetDetail(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Details[key] = value
}

// stage is one named phase of a scenario.
type stage struct {
	name string
	fn   func(context.Context, *Result) error
}

// runStages executes the stages in order under a per-stage timeout,
// recording one StageResult each and stopping at the first failure.
func runStages(ctx context.Context, result *Result, timeout time.Duration, stages []stage) {
	for _, st := range stages {
		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		err := st.fn(stageCtx, result)
		cancel()

		duration := time.Since(start)
		result.SetMetric(fmt.Sprintf("%s_duration_ms", st.name), duration.Milliseconds())

		if err != nil {
			result.AddStage(st.name, false, duration, err.Error())
			result.AddError(fmt.Sprintf("%s: %v", st.name, err))
			result.Error = fmt.Sprintf("%s failed: %v", st.name, err)
			return
		}
		result.AddStage(st.name, true, duration, "")
	}
	result.Success = true
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/queue"
	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/storage/memory"
	"github.com/c360studio/taskgraph/workflow"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingQueue captures enqueues so tests can assert scheduling decisions
// without a live dispatcher.
type recordingQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
}

type enqueueCall struct {
	taskID string
	delay  time.Duration
}

func (q *recordingQueue) Enqueue(_ context.Context, taskID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, enqueueCall{taskID: taskID, delay: delay})
	return nil
}

func (q *recordingQueue) Deliveries() <-chan queue.Delivery { return nil }
func (q *recordingQueue) Close() error                      { return nil }

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func (q *recordingQueue) last(t *testing.T) enqueueCall {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.calls) == 0 {
		t.Fatal("no enqueues recorded")
	}
	return q.calls[len(q.calls)-1]
}

// eventLog collects published event names.
type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) publisher() events.Publisher {
	return events.PublisherFunc(func(_ context.Context, evt events.Envelope) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.names = append(l.names, evt.Name)
		return nil
	})
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.names {
		if got == name {
			n++
		}
	}
	return n
}

// scriptedHandler maps step names to handler funcs and records invocations.
type scriptedHandler struct {
	templates []workflow.StepTemplate
	steps     map[string]workflow.StepHandlerFunc

	mu      sync.Mutex
	invoked []string
}

func (h *scriptedHandler) StepTemplates() []workflow.StepTemplate {
	return h.templates
}

func (h *scriptedHandler) StepHandler(name string) (workflow.StepHandler, error) {
	fn, ok := h.steps[name]
	if !ok {
		return nil, fmt.Errorf("unscripted step %s", name)
	}
	return workflow.StepHandlerFunc(func(ctx context.Context, task *workflow.Task, sequence []*workflow.WorkflowStep, step *workflow.WorkflowStep) (json.RawMessage, error) {
		h.mu.Lock()
		h.invoked = append(h.invoked, name)
		h.mu.Unlock()
		return fn(ctx, task, sequence, step)
	}), nil
}

func (h *scriptedHandler) invocations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.invoked...)
}

func okStep(results json.RawMessage) workflow.StepHandlerFunc {
	return func(context.Context, *workflow.Task, []*workflow.WorkflowStep, *workflow.WorkflowStep) (json.RawMessage, error) {
		if results == nil {
			results = json.RawMessage(`{"ok": true}`)
		}
		return results, nil
	}
}

type testEngine struct {
	engine  *Engine
	store   *memory.Store
	queue   *recordingQueue
	clock   *fakeClock
	events  *eventLog
	handler *scriptedHandler
}

func newTestEngine(t *testing.T, handler *scriptedHandler) *testEngine {
	t.Helper()

	clock := newFakeClock()
	store := memory.New(memory.WithClock(clock.Now))
	q := &recordingQueue{}
	log := &eventLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(logger)
	if handler != nil {
		if err := reg.Register("payments", "process_order", "1.0.0", handler); err != nil {
			t.Fatalf("Register returned error: %v", err)
		}
	}

	eng, err := New(Options{
		Store:     store,
		Queue:     q,
		Registry:  reg,
		Publisher: log.publisher(),
		Logger:    logger,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return &testEngine{engine: eng, store: store, queue: q, clock: clock, events: log, handler: handler}
}

func orderRequest() workflow.TaskRequest {
	return workflow.TaskRequest{
		Namespace: "payments",
		Name:      "process_order",
		Version:   "1.0.0",
		Context:   json.RawMessage(`{"order_id": 42}`),
		Initiator: "checkout-service",
	}
}

func (te *testEngine) submit(t *testing.T) string {
	t.Helper()
	taskID, err := te.engine.SubmitTask(context.Background(), orderRequest())
	if err != nil {
		t.Fatalf("SubmitTask returned error: %v", err)
	}
	return taskID
}

func (te *testEngine) taskState(t *testing.T, taskID string) workflow.TaskState {
	t.Helper()
	state, err := te.store.TaskState(context.Background(), taskID)
	if err != nil {
		t.Fatalf("TaskState returned error: %v", err)
	}
	return state
}

func (te *testEngine) stepsByName(t *testing.T, taskID string) map[string]*workflow.WorkflowStep {
	t.Helper()
	steps, err := te.store.StepsByTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("StepsByTask returned error: %v", err)
	}
	out := make(map[string]*workflow.WorkflowStep, len(steps))
	for _, s := range steps {
		out[s.Name] = s
	}
	return out
}

func linearHandler() *scriptedHandler {
	return &scriptedHandler{
		templates: []workflow.StepTemplate{
			{Name: "fetch", DefaultRetryable: true, DefaultRetryLimit: 3},
			{Name: "transform", DependsOnStep: "fetch", DefaultRetryable: true, DefaultRetryLimit: 3},
		},
		steps: map[string]workflow.StepHandlerFunc{
			"fetch":     okStep(nil),
			"transform": okStep(nil),
		},
	}
}

func TestSubmitTask_CreatesStepsAndEnqueues(t *testing.T) {
	te := newTestEngine(t, linearHandler())
	ctx := context.Background()

	taskID := te.submit(t)

	task, err := te.store.TaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskByID returned error: %v", err)
	}
	if task.Namespace != "payments" || task.Name != "process_order" || task.Version != "1.0.0" {
		t.Errorf("unexpected coordinates: %s/%s@%s", task.Namespace, task.Name, task.Version)
	}
	if task.IdentityHash == "" {
		t.Error("identity hash not stamped")
	}

	steps := te.stepsByName(t, taskID)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps["transform"].RetryLimit != 3 || !steps["transform"].Retryable {
		t.Errorf("retry defaults not applied: %+v", steps["transform"])
	}

	edges, err := te.store.EdgesByTask(ctx, taskID)
	if err != nil {
		t.Fatalf("EdgesByTask returned error: %v", err)
	}
	if len(edges) != 1 || edges[0].FromStepID != steps["fetch"].ID || edges[0].ToStepID != steps["transform"].ID {
		t.Errorf("unexpected edges: %+v", edges)
	}

	if te.queue.count() != 1 {
		t.Fatalf("got %d enqueues, want 1", te.queue.count())
	}
	if call := te.queue.last(t); call.taskID != taskID || call.delay != 0 {
		t.Errorf("unexpected enqueue: %+v", call)
	}

	if te.events.count(events.StepsDiscovered) != 1 || te.events.count(events.DependenciesResolved) != 1 {
		t.Error("discovery events not published")
	}
}

func TestSubmitTask_UnregisteredWorkflow(t *testing.T) {
	te := newTestEngine(t, nil)

	_, err := te.engine.SubmitTask(context.Background(), orderRequest())
	var notFound *workflow.HandlerNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("SubmitTask error = %v, want HandlerNotFoundError", err)
	}
}

func TestSubmitTask_DuplicateWithinWindow(t *testing.T) {
	te := newTestEngine(t, linearHandler())
	ctx := context.Background()

	firstID, err := te.engine.SubmitTask(ctx, orderRequest())
	if err != nil {
		t.Fatalf("first SubmitTask returned error: %v", err)
	}

	te.clock.Advance(10 * time.Second)
	_, err = te.engine.SubmitTask(ctx, orderRequest())
	var dup *workflow.DuplicateTaskError
	if !errors.As(err, &dup) {
		t.Fatalf("second SubmitTask error = %v, want DuplicateTaskError", err)
	}
	if dup.ExistingID != firstID {
		t.Errorf("ExistingID = %s, want %s", dup.ExistingID, firstID)
	}

	// Outside the window the same submission is a fresh task.
	te.clock.Advance(2 * time.Minute)
	secondID, err := te.engine.SubmitTask(ctx, orderRequest())
	if err != nil {
		t.Fatalf("post-window SubmitTask returned error: %v", err)
	}
	if secondID == firstID {
		t.Error("post-window submission reused the original task")
	}
}

type rejectingHandler struct {
	*scriptedHandler
}

func (rejectingHandler) ValidateContext(raw json.RawMessage) error {
	if len(raw) == 0 {
		return &workflow.ValidationError{Field: "context", Message: "context is required"}
	}
	return nil
}

func TestSubmitTask_ContextValidatorRejects(t *testing.T) {
	clock := newFakeClock()
	store := memory.New(memory.WithClock(clock.Now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	if err := reg.Register("payments", "process_order", "1.0.0", rejectingHandler{linearHandler()}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	q := &recordingQueue{}
	eng, err := New(Options{Store: store, Queue: q, Registry: reg, Logger: logger, Clock: clock.Now})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	req := orderRequest()
	req.Context = nil
	_, err = eng.SubmitTask(context.Background(), req)
	var invalid *workflow.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("SubmitTask error = %v, want ValidationError", err)
	}
	if q.count() != 0 {
		t.Error("rejected submission was enqueued")
	}
}

func TestHandleTask_LinearSuccess(t *testing.T) {
	h := linearHandler()
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}

	if state := te.taskState(t, taskID); state != workflow.TaskStateComplete {
		t.Errorf("task state = %s, want complete", state)
	}
	task, err := te.store.TaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskByID returned error: %v", err)
	}
	if !task.Complete {
		t.Error("complete flag not set")
	}

	if got := h.invocations(); len(got) != 2 || got[0] != "fetch" || got[1] != "transform" {
		t.Errorf("invocation order = %v, want [fetch transform]", got)
	}

	// The submit enqueue is the only one; completion does not reenqueue.
	if te.queue.count() != 1 {
		t.Errorf("got %d enqueues, want 1", te.queue.count())
	}
	if te.events.count(events.TaskStarted) != 1 || te.events.count(events.TaskCompleted) != 1 {
		t.Error("lifecycle events missing")
	}
	if te.events.count(events.StepCompleted) != 2 {
		t.Errorf("step.completed count = %d, want 2", te.events.count(events.StepCompleted))
	}
}

func TestHandleTask_RedeliveryAfterCompletionIsNoOp(t *testing.T) {
	te := newTestEngine(t, linearHandler())
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}

	before, err := te.store.TaskTransitions(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskTransitions returned error: %v", err)
	}

	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("redelivered HandleTask returned error: %v", err)
	}

	after, err := te.store.TaskTransitions(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskTransitions returned error: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("redelivery appended transitions: %d -> %d", len(before), len(after))
	}
	if te.events.count(events.TaskCompleted) != 1 {
		t.Error("redelivery republished task.completed")
	}
}

func diamondHandler(failFirstAttempt *bool) *scriptedHandler {
	h := &scriptedHandler{
		templates: []workflow.StepTemplate{
			{Name: "extract", DefaultRetryable: true, DefaultRetryLimit: 3},
			{Name: "enrich", DependsOnStep: "extract", DefaultRetryable: true, DefaultRetryLimit: 3},
			{Name: "score", DependsOnStep: "extract", DefaultRetryable: true, DefaultRetryLimit: 3},
			{Name: "publish", DependsOnSteps: []string{"enrich", "score"}, DefaultRetryable: true, DefaultRetryLimit: 3},
		},
	}
	h.steps = map[string]workflow.StepHandlerFunc{
		"extract": okStep(nil),
		"enrich": func(context.Context, *workflow.Task, []*workflow.WorkflowStep, *workflow.WorkflowStep) (json.RawMessage, error) {
			if *failFirstAttempt {
				*failFirstAttempt = false
				return nil, workflow.NewRetryableError("enrichment service unavailable")
			}
			return json.RawMessage(`{"enriched": true}`), nil
		},
		"score":   okStep(nil),
		"publish": okStep(nil),
	}
	return h
}

func TestHandleTask_DiamondWithRetry(t *testing.T) {
	failOnce := true
	h := diamondHandler(&failOnce)
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)

	// First pass: extract and score complete, enrich fails and is gated by
	// its failure window, publish still waits. The task is parked with a
	// delay matching the retry gate.
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("first HandleTask returned error: %v", err)
	}
	if state := te.taskState(t, taskID); state != workflow.TaskStateInProgress {
		t.Errorf("task state after failure = %s, want in_progress", state)
	}
	if call := te.queue.last(t); call.delay != 2*time.Second {
		t.Errorf("reenqueue delay = %v, want 2s", call.delay)
	}
	if te.events.count(events.StepRetryScheduled) != 1 {
		t.Errorf("step.retry_scheduled count = %d, want 1", te.events.count(events.StepRetryScheduled))
	}

	// Second pass after the gate opens: enrich retries, then publish runs.
	te.clock.Advance(3 * time.Second)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("second HandleTask returned error: %v", err)
	}

	if state := te.taskState(t, taskID); state != workflow.TaskStateComplete {
		t.Errorf("final task state = %s, want complete", state)
	}
	steps := te.stepsByName(t, taskID)
	if steps["enrich"].Attempts != 2 {
		t.Errorf("enrich attempts = %d, want 2", steps["enrich"].Attempts)
	}
	if steps["publish"].Attempts != 1 {
		t.Errorf("publish attempts = %d, want 1", steps["publish"].Attempts)
	}
}

func failingHandler(retryable bool, limit int) *scriptedHandler {
	var fail workflow.StepHandlerFunc = func(context.Context, *workflow.Task, []*workflow.WorkflowStep, *workflow.WorkflowStep) (json.RawMessage, error) {
		if retryable {
			return nil, workflow.NewRetryableError("downstream unavailable")
		}
		return nil, workflow.NewPermanentError("input corrupt")
	}
	return &scriptedHandler{
		templates: []workflow.StepTemplate{
			{Name: "extract", DefaultRetryable: retryable, DefaultRetryLimit: limit},
			{Name: "load", DependsOnStep: "extract", DefaultRetryable: true, DefaultRetryLimit: 3},
		},
		steps: map[string]workflow.StepHandlerFunc{
			"extract": fail,
			"load":    okStep(nil),
		},
	}
}

func TestHandleTask_PermanentFailureFailsTask(t *testing.T) {
	h := failingHandler(false, 3)
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}

	if state := te.taskState(t, taskID); state != workflow.TaskStateError {
		t.Errorf("task state = %s, want error", state)
	}
	steps := te.stepsByName(t, taskID)
	if steps["extract"].Attempts != 1 {
		t.Errorf("extract attempts = %d, want 1 (no retry of a permanent failure)", steps["extract"].Attempts)
	}
	for _, name := range h.invocations() {
		if name == "load" {
			t.Error("dependent step ran after its parent failed")
		}
	}
	if te.events.count(events.TaskFailed) != 1 {
		t.Errorf("task.failed count = %d, want 1", te.events.count(events.TaskFailed))
	}
	if te.events.count(events.StepRetryScheduled) != 0 {
		t.Error("permanent failure scheduled a retry")
	}

	// Redelivery settles into the same verdict without new writes.
	before, err := te.store.TaskTransitions(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskTransitions returned error: %v", err)
	}
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("redelivered HandleTask returned error: %v", err)
	}
	after, err := te.store.TaskTransitions(ctx, taskID)
	if err != nil {
		t.Fatalf("TaskTransitions returned error: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("redelivery appended transitions: %d -> %d", len(before), len(after))
	}
	if te.events.count(events.TaskFailed) != 1 {
		t.Error("redelivery republished task.failed")
	}
}

func TestHandleTask_RetryExhaustionFailsTask(t *testing.T) {
	h := failingHandler(true, 2)
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)

	// Attempt 1 fails and is gated; attempt 2 exhausts the limit.
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("first HandleTask returned error: %v", err)
	}
	te.clock.Advance(3 * time.Second)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("second HandleTask returned error: %v", err)
	}

	if state := te.taskState(t, taskID); state != workflow.TaskStateError {
		t.Errorf("task state = %s, want error", state)
	}
	steps := te.stepsByName(t, taskID)
	if steps["extract"].Attempts != 2 {
		t.Errorf("extract attempts = %d, want 2", steps["extract"].Attempts)
	}
}

func TestHandleTask_ManualResolveUnblocksDependents(t *testing.T) {
	h := failingHandler(false, 3)
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}
	if state := te.taskState(t, taskID); state != workflow.TaskStateError {
		t.Fatalf("task state = %s, want error", state)
	}

	steps := te.stepsByName(t, taskID)
	if err := te.engine.ResolveStep(ctx, steps["extract"].ID, "operator fixed the input"); err != nil {
		t.Fatalf("ResolveStep returned error: %v", err)
	}
	if call := te.queue.last(t); call.taskID != taskID {
		t.Error("manual resolve did not reschedule the task")
	}

	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask after resolve returned error: %v", err)
	}
	if state := te.taskState(t, taskID); state != workflow.TaskStateComplete {
		t.Errorf("task state = %s, want complete", state)
	}
	found := false
	for _, name := range h.invocations() {
		if name == "load" {
			found = true
		}
	}
	if !found {
		t.Error("dependent step did not run after manual resolve")
	}
}

func TestHandleTask_TimeoutCountsAsRetryableFailure(t *testing.T) {
	h := &scriptedHandler{
		templates: []workflow.StepTemplate{
			{Name: "slow", DefaultRetryable: true, DefaultRetryLimit: 1, Timeout: "20ms"},
		},
		steps: map[string]workflow.StepHandlerFunc{
			"slow": func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				time.Sleep(200 * time.Millisecond)
				return json.RawMessage(`{}`), nil
			},
		},
	}
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}

	// Retry limit 1 makes the timeout terminal.
	if state := te.taskState(t, taskID); state != workflow.TaskStateError {
		t.Errorf("task state = %s, want error", state)
	}
	steps := te.stepsByName(t, taskID)
	if steps["slow"].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", steps["slow"].Attempts)
	}
}

func TestHandleTask_PanickingHandlerFailsStep(t *testing.T) {
	h := &scriptedHandler{
		templates: []workflow.StepTemplate{
			{Name: "boom", DefaultRetryable: true, DefaultRetryLimit: 1},
		},
		steps: map[string]workflow.StepHandlerFunc{
			"boom": func(context.Context, *workflow.Task, []*workflow.WorkflowStep, *workflow.WorkflowStep) (json.RawMessage, error) {
				panic("nil map write")
			},
		},
	}
	te := newTestEngine(t, h)
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}
	if state := te.taskState(t, taskID); state != workflow.TaskStateError {
		t.Errorf("task state = %s, want error", state)
	}

	steps := te.stepsByName(t, taskID)
	transitions, err := te.store.StepTransitions(ctx, steps["boom"].ID)
	if err != nil {
		t.Fatalf("StepTransitions returned error: %v", err)
	}
	last := transitions[len(transitions)-1]
	var meta workflow.TransitionMetadata
	if err := json.Unmarshal(last.Metadata, &meta); err != nil {
		t.Fatalf("metadata decode failed: %v", err)
	}
	if meta.ErrorKind != "retryable" {
		t.Errorf("error kind = %s, want retryable", meta.ErrorKind)
	}
}

func TestCancelTask(t *testing.T) {
	te := newTestEngine(t, linearHandler())
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.CancelTask(ctx, taskID, "superseded by newer order"); err != nil {
		t.Fatalf("CancelTask returned error: %v", err)
	}
	if state := te.taskState(t, taskID); state != workflow.TaskStateCancelled {
		t.Errorf("task state = %s, want cancelled", state)
	}

	// Cancelling again is idempotent.
	if err := te.engine.CancelTask(ctx, taskID, "again"); err != nil {
		t.Fatalf("second CancelTask returned error: %v", err)
	}
	if te.events.count(events.TaskCancelled) != 1 {
		t.Errorf("task.cancelled count = %d, want 1", te.events.count(events.TaskCancelled))
	}

	// A cancelled task is terminal for the coordinator.
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask on cancelled task returned error: %v", err)
	}
	if te.events.count(events.TaskStarted) != 0 {
		t.Error("cancelled task was started")
	}
}

func TestCancelTask_FailedTaskIsNotCancellable(t *testing.T) {
	te := newTestEngine(t, failingHandler(false, 3))
	ctx := context.Background()

	taskID := te.submit(t)
	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}

	err := te.engine.CancelTask(ctx, taskID, "too late")
	var invalid *workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("CancelTask error = %v, want InvalidTransitionError", err)
	}
}

func TestGetTask(t *testing.T) {
	te := newTestEngine(t, linearHandler())
	ctx := context.Background()

	taskID := te.submit(t)
	details, err := te.engine.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask returned error: %v", err)
	}
	if details.State != workflow.TaskStatePending {
		t.Errorf("state = %s, want pending", details.State)
	}
	if details.Status != StatusHasReadySteps {
		t.Errorf("status = %s, want has_ready_steps", details.Status)
	}
	if len(details.Steps) != 2 {
		t.Errorf("got %d steps, want 2", len(details.Steps))
	}

	if err := te.engine.HandleTask(ctx, taskID); err != nil {
		t.Fatalf("HandleTask returned error: %v", err)
	}
	details, err = te.engine.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask returned error: %v", err)
	}
	if details.Status != StatusAllComplete || details.CompletionPercentage != 100 {
		t.Errorf("status = %s (%.0f%%), want all_complete at 100%%", details.Status, details.CompletionPercentage)
	}
}

func TestDependencyGraph(t *testing.T) {
	failOnce := false
	te := newTestEngine(t, diamondHandler(&failOnce))

	view, err := te.engine.DependencyGraph("payments", "process_order", "1.0.0")
	if err != nil {
		t.Fatalf("DependencyGraph returned error: %v", err)
	}
	if len(view.Nodes) != 4 || len(view.Edges) != 4 {
		t.Errorf("nodes/edges = %d/%d, want 4/4", len(view.Nodes), len(view.Edges))
	}
	if view.ExecutionOrder[0] != "extract" || view.ExecutionOrder[len(view.ExecutionOrder)-1] != "publish" {
		t.Errorf("unexpected execution order: %v", view.ExecutionOrder)
	}
	if view.Analysis.RootCount != 1 || view.Analysis.LeafCount != 1 {
		t.Errorf("analysis roots/leaves = %d/%d, want 1/1", view.Analysis.RootCount, view.Analysis.LeafCount)
	}
}

func TestMergeInputs(t *testing.T) {
	tests := []struct {
		name     string
		context  string
		inputs   string
		wantKeys map[string]string
		wantErr  bool
	}{
		{
			name:     "template keys win",
			context:  `{"region": "us-east", "mode": "fast"}`,
			inputs:   `{"mode": "safe"}`,
			wantKeys: map[string]string{"region": `"us-east"`, "mode": `"safe"`},
		},
		{
			name:     "empty context passes inputs through",
			context:  "",
			inputs:   `{"mode": "safe"}`,
			wantKeys: map[string]string{"mode": `"safe"`},
		},
		{
			name:     "empty inputs pass context through",
			context:  `{"region": "us-east"}`,
			inputs:   "",
			wantKeys: map[string]string{"region": `"us-east"`},
		},
		{
			name:    "non-object context fails",
			context: `[1, 2]`,
			inputs:  `{"mode": "safe"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := mergeInputs(json.RawMessage(tt.context), json.RawMessage(tt.inputs))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mergeInputs returned error: %v", err)
			}
			var got map[string]json.RawMessage
			if err := json.Unmarshal(merged, &got); err != nil {
				t.Fatalf("merged output is not an object: %v", err)
			}
			if len(got) != len(tt.wantKeys) {
				t.Fatalf("got %d keys, want %d", len(got), len(tt.wantKeys))
			}
			for k, want := range tt.wantKeys {
				if string(got[k]) != want {
					t.Errorf("key %s = %s, want %s", k, got[k], want)
				}
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	te := newTestEngine(t, nil)
	now := te.clock.Now()

	near := now.Add(7 * time.Second)
	past := now.Add(-time.Minute)
	far := now.Add(20 * time.Minute)

	tests := []struct {
		name  string
		retry *time.Time
		want  time.Duration
	}{
		{"no pending retry", nil, 0},
		{"retry already due", &past, 0},
		{"retry within the ceiling", &near, 7 * time.Second},
		{"retry beyond the ceiling is capped", &far, 300 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &ExecutionContext{EarliestNextRetry: tt.retry}
			if got := te.engine.retryDelay(ec); got != tt.want {
				t.Errorf("retryDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthSnapshot_CachesUntilExpiry(t *testing.T) {
	te := newTestEngine(t, linearHandler())
	ctx := context.Background()

	first := te.engine.Health(ctx)
	if first.Status != "ok" || !first.StoreReachable {
		t.Errorf("unexpected snapshot: %+v", first)
	}
	if first.RegisteredHandlers != 1 {
		t.Errorf("registered handlers = %d, want 1", first.RegisteredHandlers)
	}

	// Within the cache window the same snapshot is served.
	te.clock.Advance(time.Second)
	second := te.engine.Health(ctx)
	if !second.CheckedAt.Equal(first.CheckedAt) {
		t.Error("snapshot recomputed inside the cache window")
	}

	te.clock.Advance(time.Minute)
	third := te.engine.Health(ctx)
	if third.CheckedAt.Equal(first.CheckedAt) {
		t.Error("snapshot not recomputed after expiry")
	}
}

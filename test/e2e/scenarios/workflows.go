package scenarios

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360studio/taskgraph/workflow"
)

// dag assembles a TaskHandler from a template list and one handler per
// step name.
type dag struct {
	templates []workflow.StepTemplate
	handlers  map[string]workflow.StepHandler
}

func (d *dag) StepTemplates() []workflow.StepTemplate { return d.templates }

func (d *dag) StepHandler(stepName string) (workflow.StepHandler, error) {
	h, ok := d.handlers[stepName]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step %q", stepName)
	}
	return h, nil
}

// stepTrace records handler invocations in execution order.
type stepTrace struct {
	mu    sync.Mutex
	order []string
}

func (t *stepTrace) record(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, name)
}

func (t *stepTrace) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// flakyGate fails a step a fixed number of times before letting it pass.
type flakyGate struct {
	mu        sync.Mutex
	remaining int
}

func (g *flakyGate) shouldFail() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining > 0 {
		g.remaining--
		return true
	}
	return false
}

// linearWorkflow is three steps in a chain: ingest, transform,
// publish_result. Every handler records itself on the trace and passes
// data forward through step results.
func linearWorkflow(trace *stepTrace) workflow.TaskHandler {
	return &dag{
		templates: []workflow.StepTemplate{
			{
				Name:              "ingest",
				DependentSystem:   "source",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "transform",
				DependentSystem:   "pipeline",
				DependsOnStep:     "ingest",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "publish_result",
				DependentSystem:   "sink",
				DependsOnStep:     "transform",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
		},
		handlers: map[string]workflow.StepHandler{
			"ingest": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				trace.record("ingest")
				return json.Marshal(map[string]any{"records": 3})
			}),
			"transform": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, sequence []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				trace.record("transform")
				var ingested struct {
					Records int `json:"records"`
				}
				if err := decodeParent(sequence, "ingest", &ingested); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"records": ingested.Records, "normalized": true})
			}),
			"publish_result": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, sequence []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				trace.record("publish_result")
				var transformed struct {
					Records    int  `json:"records"`
					Normalized bool `json:"normalized"`
				}
				if err := decodeParent(sequence, "transform", &transformed); err != nil {
					return nil, err
				}
				if !transformed.Normalized {
					return nil, workflow.NewPermanentError("transform output not normalized")
				}
				return json.Marshal(map[string]any{"published": true, "records": transformed.Records})
			}),
		},
	}
}

// diamondWorkflow fans extract out to enrich and score, which join at
// publish. The gate makes enrich fail with a retryable error until its
// budget is spent.
func diamondWorkflow(gate *flakyGate) workflow.TaskHandler {
	return &dag{
		templates: []workflow.StepTemplate{
			{
				Name:              "extract",
				DependentSystem:   "source",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "enrich",
				DependentSystem:   "enrichment",
				DependsOnStep:     "extract",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "score",
				DependentSystem:   "scoring",
				DependsOnStep:     "extract",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "publish",
				DependentSystem:   "sink",
				DependsOnSteps:    []string{"enrich", "score"},
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
		},
		handlers: map[string]workflow.StepHandler{
			"extract": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				return json.Marshal(map[string]any{"entity": "acct-9"})
			}),
			"enrich": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				if gate.shouldFail() {
					return nil, workflow.NewRetryableError("enrichment service unavailable")
				}
				return json.Marshal(map[string]any{"enriched": true, "segments": []string{"smb", "eu"}})
			}),
			"score": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				return json.Marshal(map[string]any{"score": 0.87})
			}),
			"publish": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, sequence []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				var enriched struct {
					Enriched bool `json:"enriched"`
				}
				if err := decodeParent(sequence, "enrich", &enriched); err != nil {
					return nil, err
				}
				var scored struct {
					Score float64 `json:"score"`
				}
				if err := decodeParent(sequence, "score", &scored); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"enriched": enriched.Enriched, "score": scored.Score})
			}),
		},
	}
}

// rejectedImportWorkflow fails permanently at its first step, leaving the
// dependent step waiting until an operator resolves the failure.
func rejectedImportWorkflow() workflow.TaskHandler {
	return &dag{
		templates: []workflow.StepTemplate{
			{
				Name:              "validate_input",
				DependentSystem:   "intake",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "load_records",
				DependentSystem:   "warehouse",
				DependsOnStep:     "validate_input",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
		},
		handlers: map[string]workflow.StepHandler{
			"validate_input": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				return nil, workflow.NewPermanentError("schema version 99 is not supported")
			}),
			"load_records": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				return json.Marshal(map[string]any{"loaded": true})
			}),
		},
	}
}

// decodeParent unmarshals the stored results of a named parent step.
func decodeParent(sequence []*workflow.WorkflowStep, name string, into any) error {
	for _, step := range sequence {
		if step.Name != name {
			continue
		}
		if len(step.Results) == 0 {
			return workflow.NewRetryableError(fmt.Sprintf("parent step %q has no results yet", name))
		}
		return json.Unmarshal(step.Results, into)
	}
	return workflow.NewPermanentError(fmt.Sprintf("parent step %q not in sequence", name))
}

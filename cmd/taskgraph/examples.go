package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskgraph/registry"
	"github.com/c360studio/taskgraph/workflow"
)

// pipeline assembles a TaskHandler from a template list and one handler
// per step name.
type pipeline struct {
	templates []workflow.StepTemplate
	handlers  map[string]workflow.StepHandler
	validate  func(json.RawMessage) error
}

func (p *pipeline) StepTemplates() []workflow.StepTemplate { return p.templates }

func (p *pipeline) StepHandler(stepName string) (workflow.StepHandler, error) {
	h, ok := p.handlers[stepName]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step %q", stepName)
	}
	return h, nil
}

func (p *pipeline) ValidateContext(context json.RawMessage) error {
	if p.validate == nil {
		return nil
	}
	return p.validate(context)
}

// registerExampleWorkflows installs the built-in demo workflows.
func registerExampleWorkflows(reg *registry.Registry) error {
	if err := reg.Register("orders", "process_order", "1.0.0", orderPipeline()); err != nil {
		return fmt.Errorf("register orders/process_order: %w", err)
	}
	if err := reg.Register("reports", "daily_digest", "1.0.0", digestPipeline()); err != nil {
		return fmt.Errorf("register reports/daily_digest: %w", err)
	}
	return nil
}

// orderContext is the task context the order pipeline expects.
type orderContext struct {
	OrderID     int64 `json:"order_id"`
	AmountCents int64 `json:"amount_cents"`
}

// orderPipeline is a five-step diamond: validate fans out to inventory and
// payment, which join at ship; notify trails ship and is skippable.
func orderPipeline() workflow.TaskHandler {
	return &pipeline{
		templates: []workflow.StepTemplate{
			{
				Name:              "validate",
				Description:       "Check the order is well formed",
				DependentSystem:   "orders",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "reserve_inventory",
				Description:       "Hold stock for the order lines",
				DependentSystem:   "warehouse",
				DependsOnStep:     "validate",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "charge_payment",
				Description:       "Capture the order amount",
				DependentSystem:   "billing",
				DependsOnStep:     "validate",
				DefaultRetryable:  true,
				DefaultRetryLimit: 5,
				Timeout:           "10s",
			},
			{
				Name:              "ship",
				Description:       "Create the shipment once stock and money are secured",
				DependentSystem:   "warehouse",
				DependsOnSteps:    []string{"reserve_inventory", "charge_payment"},
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "notify",
				Description:       "Send the confirmation email",
				DependentSystem:   "email",
				DependsOnStep:     "ship",
				DefaultRetryable:  true,
				DefaultRetryLimit: 2,
				Skippable:         true,
			},
		},
		handlers: map[string]workflow.StepHandler{
			"validate": workflow.StepHandlerFunc(func(ctx context.Context, task *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				var order orderContext
				if err := json.Unmarshal(task.Context, &order); err != nil {
					return nil, workflow.NewPermanentError(fmt.Sprintf("malformed order context: %v", err))
				}
				if order.AmountCents <= 0 {
					return nil, workflow.NewPermanentError("order amount must be positive")
				}
				if err := simulateWork(ctx, 20*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"order_id":     order.OrderID,
					"amount_cents": order.AmountCents,
					"valid":        true,
				})
			}),
			"reserve_inventory": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				if err := simulateWork(ctx, 30*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"reservation_id": uuid.NewString(),
					"warehouse":      "fra-1",
				})
			}),
			"charge_payment": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, sequence []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				var validated orderContext
				if err := parentResults(sequence, "validate", &validated); err != nil {
					return nil, err
				}
				if err := simulateWork(ctx, 40*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"charge_id":    uuid.NewString(),
					"amount_cents": validated.AmountCents,
					"currency":     "EUR",
				})
			}),
			"ship": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, sequence []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				var reservation struct {
					ReservationID string `json:"reservation_id"`
				}
				if err := parentResults(sequence, "reserve_inventory", &reservation); err != nil {
					return nil, err
				}
				if err := simulateWork(ctx, 25*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"shipment_id":    uuid.NewString(),
					"reservation_id": reservation.ReservationID,
					"carrier":        "dhl",
				})
			}),
			"notify": workflow.StepHandlerFunc(func(ctx context.Context, task *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				if err := simulateWork(ctx, 10*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"notified":  true,
					"initiator": task.Initiator,
				})
			}),
		},
		validate: func(raw json.RawMessage) error {
			var order orderContext
			if err := json.Unmarshal(raw, &order); err != nil {
				return &workflow.ValidationError{Field: "context", Message: "must be a JSON object"}
			}
			if order.OrderID == 0 {
				return &workflow.ValidationError{Field: "order_id", Message: "is required"}
			}
			return nil
		},
	}
}

// digestPipeline is a three-step chain: collect, render, deliver.
func digestPipeline() workflow.TaskHandler {
	return &pipeline{
		templates: []workflow.StepTemplate{
			{
				Name:              "collect_metrics",
				Description:       "Aggregate yesterday's counters",
				DependentSystem:   "metrics",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "render_report",
				Description:       "Render the digest document",
				DependentSystem:   "reports",
				DependsOnStep:     "collect_metrics",
				DefaultRetryable:  true,
				DefaultRetryLimit: 3,
			},
			{
				Name:              "deliver_email",
				Description:       "Mail the digest to subscribers",
				DependentSystem:   "email",
				DependsOnStep:     "render_report",
				DefaultRetryable:  true,
				DefaultRetryLimit: 2,
				Skippable:         true,
			},
		},
		handlers: map[string]workflow.StepHandler{
			"collect_metrics": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				if err := simulateWork(ctx, 15*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"tasks_completed": 128,
					"steps_executed":  743,
				})
			}),
			"render_report": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, sequence []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				var metrics struct {
					TasksCompleted int `json:"tasks_completed"`
				}
				if err := parentResults(sequence, "collect_metrics", &metrics); err != nil {
					return nil, err
				}
				if err := simulateWork(ctx, 20*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{
					"report_id": uuid.NewString(),
					"headline":  fmt.Sprintf("%d tasks completed", metrics.TasksCompleted),
				})
			}),
			"deliver_email": workflow.StepHandlerFunc(func(ctx context.Context, _ *workflow.Task, _ []*workflow.WorkflowStep, _ *workflow.WorkflowStep) (json.RawMessage, error) {
				if err := simulateWork(ctx, 10*time.Millisecond); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"delivered": true})
			}),
		},
	}
}

// parentResults decodes the stored results of a named parent step from the
// task sequence.
func parentResults(sequence []*workflow.WorkflowStep, name string, into any) error {
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

// simulateWork sleeps briefly in place of a real downstream call.
func simulateWork(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

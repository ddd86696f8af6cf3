package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360studio/taskgraph/events"
	"github.com/c360studio/taskgraph/storage"
	"github.com/c360studio/taskgraph/workflow"
)

// SubmitTask validates a submission, instantiates the workflow's step
// templates into persistent steps and edges, and enqueues the first
// execution job. Nothing is persisted when validation fails; the returned
// task ID identifies the created task.
//
// Errors: *workflow.HandlerNotFoundError for an unregistered workflow,
// *workflow.ValidationError for a bad request or rejected context, and
// *workflow.DuplicateTaskError when an identical submission exists inside
// the dedup window.
func (e *Engine) SubmitTask(ctx context.Context, req workflow.TaskRequest) (string, error) {
	req.Defaults()
	if err := req.Validate(); err != nil {
		return "", err
	}

	desc, err := e.registry.Get(req.Namespace, req.Name, req.Version)
	if err != nil {
		return "", err
	}

	if validator, ok := desc.Handler().(workflow.ContextValidator); ok {
		if err := validator.ValidateContext(req.Context); err != nil {
			return "", err
		}
	}

	hash := req.IdentityHash()
	if window := e.execCfg.GetDedupWindow(); window > 0 {
		existing, err := e.store.TaskByIdentityHash(ctx, hash, window)
		switch {
		case err == nil:
			return "", &workflow.DuplicateTaskError{ExistingID: existing.ID}
		case !errors.Is(err, storage.ErrNotFound):
			return "", err
		}
	}

	ns, err := e.store.EnsureNamespace(ctx, req.Namespace)
	if err != nil {
		return "", err
	}
	named, err := e.store.EnsureNamedTask(ctx, ns.ID, req.Name, req.Version)
	if err != nil {
		return "", err
	}

	now := e.now()
	task := &workflow.Task{
		ID:           uuid.New().String(),
		NamedTaskID:  named.ID,
		Namespace:    named.Namespace,
		Name:         named.Name,
		Version:      named.Version,
		Context:      req.Context,
		Initiator:    req.Initiator,
		SourceSystem: req.SourceSystem,
		Reason:       req.Reason,
		Tags:         req.Tags,
		IdentityHash: hash,
		RequestedAt:  req.RequestedAt,
		CreatedAt:    now,
	}

	g := desc.Graph()
	order := g.TopologicalOrder()

	steps := make([]*workflow.WorkflowStep, 0, len(order))
	idByName := make(map[string]string, len(order))
	for _, name := range order {
		tpl, _ := g.Template(name)
		namedStep, err := e.store.EnsureNamedStep(ctx, tpl.Name, tpl.DependentSystem)
		if err != nil {
			return "", err
		}

		inputs, err := mergeInputs(req.Context, tpl.Inputs)
		if err != nil {
			return "", &workflow.ValidationError{Field: "context", Message: fmt.Sprintf("cannot merge into step %s inputs: %v", tpl.Name, err)}
		}

		retryLimit := tpl.DefaultRetryLimit
		if retryLimit <= 0 {
			retryLimit = workflow.DefaultRetryLimit
		}

		stepID := uuid.New().String()
		idByName[name] = stepID
		steps = append(steps, &workflow.WorkflowStep{
			ID:          stepID,
			TaskID:      task.ID,
			NamedStepID: namedStep.ID,
			Name:        tpl.Name,
			Inputs:      inputs,
			RetryLimit:  retryLimit,
			Retryable:   tpl.DefaultRetryable,
			Skippable:   tpl.Skippable,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	edges := make([]workflow.StepEdge, 0, g.EdgeCount())
	for _, name := range order {
		for _, parent := range g.ParentsOf(name) {
			edges = append(edges, workflow.StepEdge{
				TaskID:     task.ID,
				FromStepID: idByName[parent],
				ToStepID:   idByName[name],
				Name:       parent + "->" + name,
			})
		}
	}

	if err := e.store.CreateTask(ctx, task, steps, edges); err != nil {
		return "", err
	}
	e.metrics.TasksSubmitted.Inc()
	e.logger.Info("Task submitted",
		"task_id", task.ID,
		"namespace", task.Namespace,
		"name", task.Name,
		"version", task.Version,
		"steps", len(steps))

	stepNames := make([]string, 0, len(steps))
	for _, s := range steps {
		stepNames = append(stepNames, s.Name)
	}
	e.publish(ctx, events.StepsDiscovered, task.ID, events.StepsDiscoveredPayload{
		StepCount: len(steps),
		StepNames: stepNames,
		Levels:    g.Levels(),
	})
	e.publish(ctx, events.DependenciesResolved, task.ID, events.DependenciesResolvedPayload{
		EdgeCount: len(edges),
		Roots:     g.Roots(),
	})

	if err := e.queue.Enqueue(ctx, task.ID, 0); err != nil {
		// The task exists; surface the scheduling failure so the caller
		// can reenqueue rather than resubmit.
		return task.ID, fmt.Errorf("task %s created but not scheduled: %w", task.ID, err)
	}
	return task.ID, nil
}

// mergeInputs overlays step template inputs on the task context. Template
// keys win so a template can pin a value the submitter also supplies. Both
// must be JSON objects when present.
func mergeInputs(taskContext, templateInputs json.RawMessage) (json.RawMessage, error) {
	if len(taskContext) == 0 {
		return templateInputs, nil
	}
	if len(templateInputs) == 0 {
		return taskContext, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(taskContext, &base); err != nil {
		return nil, fmt.Errorf("task context is not an object: %w", err)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(templateInputs, &overlay); err != nil {
		return nil, fmt.Errorf("template inputs are not an object: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}

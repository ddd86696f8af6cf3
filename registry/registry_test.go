package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/c360studio/taskgraph/workflow"
)

type stubHandler struct {
	templates []workflow.StepTemplate
	missing   map[string]bool
}

func newStubHandler(templates ...workflow.StepTemplate) *stubHandler {
	return &stubHandler{templates: templates}
}

func (h *stubHandler) StepTemplates() []workflow.StepTemplate {
	return h.templates
}

func (h *stubHandler) StepHandler(name string) (workflow.StepHandler, error) {
	if h.missing[name] {
		return nil, fmt.Errorf("no handler wired for %s", name)
	}
	return workflow.StepHandlerFunc(func(context.Context, *workflow.Task, []*workflow.WorkflowStep, *workflow.WorkflowStep) (json.RawMessage, error) {
		return json.RawMessage(`{"ok": true}`), nil
	}), nil
}

func orderTemplates() []workflow.StepTemplate {
	return []workflow.StepTemplate{
		{Name: "validate", DefaultRetryable: true, DefaultRetryLimit: 3},
		{Name: "charge", DependsOnStep: "validate", DefaultRetryable: true, DefaultRetryLimit: 3},
		{Name: "notify", DependsOnStep: "charge", DefaultRetryable: true, DefaultRetryLimit: 3},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New(nil)

	err := r.Register("payments", "process_order", "1.0.0", newStubHandler(orderTemplates()...))
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	desc, err := r.Get("payments", "process_order", "1.0.0")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if desc.Namespace != "payments" || desc.Name != "process_order" || desc.Version != "1.0.0" {
		t.Errorf("descriptor coordinates = %s/%s@%s", desc.Namespace, desc.Name, desc.Version)
	}
	if len(desc.Templates()) != 3 {
		t.Errorf("Templates() returned %d entries, want 3", len(desc.Templates()))
	}
	if desc.Graph() == nil || desc.Graph().Size() != 3 {
		t.Error("descriptor graph missing or wrong size")
	}
}

func TestRegistry_DefaultCoordinates(t *testing.T) {
	r := New(nil)

	if err := r.Register("", "simple", "", newStubHandler(orderTemplates()...)); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if _, err := r.Get("default", "simple", "0.1.0"); err != nil {
		t.Errorf("Get with explicit defaults failed: %v", err)
	}
	if _, err := r.Get("", "simple", ""); err != nil {
		t.Errorf("Get with empty coordinates failed: %v", err)
	}
}

func TestRegistry_NotFoundScopes(t *testing.T) {
	r := New(nil)
	if err := r.Register("payments", "process_order", "1.0.0", newStubHandler(orderTemplates()...)); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	cases := []struct {
		namespace, name, version, wantScope string
	}{
		{"billing", "process_order", "1.0.0", "namespace"},
		{"payments", "unknown_task", "1.0.0", "name"},
		{"payments", "process_order", "9.9.9", "version"},
	}

	for _, tc := range cases {
		_, err := r.Get(tc.namespace, tc.name, tc.version)
		var notFound *workflow.HandlerNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("Get(%s/%s@%s) error = %v, want HandlerNotFoundError", tc.namespace, tc.name, tc.version, err)
		}
		if notFound.Scope != tc.wantScope {
			t.Errorf("Get(%s/%s@%s) scope = %q, want %q", tc.namespace, tc.name, tc.version, notFound.Scope, tc.wantScope)
		}
	}
}

func TestRegistry_InvalidHandlerLeavesNoState(t *testing.T) {
	r := New(nil)

	cyclic := newStubHandler(
		workflow.StepTemplate{Name: "a", DependsOnStep: "b", DefaultRetryLimit: 3},
		workflow.StepTemplate{Name: "b", DependsOnStep: "a", DefaultRetryLimit: 3},
	)
	if err := r.Register("payments", "broken", "1.0.0", cyclic); err == nil {
		t.Fatal("expected registration of cyclic handler to fail")
	}

	if _, err := r.Get("payments", "broken", "1.0.0"); err == nil {
		t.Error("failed registration must not be resolvable")
	}
	if len(r.Namespaces()) != 0 {
		t.Errorf("failed registration leaked namespace state: %v", r.Namespaces())
	}
}

func TestRegistry_UnresolvableStepHandlerRejected(t *testing.T) {
	r := New(nil)

	h := newStubHandler(orderTemplates()...)
	h.missing = map[string]bool{"charge": true}

	err := r.Register("payments", "process_order", "1.0.0", h)
	if err == nil {
		t.Fatal("expected registration to fail when a step handler cannot be resolved")
	}
	var cfgErr *workflow.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error type = %T, want *workflow.ConfigurationError", err)
	}
}

func TestRegistry_ReregisterIdenticalIsNoop(t *testing.T) {
	r := New(nil)

	if err := r.Register("payments", "process_order", "1.0.0", newStubHandler(orderTemplates()...)); err != nil {
		t.Fatalf("first Register returned error: %v", err)
	}
	if err := r.Register("payments", "process_order", "1.0.0", newStubHandler(orderTemplates()...)); err != nil {
		t.Errorf("identical re-registration returned error: %v", err)
	}

	infos, err := r.List("")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(infos) != 1 || len(infos[0].Versions) != 1 {
		t.Errorf("re-registration changed registry state: %+v", infos)
	}
}

func TestRegistry_ReregisterConflictFails(t *testing.T) {
	r := New(nil)

	if err := r.Register("payments", "process_order", "1.0.0", newStubHandler(orderTemplates()...)); err != nil {
		t.Fatalf("first Register returned error: %v", err)
	}

	different := newStubHandler(
		workflow.StepTemplate{Name: "only_step", DefaultRetryable: true, DefaultRetryLimit: 1},
	)
	err := r.Register("payments", "process_order", "1.0.0", different)
	if err == nil {
		t.Fatal("expected conflicting re-registration to fail")
	}
	var cfgErr *workflow.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error type = %T, want *workflow.ConfigurationError", err)
	}
}

func TestRegistry_MultipleVersionsCoexist(t *testing.T) {
	r := New(nil)

	for _, v := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		if err := r.Register("payments", "process_order", v, newStubHandler(orderTemplates()...)); err != nil {
			t.Fatalf("Register %s returned error: %v", v, err)
		}
	}

	infos, err := r.List("payments/*")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(infos))
	}

	// Numeric semver ordering: 1.10.0 sorts after 1.2.0.
	want := []string{"1.0.0", "1.2.0", "1.10.0"}
	for i, v := range want {
		if infos[0].Versions[i] != v {
			t.Errorf("Versions[%d] = %s, want %s", i, infos[0].Versions[i], v)
		}
	}
}

func TestRegistry_ListPatterns(t *testing.T) {
	r := New(nil)

	registrations := []struct{ ns, name string }{
		{"payments", "process_order"},
		{"payments", "refund"},
		{"inventory", "restock"},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.ns, reg.name, "1.0.0", newStubHandler(orderTemplates()...)); err != nil {
			t.Fatalf("Register %s/%s returned error: %v", reg.ns, reg.name, err)
		}
	}

	all, err := r.List("")
	if err != nil {
		t.Fatalf("List(\"\") returned error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(\"\") returned %d entries, want 3", len(all))
	}

	payments, err := r.List("payments/*")
	if err != nil {
		t.Fatalf("List(payments/*) returned error: %v", err)
	}
	if len(payments) != 2 {
		t.Errorf("List(payments/*) returned %d entries, want 2", len(payments))
	}

	if _, err := r.List("[malformed"); err == nil {
		t.Error("expected malformed pattern to be rejected")
	}
}

func TestRegistry_Namespaces(t *testing.T) {
	r := New(nil)

	_ = r.Register("payments", "a", "1.0.0", newStubHandler(orderTemplates()...))
	_ = r.Register("inventory", "b", "1.0.0", newStubHandler(orderTemplates()...))

	namespaces := r.Namespaces()
	if len(namespaces) != 2 || namespaces[0] != "inventory" || namespaces[1] != "payments" {
		t.Errorf("Namespaces() = %v, want [inventory payments]", namespaces)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := fmt.Sprintf("task_%d_%d", n, j)
				if err := r.Register("load", name, "1.0.0", newStubHandler(orderTemplates()...)); err != nil {
					t.Errorf("Register %s failed: %v", name, err)
					return
				}
				if _, err := r.Get("load", name, "1.0.0"); err != nil {
					t.Errorf("Get %s failed: %v", name, err)
					return
				}
				if _, err := r.List("load/**"); err != nil {
					t.Errorf("List failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	infos, err := r.List("")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(infos) != 150 {
		t.Errorf("registered %d handlers, want 150", len(infos))
	}
}

package engine

import (
	"fmt"
	"sync"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// workflowRegistry is the two-level map workflowName -> stepName -> fn.
// Registration is idempotent: re-registering a workflow replaces its
// definition, so a per-invocation registration pass can run repeatedly.
type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]registeredWorkflow
}

type registeredWorkflow struct {
	entry string
	steps map[string]api.StepFunc
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]registeredWorkflow),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %q must have at least one step", def.Name)
	}

	steps := make(map[string]api.StepFunc, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q has a step with no name", def.Name)
		}
		if s.Fn == nil {
			return fmt.Errorf("workflow %q step %q has nil function", def.Name, s.Name)
		}
		if _, dup := steps[s.Name]; dup {
			return fmt.Errorf("workflow %q has duplicate step %q", def.Name, s.Name)
		}
		steps[s.Name] = s.Fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[def.Name] = registeredWorkflow{
		entry: def.Steps[0].Name,
		steps: steps,
	}
	return nil
}

// Step resolves a step function. Missing registrations surface as errors
// wrapping the package sentinels so callers can treat them as transient:
// registration races self-heal once the registration pass has run.
func (r *workflowRegistry) Step(workflow, step string) (api.StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.byName[workflow]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", workflow, ErrWorkflowNotRegistered)
	}

	fn, ok := wf.steps[step]
	if !ok {
		return nil, fmt.Errorf("workflow %q step %q: %w", workflow, step, ErrStepNotRegistered)
	}
	return fn, nil
}

func (r *workflowRegistry) HasStep(workflow, step string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.byName[workflow]
	if !ok {
		return false
	}
	_, ok = wf.steps[step]
	return ok
}

// Entry returns the entry step of a registered workflow.
func (r *workflowRegistry) Entry(workflow string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.byName[workflow]
	if !ok {
		return "", fmt.Errorf("workflow %q: %w", workflow, ErrWorkflowNotRegistered)
	}
	return wf.entry, nil
}

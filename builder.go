package ledgerq

import (
	"fmt"
	"time"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := ledgerq.New("syncAccount").
//	    Step("fetchRemote", fetchRemote).
//	    Step("applyChanges", applyChanges).
//	    Step("notify", notify)
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := ledgerq.StartWorkflow(ctx, engine, flow.Name(), input, ledgerq.Options{})
//
// The first step added is the workflow's entry step. Steps name each
// other explicitly through their results, so declaration order beyond
// the entry carries no control-flow meaning.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// Step appends a step to the workflow.
func (b *FlowBuilder) Step(name string, fn StepFunc) *FlowBuilder {
	if name == "" {
		panic("ledgerq: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("ledgerq: step %q has nil function", name))
	}

	b.def.Steps = append(b.def.Steps, api.StepDefinition{
		Name: name,
		Fn:   fn,
	})
	return b
}

// Sleep appends a step that parks the workflow for the given duration
// and then hands off to the named step.
func (b *FlowBuilder) Sleep(name string, d time.Duration, next string) *FlowBuilder {
	return b.Step(name, SleepStep(d, next))
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.Register(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

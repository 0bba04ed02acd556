package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoHandler is returned when a job names a handler the dispatch table
// does not know. It is surfaced as a transient failure, since
// registration races are expected to self-heal once the table is
// populated.
var ErrNoHandler = errors.New("no handler registered")

// Handler executes one job. Returning nil marks the job done; returning
// an error subjects it to the retry and dead-letter policy.
type Handler func(ctx context.Context, params json.RawMessage) error

// DispatchTable maps job names to handlers. Unknown and duplicate names
// are construction-time errors, not runtime surprises.
type DispatchTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatchTable creates an empty DispatchTable.
func NewDispatchTable() *DispatchTable {
	return &DispatchTable{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under the given job name. Empty names, nil
// handlers, and duplicate registrations are rejected.
func (t *DispatchTable) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("dispatch: job name is required")
	}
	if h == nil {
		return fmt.Errorf("dispatch: handler for %q is nil", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.handlers[name]; dup {
		return fmt.Errorf("dispatch: handler %q already registered", name)
	}
	t.handlers[name] = h
	return nil
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (t *DispatchTable) MustRegister(name string, h Handler) {
	if err := t.Register(name, h); err != nil {
		panic(err)
	}
}

// Handler resolves the handler for a job name.
func (t *DispatchTable) Handler(name string) (Handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.handlers[name]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", name, ErrNoHandler)
	}
	return h, nil
}

// Names returns the registered job names, sorted.
func (t *DispatchTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

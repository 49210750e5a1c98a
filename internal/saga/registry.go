package saga

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// StepOption tunes a registered step.
type StepOption func(*Step)

// WithStepTimeout overrides the orchestrator's default step timeout.
func WithStepTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.Timeout = d }
}

// WithMaxRetries sets how many times a failing step is retried before the
// saga compensates.
func WithMaxRetries(n int) StepOption {
	return func(s *Step) { s.MaxRetries = n }
}

// Registry holds named step definitions so sagas can be assembled from step
// names. Checkpoints store names only; a restored saga re-binds its handlers
// from the registry contents.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a named step. Re-registering a name replaces the previous
// definition.
func (r *Registry) Register(name string, action Action, comp Compensation, opts ...StepOption) error {
	if name == "" || action == nil {
		return fmt.Errorf("step registration needs a name and an action: %w", domain.ErrValidation)
	}
	step := Step{Name: name, Action: action, Compensation: comp}
	for _, opt := range opts {
		opt(&step)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = step
	return nil
}

// Steps resolves names into an ordered step list for saga.New.
func (r *Registry) Steps(names ...string) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Step, 0, len(names))
	for _, name := range names {
		step, ok := r.steps[name]
		if !ok {
			return nil, fmt.Errorf("step %q not registered: %w", name, domain.ErrNotFound)
		}
		out = append(out, step)
	}
	return out, nil
}

// Names lists registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package engine

import (
	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// Outcome is the result of dispatching one step. Exactly one group of fields
// is meaningful:
//   - Env (+Suspending): a step surfaced to the client
//   - Updates/Result: server-side completion with state effects
//   - PushLoop/PushFrame: control-flow expansion
//   - Break/Continue: loop signals
type Outcome struct {
	Env        *StepEnvelope
	Suspending bool

	Updates []state.Op
	Result  map[string]any

	PushFrame *ExecFrame
	PushLoop  *LoopFrame

	Break    bool
	Continue bool
}

// dispatch bundles what a handler needs for one step.
type dispatch struct {
	eng   *Engine
	inst  *Instance
	step  *types.StepDef
	scope map[string]any
}

// HandlerFunc dispatches one step against an instance.
type HandlerFunc func(d *dispatch) (Outcome, *errors.EngineError)

// Registry maps step types to handlers. The built-in set covers every
// interpreted type; callers may register additional types.
type Registry struct {
	handlers map[types.StepType]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.StepType]HandlerFunc)}
}

// Register binds a handler to a step type, replacing any previous binding.
func (r *Registry) Register(t types.StepType, fn HandlerFunc) {
	r.handlers[t] = fn
}

// Lookup returns the handler for a step type.
func (r *Registry) Lookup(t types.StepType) (HandlerFunc, bool) {
	fn, ok := r.handlers[t]
	return fn, ok
}

package engine

import "github.com/aromcp/workflow-engine/internal/types"

// LoopKind identifies what kind of loop owns a LoopFrame.
type LoopKind string

const (
	LoopWhile   LoopKind = "while"
	LoopForeach LoopKind = "foreach"
)

// LoopFrame tracks one active loop. Foreach iterations are 0-indexed through
// Index; Iteration is the 1-indexed count for while loops and index+1 for
// foreach, matching the loop.iteration binding.
type LoopFrame struct {
	Kind         LoopKind
	SourceStepID string

	Iteration int
	MaxIter   int
	Body      []*types.StepDef

	// Foreach only: items are materialised once at loop entry.
	Items        []any
	Index        int
	VariableName string

	// While only: condition re-evaluated before each iteration.
	Condition string

	BreakRequested    bool
	ContinueRequested bool
}

// Bindings returns the loop.* view plus the custom variable binding for the
// frame's current iteration.
func (lf *LoopFrame) Bindings() (loopVars map[string]any, varName string, varValue any) {
	switch lf.Kind {
	case LoopForeach:
		item := any(nil)
		if lf.Index >= 0 && lf.Index < len(lf.Items) {
			item = lf.Items[lf.Index]
		}
		loopVars = map[string]any{
			"item":      item,
			"index":     float64(lf.Index),
			"iteration": float64(lf.Index + 1),
			"total":     float64(len(lf.Items)),
		}
		return loopVars, lf.VariableName, item
	default:
		loopVars = map[string]any{
			"iteration": float64(lf.Iteration),
		}
		return loopVars, "", nil
	}
}

// ExecFrame is one entry in the call stack: a step list with a cursor.
// LoopIndex links body frames to their owning loop (-1 for none).
type ExecFrame struct {
	Steps        []*types.StepDef
	Cursor       int
	LoopIndex    int
	SourceStepID string

	// LoopBody marks the frame holding a loop's body for the current
	// iteration; exhaustion advances the owning loop instead of just
	// popping.
	LoopBody bool
}

// Exhausted reports whether the cursor has run off the end.
func (f *ExecFrame) Exhausted() bool {
	return f.Cursor >= len(f.Steps)
}

// Current returns the step under the cursor.
func (f *ExecFrame) Current() *types.StepDef {
	return f.Steps[f.Cursor]
}

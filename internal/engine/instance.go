// Package engine runs workflow instances: a cursor-based interpreter over
// execution frames, a mode-classified step queue, sub-agent fan-out, and the
// public API surface clients poll against.
package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// Metrics counts an instance's execution activity.
type Metrics struct {
	StepsCompleted int `json:"steps_completed"`
	StepsFailed    int `json:"steps_failed"`
	LoopIterations int `json:"loop_iterations"`
	SubAgentsRun   int `json:"sub_agents_run"`
}

// pendingStep is a blocking/wait step emitted to a client and awaiting its
// result. Re-polling before completion re-emits the same envelope.
type pendingStep struct {
	step    *types.StepDef
	env     *StepEnvelope
	retries int // user_input validation attempts so far
	issued  time.Time
}

// Instance is one running execution of a workflow, root or sub-agent.
// All access goes through mu; within an instance, step execution is
// single-threaded cooperative.
type Instance struct {
	mu sync.Mutex

	ID     string
	TaskID string // sub-agents only: <task_name>.item<N>

	def     *types.WorkflowDef
	taskDef *types.SubAgentTaskDef // sub-agents only

	parent      *Instance
	itemContext map[string]any // sub-agents only: item/index/total/task_id/parent_id

	status  types.WorkflowStatus
	store   *state.Store
	frames  []*ExecFrame
	loops   []*LoopFrame
	tracker *Tracker
	pending *pendingStep
	fanout  *fanout // active parallel_foreach barrier

	subAgents map[string]*Instance
	subOrder  []string

	lastResult map[string]any // preceding step's result, for source tokens

	// Fan-out admission bookkeeping, sub-agents only. admitted is set when
	// the sub-agent takes a semaphore slot; semReleased when that slot has
	// been given back, so a re-polled terminal sub-agent releases nothing.
	admitted    bool
	semReleased bool

	createdAt  time.Time
	updatedAt  time.Time
	deadline   time.Time // sub-agents only: wall-clock budget
	wfDeadline time.Time // root only: global workflow budget, fixed at start
	lastStepID string
	failure    *errors.EngineError
	metrics    Metrics
	doneAt     time.Time // when status went terminal
}

// newInstanceID generates a wf_ + 8 lowercase hex id. The caller checks for
// collisions and retries.
func newInstanceID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived id rather than panicking.
		return fmt.Sprintf("wf_%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "wf_" + hex.EncodeToString(b)
}

// transition moves the status along the allowed edges, recording the change.
func (in *Instance) transition(to types.WorkflowStatus) error {
	if in.status == to {
		return nil
	}
	if !in.status.CanTransitionTo(to) {
		return errors.Newf(errors.KindControlFlow, errors.CodeBadTransition,
			"cannot transition %s from %s to %s", in.ID, in.status, to)
	}
	from := in.status
	in.status = to
	in.updatedAt = time.Now()
	if to.IsTerminal() {
		in.doneAt = in.updatedAt
	}
	in.tracker.Record(Event{
		Kind:    EventStatusChange,
		Message: string(to),
		Details: map[string]any{"from": string(from), "to": string(to)},
	})
	return nil
}

// fail records the error and moves the instance to Failed.
func (in *Instance) fail(err *errors.EngineError) {
	in.failure = err
	in.metrics.StepsFailed++
	in.tracker.Record(Event{
		Kind:    EventStepFailed,
		StepID:  err.StepID,
		Message: err.Error(),
		Details: map[string]any{"code": err.Code, "kind": string(err.Kind)},
	})
	if in.status == types.StatusPaused || in.status == types.StatusWaitingForClient {
		_ = in.transition(types.StatusRunning)
	}
	_ = in.transition(types.StatusFailed)
}

// innermostLoop returns the top of the loop stack, or nil.
func (in *Instance) innermostLoop() *LoopFrame {
	if len(in.loops) == 0 {
		return nil
	}
	return in.loops[len(in.loops)-1]
}

// scope builds the evaluation scope for this instance: flattened tiers,
// loop bindings from the innermost frame, item_context for sub-agents, and
// global.* resolving to the root instance's merged view.
func (in *Instance) scope() (map[string]any, error) {
	sc, err := in.store.Flatten()
	if err != nil {
		return nil, err
	}

	if lf := in.innermostLoop(); lf != nil {
		loopVars, varName, varValue := lf.Bindings()
		sc["loop"] = loopVars
		if varName != "" {
			sc[varName] = varValue
		}
	}

	if in.parent != nil {
		global, err := in.root().store.Merged()
		if err != nil {
			return nil, err
		}
		sc["global"] = global
		for k, v := range in.itemContext {
			if _, taken := sc[k]; !taken {
				sc[k] = v
			}
		}
	} else {
		// For a root instance global.* is its own merged view.
		global, err := in.store.Merged()
		if err != nil {
			return nil, err
		}
		sc["global"] = global
	}
	return sc, nil
}

// root walks up to the owning root instance.
func (in *Instance) root() *Instance {
	cur := in
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// StatusRecord is the read-only view returned by the status operation.
type StatusRecord struct {
	ID            string               `json:"id"`
	TaskID        string               `json:"task_id,omitempty"`
	Status        types.WorkflowStatus `json:"status"`
	Workflow      string               `json:"workflow"`
	CurrentStepID string               `json:"current_step_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Metrics       Metrics              `json:"metrics"`
	Error         *errors.EngineError  `json:"error,omitempty"`
}

// statusRecordLocked snapshots the instance; callers hold in.mu.
func (in *Instance) statusRecordLocked() StatusRecord {
	return StatusRecord{
		ID:            in.ID,
		TaskID:        in.TaskID,
		Status:        in.status,
		Workflow:      in.def.Name,
		CurrentStepID: in.lastStepID,
		CreatedAt:     in.createdAt,
		UpdatedAt:     in.updatedAt,
		Metrics:       in.metrics,
		Error:         in.failure,
	}
}

// SubAgentSummary is one entry of list_sub_agents.
type SubAgentSummary struct {
	TaskID    string               `json:"task_id"`
	Status    types.WorkflowStatus `json:"status"`
	Item      any                  `json:"item"`
	Index     int                  `json:"index"`
	Error     *errors.EngineError  `json:"error,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

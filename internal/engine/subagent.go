package engine

import (
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// fanout is the barrier state of one active parallel_foreach step on a root
// instance: the sub-agent dispatch order, the concurrency cap, and where the
// aggregated results land.
type fanout struct {
	taskName  string
	stepID    string
	resultKey string
	timeout   time.Duration

	sem   *semaphore.Weighted
	order []string // task_ids, FIFO dispatch order

	// Debug-serial: sub-agents run one at a time through the main poller.
	serial    bool
	serialPos int
}

// startFanout materialises the items, builds one isolated sub-agent per
// item, admits up to max_parallel of them, and suspends the parent until the
// aggregation barrier.
func (e *Engine) startFanout(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.ParallelForeach
	in := d.inst

	if in.fanout != nil {
		return Outcome{}, errors.Newf(errors.KindInternal, errors.CodeInternal,
			"parallel_foreach while a fan-out is already active").WithStep(d.step.ID)
	}

	items, err := e.eval.Evaluate(cfg.Items, d.scope)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, errors.KindEvaluation, errors.CodeExprRuntime,
			"items expression failed").WithStep(d.step.ID)
	}
	arr, ok := items.([]any)
	if !ok {
		return Outcome{}, errors.Newf(errors.KindStepExecution, errors.CodeItemsNotArray,
			"parallel_foreach items is %T, not an array", items).WithStep(d.step.ID)
	}

	rootDef := in.root().def
	taskDef, ok := rootDef.SubAgentTasks[cfg.SubAgentTask]
	if !ok {
		return Outcome{}, errors.Newf(errors.KindValidation, errors.CodeUnknownTask,
			"unknown sub_agent_task %q", cfg.SubAgentTask).WithStep(d.step.ID)
	}

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.cfg.Engine.MaxParallel
	}

	f := &fanout{
		taskName:  cfg.SubAgentTask,
		stepID:    d.step.ID,
		resultKey: rootDef.ResultKey(cfg.SubAgentTask),
		sem:       semaphore.NewWeighted(int64(maxParallel)),
		serial:    e.serial || rootDef.Config.ExecutionMode == types.ExecutionModeSerial,
	}
	if cfg.TimeoutSeconds > 0 {
		f.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	if in.subAgents == nil {
		in.subAgents = make(map[string]*Instance)
	}
	for i, item := range arr {
		sub, serr := e.buildSubAgent(in, cfg.SubAgentTask, taskDef, item, i, len(arr))
		if serr != nil {
			return Outcome{}, serr
		}
		in.subAgents[sub.TaskID] = sub
		in.subOrder = append(in.subOrder, sub.TaskID)
		f.order = append(f.order, sub.TaskID)
		in.tracker.Record(Event{
			Kind: EventSubAgent, StepID: d.step.ID, TaskID: sub.TaskID,
			Message: "spawned", Details: map[string]any{"index": i, "total": len(arr)},
		})
	}
	in.metrics.SubAgentsRun += len(arr)

	if !f.serial {
		for _, tid := range f.order {
			if !f.sem.TryAcquire(1) {
				break
			}
			e.activateSubAgent(in.subAgents[tid], f)
		}
	}
	in.fanout = f

	env := d.envelope(map[string]any{
		"sub_agent_task": cfg.SubAgentTask,
		"total":          float64(len(arr)),
		"task_ids":       asAnySlice(f.order),
		"instruction": fmt.Sprintf(
			"poll get_next_step with each task_id to drive the %d sub-agent(s)", len(arr)),
	})
	return Outcome{Env: env, Suspending: true}, nil
}

func asAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// buildSubAgent constructs one isolated sub-agent instance for an item.
func (e *Engine) buildSubAgent(parent *Instance, taskName string, taskDef *types.SubAgentTaskDef, item any, index, total int) (*Instance, *errors.EngineError) {
	taskID := fmt.Sprintf("%s.item%d", taskName, index)

	inputs, err := e.bindTaskInputs(parent, taskDef, item, index, total)
	if err != nil {
		return nil, err
	}

	store, serr := state.New(inputs, taskDef.DefaultState, taskDef.StateSchema.Computed, e.eval.Evaluate)
	if serr != nil {
		return nil, errors.Wrap(serr)
	}

	steps := taskDef.Steps
	if len(steps) == 0 && taskDef.PromptTemplate != "" {
		// Prompt-template tasks reduce to a single agent_prompt step.
		steps = []*types.StepDef{{
			ID:          "step_001",
			Type:        types.StepAgentPrompt,
			AgentPrompt: &types.AgentPromptDef{Prompt: taskDef.PromptTemplate},
		}}
	}

	now := time.Now()
	sub := &Instance{
		ID:      parent.ID,
		TaskID:  taskID,
		def:     parent.root().def,
		taskDef: taskDef,
		parent:  parent,
		itemContext: map[string]any{
			"item":      item,
			"index":     float64(index),
			"total":     float64(total),
			"task_id":   taskID,
			"parent_id": parent.ID,
		},
		status:    types.StatusPending,
		store:     store,
		frames:    []*ExecFrame{{Steps: steps, LoopIndex: -1}},
		tracker:   NewTracker(e.cfg.Engine.TrackerCapacity),
		createdAt: now,
		updatedAt: now,
	}
	wireLegacyWarnings(store, sub.tracker)
	return sub, nil
}

// bindTaskInputs resolves a task's declared inputs in the parent's scope
// with item/index/total bound. Inputs without a source expression bind by
// name: the item context first, then the parent's merged view, then the
// declared default.
func (e *Engine) bindTaskInputs(parent *Instance, taskDef *types.SubAgentTaskDef, item any, index, total int) (map[string]any, *errors.EngineError) {
	scope, err := parent.scope()
	if err != nil {
		return nil, errors.Wrap(err)
	}
	scope["item"] = item
	scope["index"] = float64(index)
	scope["total"] = float64(total)

	inputs := make(map[string]any, len(taskDef.Inputs))
	for name, def := range taskDef.Inputs {
		if def.Source != "" {
			v, err := e.eval.Evaluate(def.Source, scope)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindEvaluation, errors.CodeExprRuntime,
					"input %q source expression failed", name)
			}
			inputs[name] = v
			continue
		}
		if v, ok := scope[name]; ok {
			inputs[name] = v
			continue
		}
		if def.Default != nil {
			inputs[name] = def.Default
			continue
		}
		if def.Required {
			return nil, errors.Newf(errors.KindValidation, errors.CodeMissingInput,
				"sub-agent input %q has no source, scope value, or default", name)
		}
	}
	return inputs, nil
}

// activateSubAgent admits a pending sub-agent: Running status plus its
// wall-clock deadline. Callers hold the parent's lock; the sub-agent is not
// yet visible to other pollers or is locked by the caller.
func (e *Engine) activateSubAgent(sub *Instance, f *fanout) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.status != types.StatusPending {
		return
	}
	sub.admitted = true
	_ = sub.transition(types.StatusRunning)
	if f.timeout > 0 {
		sub.deadline = time.Now().Add(f.timeout)
	}
}

// checkSubDeadline fails a timed-out sub-agent. Caller holds sub.mu.
func (e *Engine) checkSubDeadline(sub *Instance) {
	if sub.deadline.IsZero() || sub.status.IsTerminal() {
		return
	}
	if time.Now().After(sub.deadline) {
		sub.fail(errors.Newf(errors.KindTimeout, errors.CodeSubAgentTimeout,
			"sub-agent %s exceeded its time budget", sub.TaskID))
	}
}

// onSubTerminal runs after a sub-agent reaches a terminal status: the next
// pending sibling is admitted and, once all have terminated, the barrier
// aggregates into the parent. Caller holds no locks.
func (e *Engine) onSubTerminal(parent *Instance) {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	f := parent.fanout
	if f == nil || f.serial {
		return
	}

	// Release exactly once per admitted sub-agent. Polling a terminal
	// sub-agent again must not over-release the semaphore.
	for _, tid := range f.order {
		sub := parent.subAgents[tid]
		sub.mu.Lock()
		release := sub.status.IsTerminal() && sub.admitted && !sub.semReleased
		if release {
			sub.semReleased = true
		}
		sub.mu.Unlock()
		if release {
			f.sem.Release(1)
		}
	}

	for _, tid := range f.order {
		sub := parent.subAgents[tid]
		sub.mu.Lock()
		pending := sub.status == types.StatusPending
		sub.mu.Unlock()
		if pending && f.sem.TryAcquire(1) {
			e.activateSubAgent(sub, f)
		}
	}

	if e.allSubsTerminal(parent, f) {
		e.finishFanout(parent)
	}
}

// allSubsTerminal reports whether every sub-agent of the barrier has
// terminated. Caller holds parent.mu.
func (e *Engine) allSubsTerminal(parent *Instance, f *fanout) bool {
	for _, tid := range f.order {
		sub := parent.subAgents[tid]
		sub.mu.Lock()
		terminal := sub.status.IsTerminal()
		sub.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

// finishFanout applies the aggregation barrier: one entry per sub-agent in
// item order, written to the parent's state in a single transaction, then
// the parent resumes after the parallel_foreach step. Caller holds
// parent.mu.
func (e *Engine) finishFanout(parent *Instance) {
	f := parent.fanout
	entries := make([]any, 0, len(f.order))

	for _, tid := range f.order {
		sub := parent.subAgents[tid]
		sub.mu.Lock()
		if sub.status == types.StatusCompleted {
			entry := sub.store.StateSnapshot()
			entry["ok"] = true
			entries = append(entries, entry)
		} else {
			entry := map[string]any{"ok": false, "task_id": tid}
			if sub.failure != nil {
				entry["error"] = map[string]any{
					"kind":    string(sub.failure.Kind),
					"code":    sub.failure.Code,
					"message": sub.failure.Message,
				}
			} else {
				entry["error"] = map[string]any{"message": string(sub.status)}
			}
			entries = append(entries, entry)
		}
		sub.mu.Unlock()
	}

	op := state.Op{Path: "state." + f.resultKey, Operation: state.OpSet, Value: entries}
	if _, err := parent.store.ApplyUpdates([]state.Op{op}); err != nil {
		parent.fail(errors.Wrapf(err, errors.KindSubAgent, errors.CodeAggregationError,
			"writing %s", f.resultKey).WithStep(f.stepID))
		return
	}

	parent.tracker.Record(Event{
		Kind: EventSubAgent, StepID: f.stepID, Message: "aggregated",
		Details: map[string]any{"result_key": f.resultKey, "entries": len(entries)},
	})

	parent.fanout = nil
	parent.pending = nil
	parent.metrics.StepsCompleted++
	if len(parent.frames) > 0 {
		parent.frames[len(parent.frames)-1].Cursor++
	}
	if parent.status == types.StatusWaitingForClient {
		_ = parent.transition(types.StatusRunning)
	}
}

// serialDrive routes the active sub-agent's steps through the parent's
// poller, one sub-agent at a time, in item order. Final parent state matches
// the parallel path: the same isolation, the same aggregation key. Caller
// holds in.mu.
func (e *Engine) serialDrive(in *Instance) (*StepEnvelope, *errors.EngineError) {
	f := in.fanout
	for f.serialPos < len(f.order) {
		sub := in.subAgents[f.order[f.serialPos]]

		sub.mu.Lock()
		if sub.status == types.StatusPending {
			_ = sub.transition(types.StatusRunning)
			if f.timeout > 0 && sub.deadline.IsZero() {
				sub.deadline = time.Now().Add(f.timeout)
			}
		}
		e.checkSubDeadline(sub)
		env, _ := e.drive(sub)
		terminal := sub.status.IsTerminal()
		sub.mu.Unlock()

		if env != nil {
			if env.Context == nil {
				env.Context = &StepContext{TaskID: sub.TaskID}
			}
			env.Context.Serial = true
			return env, nil
		}
		if !terminal {
			// Paused or otherwise stalled without an emission.
			return nil, nil
		}
		in.tracker.Record(Event{
			Kind: EventSubAgent, StepID: f.stepID, TaskID: sub.TaskID,
			Message: "terminated", Details: map[string]any{"status": string(sub.status)},
		})
		f.serialPos++
	}

	e.finishFanout(in)
	if in.status.IsTerminal() {
		return nil, in.failure
	}
	return e.drive(in)
}

package engine

import (
	"time"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/types"
)

// drive advances an instance until it suspends, completes, or fails, and
// returns the envelope to hand to the polling client (nil when there is
// nothing to emit). The caller holds in.mu.
//
// Drain rules per poll: immediate and expand steps run server-side without
// yielding; consecutive user_message steps coalesce into one batch emission;
// the first blocking or wait step suspends the instance. At most one
// suspending step is ever returned.
func (e *Engine) drive(in *Instance) (*StepEnvelope, *errors.EngineError) {
	if in.status.IsTerminal() || in.status == types.StatusPaused {
		return nil, in.failure
	}

	// A sub-agent the fan-out semaphore has not admitted yet runs nothing;
	// the client keeps polling until a sibling's slot frees up.
	if in.status == types.StatusPending {
		return nil, nil
	}

	if terr := e.checkWorkflowDeadline(in); terr != nil {
		return nil, terr
	}

	// A fan-out barrier in serial mode routes the active sub-agent's steps
	// through this poller.
	if in.fanout != nil && in.fanout.serial {
		return e.serialDrive(in)
	}

	// An outstanding blocking step is re-emitted until completed.
	if in.pending != nil {
		return in.pending.env, nil
	}
	if in.status == types.StatusWaitingForClient {
		if err := in.transition(types.StatusRunning); err != nil {
			return nil, errors.Wrap(err)
		}
	}

	for {
		if len(in.frames) == 0 {
			if err := in.transition(types.StatusCompleted); err != nil {
				return nil, errors.Wrap(err)
			}
			return nil, nil
		}

		frame := in.frames[len(in.frames)-1]
		if frame.Exhausted() {
			if ferr := e.popFrame(in); ferr != nil {
				in.fail(ferr)
				return nil, ferr
			}
			continue
		}

		step := frame.Current()
		in.lastStepID = step.ID

		if modeFor(step) == ModeBatch {
			env, berr := e.batchMessages(in, frame)
			if berr != nil {
				in.fail(berr)
				return nil, berr
			}
			return env, nil
		}

		env, serr := e.dispatchStep(in, frame, step)
		if serr != nil {
			in.fail(serr)
			return nil, serr
		}
		if env != nil {
			return env, nil
		}
	}
}

// checkWorkflowDeadline fails an instance whose workflow-level time budget
// has elapsed. The budget is set on the root at start from the definition's
// config block; sub-agents inherit it. Caller holds in.mu.
func (e *Engine) checkWorkflowDeadline(in *Instance) *errors.EngineError {
	if in.status == types.StatusPending {
		return nil
	}
	d := in.root().wfDeadline
	if d.IsZero() || !time.Now().After(d) {
		return nil
	}
	terr := errors.Newf(errors.KindTimeout, errors.CodeWorkflowTimeout,
		"workflow exceeded its %ds budget", in.root().def.Config.TimeoutSeconds)
	in.fail(terr)
	return terr
}

// dispatchStep runs one non-batch step. A returned envelope means the
// instance suspended.
func (e *Engine) dispatchStep(in *Instance, frame *ExecFrame, step *types.StepDef) (*StepEnvelope, *errors.EngineError) {
	handler, ok := e.reg.Lookup(step.Type)
	if !ok {
		return nil, errors.Newf(errors.KindValidation, errors.CodeUnknownStepType,
			"no handler for step type %q", step.Type).WithStep(step.ID)
	}

	scope, err := in.scope()
	if err != nil {
		return nil, errors.Wrap(err)
	}

	in.tracker.Record(Event{Kind: EventStepStart, StepID: step.ID, Message: string(step.Type)})

	d := &dispatch{eng: e, inst: in, step: step, scope: scope}
	out, herr := handler(d)
	if herr != nil {
		return nil, herr
	}

	switch {
	case out.Break:
		frame.Cursor++
		e.unwindLoop(in, true)
		in.metrics.StepsCompleted++
		return nil, nil

	case out.Continue:
		frame.Cursor++
		e.unwindLoop(in, false)
		in.metrics.StepsCompleted++
		if ferr := e.advanceLoop(in); ferr != nil {
			return nil, ferr
		}
		return nil, nil

	case out.PushLoop != nil:
		frame.Cursor++
		in.loops = append(in.loops, out.PushLoop)
		e.pushLoopBody(in, out.PushLoop)
		in.metrics.LoopIterations++
		return nil, nil

	case out.PushFrame != nil:
		frame.Cursor++
		in.frames = append(in.frames, out.PushFrame)
		return nil, nil

	case out.Env != nil && out.Suspending:
		in.pending = &pendingStep{step: step, env: out.Env, issued: time.Now()}
		if err := in.transition(types.StatusWaitingForClient); err != nil {
			return nil, errors.Wrap(err)
		}
		return out.Env, nil

	default:
		if cerr := e.completeStep(in, step, out); cerr != nil {
			return nil, cerr
		}
		frame.Cursor++
		return out.Env, nil
	}
}

// completeStep applies a server-side completion's state effects.
func (e *Engine) completeStep(in *Instance, step *types.StepDef, out Outcome) *errors.EngineError {
	if len(out.Updates) > 0 {
		records, err := in.store.ApplyUpdates(out.Updates)
		if err != nil {
			return errors.Wrap(err)
		}
		e.recordWrites(in, step.ID, records)
	}
	if out.Result != nil {
		in.lastResult = out.Result
	}
	in.metrics.StepsCompleted++
	in.tracker.Record(Event{Kind: EventStepComplete, StepID: step.ID})
	return nil
}

// batchMessages coalesces the run of consecutive user_message steps starting
// at the frame cursor into a single emission. Batched steps complete
// immediately; the instance does not suspend.
func (e *Engine) batchMessages(in *Instance, frame *ExecFrame) (*StepEnvelope, *errors.EngineError) {
	var messages []any
	firstID := frame.Current().ID

	for !frame.Exhausted() && frame.Current().Type == types.StepUserMessage {
		step := frame.Current()
		scope, err := in.scope()
		if err != nil {
			return nil, errors.Wrap(err)
		}
		d := &dispatch{eng: e, inst: in, step: step, scope: scope}
		msg, merr := userMessagePayload(d)
		if merr != nil {
			return nil, merr
		}
		messages = append(messages, map[string]any{
			"message": msg.Message, "type": msg.Type, "format": msg.Format,
		})
		in.metrics.StepsCompleted++
		in.tracker.Record(Event{Kind: EventStepComplete, StepID: step.ID})
		in.lastStepID = step.ID
		frame.Cursor++
	}

	env := &StepEnvelope{
		ID:         qualifiedStepID(in.TaskID, firstID),
		Type:       string(types.StepUserMessage),
		Definition: map[string]any{"messages": messages},
	}
	if in.TaskID != "" {
		env.Context = &StepContext{TaskID: in.TaskID}
	}
	return env, nil
}

// popFrame handles an exhausted top frame: loop bodies advance their loop,
// plain frames just pop.
func (e *Engine) popFrame(in *Instance) *errors.EngineError {
	frame := in.frames[len(in.frames)-1]
	in.frames = in.frames[:len(in.frames)-1]
	if frame.LoopBody {
		return e.advanceLoop(in)
	}
	return nil
}

// unwindLoop pops execution frames down to (and including) the innermost
// loop's body frame. With popLoop the loop frame itself is discarded too
// (break); otherwise the loop stays for advanceLoop (continue).
func (e *Engine) unwindLoop(in *Instance, popLoop bool) {
	loopIdx := len(in.loops) - 1
	for len(in.frames) > 0 {
		top := in.frames[len(in.frames)-1]
		in.frames = in.frames[:len(in.frames)-1]
		if top.LoopBody && top.LoopIndex == loopIdx {
			break
		}
	}
	if popLoop {
		lf := in.loops[loopIdx]
		in.loops = in.loops[:loopIdx]
		in.tracker.Record(Event{
			Kind: EventDecision, StepID: lf.SourceStepID, Message: "break",
			Details: map[string]any{"iterations_run": in.loopIterations(lf)},
		})
	}
}

// loopIterations reports how many iterations a loop frame has begun.
func (in *Instance) loopIterations(lf *LoopFrame) int {
	if lf.Kind == LoopForeach {
		return lf.Index + 1
	}
	return lf.Iteration
}

// pushLoopBody pushes a fresh body frame for the innermost loop's current
// iteration.
func (e *Engine) pushLoopBody(in *Instance, lf *LoopFrame) {
	in.frames = append(in.frames, &ExecFrame{
		Steps:        lf.Body,
		LoopIndex:    len(in.loops) - 1,
		SourceStepID: lf.SourceStepID,
		LoopBody:     true,
	})
	in.tracker.Record(Event{
		Kind:   EventLoopIter,
		StepID: lf.SourceStepID,
		Details: map[string]any{
			"kind": string(lf.Kind), "iteration": in.loopIterations(lf),
		},
	})
}

// advanceLoop moves the innermost loop to its next iteration: foreach steps
// through the materialised items, while re-evaluates its condition against a
// fresh scope. The iteration cap terminates the loop with a warning rather
// than failing the workflow, unless configured otherwise.
func (e *Engine) advanceLoop(in *Instance) *errors.EngineError {
	loopIdx := len(in.loops) - 1
	if loopIdx < 0 {
		return errors.New(errors.KindInternal, errors.CodeInternal,
			"loop body exhausted with empty loop stack")
	}
	lf := in.loops[loopIdx]

	switch lf.Kind {
	case LoopForeach:
		lf.Index++
		lf.Iteration = lf.Index + 1
		if lf.Index >= len(lf.Items) {
			in.loops = in.loops[:loopIdx]
			return nil
		}
		in.metrics.LoopIterations++
		e.pushLoopBody(in, lf)
		return nil

	default: // while
		scope, err := in.scope()
		if err != nil {
			return errors.Wrap(err)
		}
		cond, err := e.eval.EvaluateBool(lf.Condition, scope)
		if err != nil {
			return errors.Wrapf(err, errors.KindEvaluation, errors.CodeExprRuntime,
				"while condition failed").WithStep(lf.SourceStepID)
		}
		in.tracker.Record(Event{
			Kind: EventDecision, StepID: lf.SourceStepID, Message: lf.Condition,
			Details: map[string]any{"result": cond, "iteration": lf.Iteration},
		})
		if !cond {
			in.loops = in.loops[:loopIdx]
			return nil
		}
		if lf.Iteration >= lf.MaxIter {
			in.tracker.Warn(lf.SourceStepID, "iteration cap reached", map[string]any{
				"max_iterations": lf.MaxIter,
				"last_condition": lf.Condition,
				"state":          in.store.StateSnapshot(),
			})
			if e.cfg.Engine.FailOnIterationCap {
				return errors.Newf(errors.KindControlFlow, errors.CodeIterationCap,
					"loop exceeded %d iterations", lf.MaxIter).WithStep(lf.SourceStepID)
			}
			in.loops = in.loops[:loopIdx]
			return nil
		}
		lf.Iteration++
		in.metrics.LoopIterations++
		e.pushLoopBody(in, lf)
		return nil
	}
}

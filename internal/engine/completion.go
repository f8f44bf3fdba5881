package engine

import (
	"fmt"
	"strconv"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// StepComplete delivers a client's result for the pending blocking step.
// Results for terminal instances are discarded. Acknowledgement is implicit:
// the next poll continues past the completed step.
func (e *Engine) StepComplete(id, stepID string, result map[string]any, taskID string) error {
	root, lerr := e.lookup(id)
	if lerr != nil {
		return lerr
	}

	in := root
	if taskID != "" {
		sub, serr := e.subAgent(root, taskID)
		if serr != nil {
			return serr
		}
		in = sub
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status.IsTerminal() {
		// A late result from a cancelled or failed instance is dropped.
		return nil
	}
	if terr := e.checkWorkflowDeadline(in); terr != nil {
		return terr
	}
	if in.pending == nil {
		return errors.Newf(errors.KindValidation, errors.CodeWorkflowInvalid,
			"instance %s has no pending step", in.ID)
	}
	if stepID != "" && in.pending.step.ID != bareStepID(in.TaskID, stepID) {
		return errors.Newf(errors.KindValidation, errors.CodeWorkflowInvalid,
			"pending step is %s, not %s", in.pending.step.ID, stepID)
	}

	cerr := e.completePending(in, result)
	if cerr != nil {
		return cerr
	}
	return nil
}

// completePending applies the pending step's completion semantics. A nil
// return with pending still set means the step re-prompts (user_input retry).
// Caller holds in.mu.
func (e *Engine) completePending(in *Instance, result map[string]any) *errors.EngineError {
	step := in.pending.step

	switch step.Type {
	case types.StepUserInput:
		return e.completeUserInput(in, result)

	case types.StepAgentPrompt:
		in.lastResult = result
		e.clearPending(in)
		return nil

	case types.StepAgentResponse:
		return e.completeAgentResponse(in, result)

	case types.StepMCPCall:
		return e.completeMCPCall(in, result)

	case types.StepWait:
		e.clearPending(in)
		return nil

	case types.StepParallelForeach:
		// The barrier completes through its sub-agents, not through
		// step_complete on the parent.
		return nil

	default:
		return errors.Newf(errors.KindInternal, errors.CodeInternal,
			"pending step has unexpected type %s", step.Type)
	}
}

// clearPending finishes the suspended step: cursor advances past it and the
// instance returns to Running.
func (e *Engine) clearPending(in *Instance) {
	step := in.pending.step
	in.pending = nil
	if len(in.frames) > 0 {
		in.frames[len(in.frames)-1].Cursor++
	}
	in.metrics.StepsCompleted++
	in.tracker.Record(Event{Kind: EventStepComplete, StepID: step.ID})
	if in.status == types.StatusWaitingForClient {
		_ = in.transition(types.StatusRunning)
	}
}

// completeUserInput validates and stores the provided value, re-prompting on
// validation failure until max_retries is exhausted.
func (e *Engine) completeUserInput(in *Instance, result map[string]any) *errors.EngineError {
	cfg := in.pending.step.UserInput
	value, verr := coerceInput(result["value"], cfg)

	if verr == nil && cfg.Validation != "" {
		scope, err := in.scope()
		if err != nil {
			return errors.Wrap(err)
		}
		scope["value"] = value
		ok, evalErr := e.eval.EvaluateBool(cfg.Validation, scope)
		if evalErr != nil {
			verr = fmt.Errorf("validation expression failed: %w", evalErr)
		} else if !ok {
			verr = fmt.Errorf("value rejected by validation %q", cfg.Validation)
		}
	}

	if verr != nil {
		in.pending.retries++
		maxRetries := cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if in.pending.retries >= maxRetries {
			ferr := errors.Wrapf(verr, errors.KindStepExecution, errors.CodeInputRejected,
				"input rejected after %d attempt(s)", in.pending.retries).
				WithStep(in.pending.step.ID)
			in.fail(ferr)
			return ferr
		}
		// Re-prompt with the rejection attached.
		in.pending.env.Definition["error"] = verr.Error()
		in.pending.env.Definition["attempt"] = float64(in.pending.retries + 1)
		in.tracker.Warn(in.pending.step.ID, "input rejected, re-prompting",
			map[string]any{"attempt": in.pending.retries})
		return nil
	}

	ops := []state.Op{{Path: cfg.Variable, Operation: state.OpSet, Value: value}}
	records, err := in.store.ApplyUpdates(ops)
	if err != nil {
		eerr := errors.Wrap(err)
		in.fail(eerr)
		return eerr
	}
	e.recordWrites(in, in.pending.step.ID, records)
	in.lastResult = map[string]any{"value": value, "success": true}
	e.clearPending(in)
	return nil
}

// coerceInput converts the raw client value according to the declared
// input_type.
func coerceInput(raw any, cfg *types.UserInputDef) (any, error) {
	switch cfg.InputType {
	case "", "string":
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", raw)
		}
		return s, nil
	case "number":
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected a number, got %T", raw)
		}
	case "boolean":
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected a boolean, got %T", raw)
		}
	case "choice":
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a choice string, got %T", raw)
		}
		for _, c := range cfg.Choices {
			if s == c {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of the offered choices", s)
	default:
		return raw, nil
	}
}

// completeAgentResponse validates the response against the declared schema
// and applies the step's state updates with the response bound in scope.
func (e *Engine) completeAgentResponse(in *Instance, result map[string]any) *errors.EngineError {
	cfg := in.pending.step.AgentResponse

	if err := validateResponseSchema(cfg.ResponseSchema, result); err != nil {
		ferr := errors.Wrapf(err, errors.KindStepExecution, errors.CodeResponseInvalid,
			"agent response rejected").WithStep(in.pending.step.ID)
		in.fail(ferr)
		return ferr
	}

	scope, err := in.scope()
	if err != nil {
		return errors.Wrap(err)
	}
	scope["response"] = result

	d := &dispatch{eng: e, inst: in, step: in.pending.step, scope: scope}
	ops, oerr := d.buildOps(cfg.StateUpdates, result)
	if oerr != nil {
		in.fail(oerr)
		return oerr
	}
	records, aerr := in.store.ApplyUpdates(ops)
	if aerr != nil {
		eerr := errors.Wrap(aerr)
		in.fail(eerr)
		return eerr
	}
	e.recordWrites(in, in.pending.step.ID, records)
	in.lastResult = result
	e.clearPending(in)
	return nil
}

// validateResponseSchema checks required fields and type tags. Field specs
// are either a bare type string or {type, required}.
func validateResponseSchema(schema, response map[string]any) error {
	for field, rawSpec := range schema {
		typeTag := ""
		required := false
		switch spec := rawSpec.(type) {
		case string:
			typeTag = spec
			required = true
		case map[string]any:
			if t, ok := spec["type"].(string); ok {
				typeTag = t
			}
			if r, ok := spec["required"].(bool); ok {
				required = r
			}
		}

		v, present := response[field]
		if !present {
			if required {
				return fmt.Errorf("missing required field %q", field)
			}
			continue
		}
		if typeTag != "" && !matchesType(v, typeTag) {
			return fmt.Errorf("field %q: expected %s, got %T", field, typeTag, v)
		}
	}
	return nil
}

// completeMCPCall applies a client-context tool call's result: store_result
// first, then state_update against it.
func (e *Engine) completeMCPCall(in *Instance, result map[string]any) *errors.EngineError {
	cfg := in.pending.step.MCPCall

	if errVal, failed := result["error"]; failed && errVal != nil {
		ferr := errors.Newf(errors.KindStepExecution, errors.CodeToolFailed,
			"tool %q failed: %v", cfg.Tool, errVal).WithStep(in.pending.step.ID)
		in.fail(ferr)
		return ferr
	}
	if result == nil {
		result = map[string]any{}
	}
	if _, ok := result["success"]; !ok {
		result["success"] = true
	}

	scope, err := in.scope()
	if err != nil {
		return errors.Wrap(err)
	}
	d := &dispatch{eng: e, inst: in, step: in.pending.step, scope: scope}
	ops, oerr := d.mcpCompletionOps(cfg, result)
	if oerr != nil {
		in.fail(oerr)
		return oerr
	}
	records, aerr := in.store.ApplyUpdates(ops)
	if aerr != nil {
		eerr := errors.Wrap(aerr)
		in.fail(eerr)
		return eerr
	}
	e.recordWrites(in, in.pending.step.ID, records)
	in.lastResult = result
	e.clearPending(in)
	return nil
}

// recordWrites appends state-write events for a batch of applied updates.
func (e *Engine) recordWrites(in *Instance, stepID string, records []state.WriteRecord) {
	for _, rec := range records {
		in.tracker.Record(Event{
			Kind:   EventStateWrite,
			StepID: stepID,
			Details: map[string]any{
				"path": rec.Path, "operation": rec.Op,
				"before": rec.Before, "after": rec.After,
			},
		})
	}
}

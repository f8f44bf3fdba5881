package engine

import (
	"context"
	"strings"
	"time"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// defaultRegistry binds the built-in handler set.
func defaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(types.StepUserMessage, handleUserMessage)
	r.Register(types.StepUserInput, handleUserInput)
	r.Register(types.StepAgentPrompt, handleAgentPrompt)
	r.Register(types.StepAgentResponse, handleAgentResponse)
	r.Register(types.StepMCPCall, handleMCPCall)
	r.Register(types.StepShellCommand, handleShellCommand)
	r.Register(types.StepWait, handleWait)
	r.Register(types.StepConditional, handleConditional)
	r.Register(types.StepWhileLoop, handleWhileLoop)
	r.Register(types.StepForeach, handleForeach)
	r.Register(types.StepBreak, handleBreak)
	r.Register(types.StepContinue, handleContinue)
	r.Register(types.StepParallelForeach, handleParallelForeach)
	r.Register(types.StepStateUpdate, handleStateUpdate)
	return r
}

// render substitutes {{ }} templates in one string field.
func (d *dispatch) render(s string) (string, *errors.EngineError) {
	out, err := d.eng.eval.Render(s, d.scope)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindEvaluation, errors.CodeTemplateError,
			"template substitution failed").WithStep(d.step.ID)
	}
	return out, nil
}

// wholeExprRe-free check: a value that is exactly one {{ expr }} evaluates to
// the expression's raw value instead of its string rendering.
func wholeExpression(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	// Reject "{{a}} and {{b}}" shapes.
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// resolveValue materialises a step-config value: whole expressions evaluate,
// templated strings render, containers recurse, everything else passes
// through.
func (d *dispatch) resolveValue(v any) (any, *errors.EngineError) {
	switch val := v.(type) {
	case string:
		if expr, ok := wholeExpression(val); ok {
			out, err := d.eng.eval.Evaluate(expr, d.scope)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindEvaluation, errors.CodeTemplateError,
					"value expression failed").WithStep(d.step.ID)
			}
			return out, nil
		}
		if strings.Contains(val, "{{") {
			return d.render(val)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := d.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := d.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// sourceToken resolves a state_update source token against the producing
// step's result.
func sourceToken(tok string, result map[string]any) (any, bool) {
	if result == nil {
		return nil, false
	}
	switch tok {
	case "stdout", "stderr", "full_output", "success", "errors":
		v, ok := result[tok]
		return v, ok
	case "returncode":
		if v, ok := result["returncode"]; ok {
			return v, true
		}
		v, ok := result["exit_code"]
		return v, ok
	default:
		return nil, false
	}
}

// buildOps resolves a list of declared state updates into store ops.
// result supplies source-token bindings from the producing step.
func (d *dispatch) buildOps(updates []types.StateUpdate, result map[string]any) ([]state.Op, *errors.EngineError) {
	ops := make([]state.Op, 0, len(updates))
	for _, u := range updates {
		var value any
		if u.Source != "" {
			v, ok := sourceToken(u.Source, result)
			if !ok {
				return nil, errors.Newf(errors.KindStateAccess, errors.CodeMissingKey,
					"source token %q has no value from the preceding step", u.Source).WithStep(d.step.ID)
			}
			value = v
		} else {
			v, err := d.resolveValue(u.Value)
			if err != nil {
				return nil, err
			}
			value = v
		}
		ops = append(ops, state.Op{Path: u.Path, Operation: u.Operation, Value: value})
	}
	return ops, nil
}

// envelope builds a client payload for the current step.
func (d *dispatch) envelope(def map[string]any) *StepEnvelope {
	env := &StepEnvelope{
		ID:         qualifiedStepID(d.inst.TaskID, d.step.ID),
		Type:       string(d.step.Type),
		Definition: def,
	}
	ctx := &StepContext{TaskID: d.inst.TaskID}
	if lf := d.inst.innermostLoop(); lf != nil {
		loopVars, _, _ := lf.Bindings()
		ctx.Loop = loopVars
	}
	if ctx.TaskID != "" || ctx.Loop != nil {
		env.Context = ctx
	}
	return env
}

// --- message/input/agent steps ---

// userMessagePayload renders one user_message step. The scheduler coalesces
// consecutive messages into a single batch emission.
func userMessagePayload(d *dispatch) (Message, *errors.EngineError) {
	cfg := d.step.UserMessage
	text, err := d.render(cfg.Message)
	if err != nil {
		return Message{}, err
	}
	msgType := cfg.MessageType
	if msgType == "" {
		msgType = "info"
	}
	format := cfg.Format
	if format == "" {
		format = "text"
	}
	return Message{Message: text, Type: msgType, Format: format}, nil
}

func handleUserMessage(d *dispatch) (Outcome, *errors.EngineError) {
	msg, err := userMessagePayload(d)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Env: d.envelope(map[string]any{
		"messages": []any{map[string]any{
			"message": msg.Message, "type": msg.Type, "format": msg.Format,
		}},
	})}, nil
}

func handleUserInput(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.UserInput
	prompt, err := d.render(cfg.Prompt)
	if err != nil {
		return Outcome{}, err
	}
	inputType := cfg.InputType
	if inputType == "" {
		inputType = "string"
	}
	choices := make([]any, 0, len(cfg.Choices))
	for _, c := range cfg.Choices {
		rc, err := d.render(c)
		if err != nil {
			return Outcome{}, err
		}
		choices = append(choices, rc)
	}
	def := map[string]any{
		"prompt":      prompt,
		"input_type":  inputType,
		"variable":    cfg.Variable,
		"max_retries": float64(d.userInputRetries()),
	}
	if len(choices) > 0 {
		def["choices"] = choices
	}
	return Outcome{Env: d.envelope(def), Suspending: true}, nil
}

// userInputRetries applies the default retry allowance.
func (d *dispatch) userInputRetries() int {
	if d.step.UserInput.MaxRetries > 0 {
		return d.step.UserInput.MaxRetries
	}
	return 3
}

func handleAgentPrompt(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.AgentPrompt
	prompt, err := d.render(cfg.Prompt)
	if err != nil {
		return Outcome{}, err
	}
	def := map[string]any{"prompt": prompt}
	if len(cfg.ExpectedResponse) > 0 {
		def["expected_response"] = cfg.ExpectedResponse
	}
	return Outcome{Env: d.envelope(def), Suspending: true}, nil
}

func handleAgentResponse(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.AgentResponse
	def := map[string]any{}
	if len(cfg.ResponseSchema) > 0 {
		def["response_schema"] = cfg.ResponseSchema
	}
	return Outcome{Env: d.envelope(def), Suspending: true}, nil
}

// --- server-executed steps ---

func handleMCPCall(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.MCPCall
	params, err := d.resolveValue(cfg.Parameters)
	if err != nil {
		return Outcome{}, err
	}
	paramMap, _ := params.(map[string]any)

	if cfg.ExecutionContext != "server" {
		def := map[string]any{
			"tool":       cfg.Tool,
			"parameters": paramMap,
		}
		if cfg.TimeoutSeconds > 0 {
			def["timeout"] = float64(cfg.TimeoutSeconds)
		}
		return Outcome{Env: d.envelope(def), Suspending: true}, nil
	}

	result, callErr := d.invokeTool(cfg, paramMap)
	if callErr != nil {
		return Outcome{}, callErr
	}
	ops, opErr := d.mcpCompletionOps(cfg, result)
	if opErr != nil {
		return Outcome{}, opErr
	}
	return Outcome{Updates: ops, Result: result}, nil
}

// invokeTool runs a server-context tool with timeout and retry/backoff.
func (d *dispatch) invokeTool(cfg *types.MCPCallDef, params map[string]any) (map[string]any, *errors.EngineError) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	attempts := cfg.Retries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		ctx := context.Background()
		cancel := func() {}
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err := d.eng.tools.Invoke(ctx, cfg.Tool, params)
		cancel()
		if err == nil {
			out["success"] = true
			return out, nil
		}
		lastErr = err
		if ctx.Err() == context.DeadlineExceeded {
			lastErr = ctx.Err()
		}
	}

	if lastErr == context.DeadlineExceeded {
		return nil, errors.Newf(errors.KindTimeout, errors.CodeStepTimeout,
			"tool %q timed out after %d attempt(s)", cfg.Tool, attempts).WithStep(d.step.ID)
	}
	return nil, errors.Wrapf(lastErr, errors.KindStepExecution, errors.CodeToolFailed,
		"tool %q failed after %d attempt(s)", cfg.Tool, attempts).WithStep(d.step.ID)
}

// backoff is exponential from 100ms.
func backoff(attempt int) time.Duration {
	delay := 100 * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// mcpCompletionOps applies store_result first, then state_update, so the
// update can reference the freshly stored result.
func (d *dispatch) mcpCompletionOps(cfg *types.MCPCallDef, result map[string]any) ([]state.Op, *errors.EngineError) {
	var ops []state.Op
	if cfg.StoreResult != "" {
		ops = append(ops, state.Op{Path: cfg.StoreResult, Operation: state.OpSet, Value: result})
	}
	if cfg.StateUpdate != nil {
		more, err := d.buildOps([]types.StateUpdate{*cfg.StateUpdate}, result)
		if err != nil {
			return nil, err
		}
		ops = append(ops, more...)
	}
	return ops, nil
}

func handleShellCommand(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.Shell
	command, err := d.render(cfg.Command)
	if err != nil {
		return Outcome{}, err
	}
	cwd, err := d.render(cfg.Cwd)
	if err != nil {
		return Outcome{}, err
	}

	timeout := d.eng.cfg.Engine.ShellTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	res, runErr := d.eng.shell.Run(context.Background(), command, cwd, timeout)
	if runErr != nil {
		return Outcome{}, errors.Wrapf(runErr, errors.KindStepExecution, errors.CodeShellFailed,
			"shell command could not run").WithStep(d.step.ID)
	}
	if res.TimedOut {
		return Outcome{}, errors.Newf(errors.KindTimeout, errors.CodeStepTimeout,
			"shell command timed out after %s", timeout).WithStep(d.step.ID)
	}

	result := map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"returncode":  float64(res.ExitCode),
		"full_output": res.FullOutput(),
		"success":     res.ExitCode == 0,
	}

	// A non-zero exit completes the step with the code captured, unless the
	// workflow opts into failing.
	if res.ExitCode != 0 && cfg.FailOnError {
		return Outcome{}, errors.Newf(errors.KindStepExecution, errors.CodeShellFailed,
			"shell command exited %d", res.ExitCode).
			WithStep(d.step.ID).WithDetail("stderr", res.Stderr)
	}

	var ops []state.Op
	if cfg.StateUpdate != nil {
		ops, err = d.buildOps([]types.StateUpdate{*cfg.StateUpdate}, result)
		if err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Updates: ops, Result: result}, nil
}

func handleWait(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.Wait
	def := map[string]any{"wait": true}
	if cfg != nil && cfg.Message != "" {
		msg, err := d.render(cfg.Message)
		if err != nil {
			return Outcome{}, err
		}
		def["message"] = msg
	}
	return Outcome{Env: d.envelope(def), Suspending: true}, nil
}

func handleStateUpdate(d *dispatch) (Outcome, *errors.EngineError) {
	ops, err := d.buildOps(d.step.StateUpdate.Updates, d.inst.lastResult)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Updates: ops}, nil
}

// --- control flow ---

func handleConditional(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.Conditional
	result, err := d.eng.eval.EvaluateBool(cfg.Condition, d.scope)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, errors.KindEvaluation, errors.CodeExprRuntime,
			"condition failed").WithStep(d.step.ID)
	}

	d.inst.tracker.Record(Event{
		Kind:    EventDecision,
		StepID:  d.step.ID,
		Message: cfg.Condition,
		Details: map[string]any{"result": result},
	})

	branch := cfg.ThenSteps
	if !result {
		branch = cfg.ElseSteps
	}
	if len(branch) == 0 {
		return Outcome{}, nil
	}
	return Outcome{PushFrame: &ExecFrame{
		Steps:        branch,
		LoopIndex:    d.currentLoopIndex(),
		SourceStepID: d.step.ID,
	}}, nil
}

// currentLoopIndex propagates loop ownership into branch frames so break and
// continue inside a conditional still target the enclosing loop.
func (d *dispatch) currentLoopIndex() int {
	if len(d.inst.frames) == 0 {
		return -1
	}
	return d.inst.frames[len(d.inst.frames)-1].LoopIndex
}

func handleWhileLoop(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.While
	result, err := d.eng.eval.EvaluateBool(cfg.Condition, d.scope)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, errors.KindEvaluation, errors.CodeExprRuntime,
			"while condition failed").WithStep(d.step.ID)
	}

	d.inst.tracker.Record(Event{
		Kind:    EventDecision,
		StepID:  d.step.ID,
		Message: cfg.Condition,
		Details: map[string]any{"result": result, "iteration": 0},
	})

	if !result {
		return Outcome{}, nil
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = d.eng.cfg.Engine.MaxIterations
	}
	return Outcome{PushLoop: &LoopFrame{
		Kind:         LoopWhile,
		SourceStepID: d.step.ID,
		Iteration:    1,
		MaxIter:      maxIter,
		Condition:    cfg.Condition,
		Body:         cfg.Body,
	}}, nil
}

func handleForeach(d *dispatch) (Outcome, *errors.EngineError) {
	cfg := d.step.Foreach
	items, err := d.eng.eval.Evaluate(cfg.Items, d.scope)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, errors.KindEvaluation, errors.CodeExprRuntime,
			"items expression failed").WithStep(d.step.ID)
	}
	arr, ok := items.([]any)
	if !ok {
		return Outcome{}, errors.Newf(errors.KindStepExecution, errors.CodeItemsNotArray,
			"foreach items is %T, not an array", items).WithStep(d.step.ID)
	}
	if len(arr) == 0 {
		return Outcome{}, nil
	}

	variable := cfg.VariableName
	if variable == "" {
		variable = "item"
	}
	return Outcome{PushLoop: &LoopFrame{
		Kind:         LoopForeach,
		SourceStepID: d.step.ID,
		Iteration:    1,
		Items:        arr,
		Index:        0,
		VariableName: variable,
		Body:         cfg.Body,
	}}, nil
}

func handleBreak(d *dispatch) (Outcome, *errors.EngineError) {
	if d.inst.innermostLoop() == nil {
		return Outcome{}, errors.Newf(errors.KindControlFlow, errors.CodeBreakOutsideLoop,
			"break outside a loop").WithStep(d.step.ID)
	}
	return Outcome{Break: true}, nil
}

func handleContinue(d *dispatch) (Outcome, *errors.EngineError) {
	if d.inst.innermostLoop() == nil {
		return Outcome{}, errors.Newf(errors.KindControlFlow, errors.CodeContinueOutsideLoop,
			"continue outside a loop").WithStep(d.step.ID)
	}
	return Outcome{Continue: true}, nil
}

func handleParallelForeach(d *dispatch) (Outcome, *errors.EngineError) {
	return d.eng.startFanout(d)
}

package workflow

import (
	"fmt"
	"strings"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/types"
)

// inputTypes is the closed set an input declaration may name.
var inputTypes = map[string]bool{
	"": true, "string": true, "number": true, "boolean": true,
	"array": true, "object": true,
}

var userInputTypes = map[string]bool{
	"": true, "string": true, "number": true, "boolean": true, "choice": true,
}

var updateOps = map[string]bool{
	"": true, "set": true, "increment": true, "decrement": true,
	"append": true, "multiply": true,
}

var messageTypes = map[string]bool{
	"": true, "info": true, "warning": true, "error": true, "success": true,
}

var executionModes = map[string]bool{
	"": true, types.ExecutionModeParallel: true, types.ExecutionModeSerial: true,
}

// Validate checks a parsed definition and assigns ids to steps that omit
// them. Ids are step_<nnn>, numbered in document order across the whole tree
// so nested and top-level steps share one sequence. Sub-agent task steps get
// their own sequence per task.
func Validate(def *types.WorkflowDef) *errors.EngineError {
	if def.Name == "" {
		return invalid("workflow has no name")
	}
	if len(def.Steps) == 0 {
		return invalid("workflow %q has no steps", def.Name)
	}
	if !executionModes[def.Config.ExecutionMode] {
		return invalid("config: unknown execution_mode %q", def.Config.ExecutionMode)
	}
	if def.Config.TimeoutSeconds < 0 {
		return invalid("config: timeout_seconds must not be negative")
	}
	for name, in := range def.Inputs {
		if !inputTypes[in.Type] {
			return invalid("input %q: unknown type %q", name, in.Type)
		}
		if in.Source != "" {
			return invalid("input %q: source is only valid on sub-agent task inputs", name)
		}
	}
	if err := checkComputedGraph(def.StateSchema.Computed); err != nil {
		return err
	}

	v := &validator{tasks: def.SubAgentTasks}
	if err := v.walk(def.Steps); err != nil {
		return err
	}
	for name, task := range def.SubAgentTasks {
		if err := validateTask(name, task); err != nil {
			return err
		}
	}
	return nil
}

// validateTask checks one sub-agent task definition. Task steps are numbered
// independently of the parent's.
func validateTask(name string, task *types.SubAgentTaskDef) *errors.EngineError {
	if len(task.Steps) == 0 && task.PromptTemplate == "" {
		return invalid("sub_agent_task %q: needs steps or prompt_template", name)
	}
	if len(task.Steps) > 0 && task.PromptTemplate != "" {
		return invalid("sub_agent_task %q: steps and prompt_template are exclusive", name)
	}
	for inName, in := range task.Inputs {
		if !inputTypes[in.Type] {
			return invalid("sub_agent_task %q: input %q: unknown type %q", name, inName, in.Type)
		}
	}
	if err := checkComputedGraph(task.StateSchema.Computed); err != nil {
		return err
	}
	// parallel_foreach inside a task would nest fan-outs; the interpreter
	// does not support that.
	tv := &validator{tasks: nil, inTask: name}
	return tv.walk(task.Steps)
}

// validator numbers and checks one step tree.
type validator struct {
	tasks  map[string]*types.SubAgentTaskDef
	inTask string
	next   int
	seen   map[string]bool
}

func (v *validator) walk(steps []*types.StepDef) *errors.EngineError {
	if v.seen == nil {
		v.seen = make(map[string]bool)
	}
	for _, s := range steps {
		if s.ID == "" {
			v.next++
			s.ID = fmt.Sprintf("step_%03d", v.next)
		}
		if v.seen[s.ID] {
			return invalid("duplicate step id %q", s.ID)
		}
		v.seen[s.ID] = true
		if err := v.checkStep(s); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) checkStep(s *types.StepDef) *errors.EngineError {
	switch s.Type {
	case types.StepUserMessage:
		if s.UserMessage.Message == "" {
			return v.bad(s, "message is required")
		}
		if !messageTypes[s.UserMessage.MessageType] {
			return v.bad(s, "unknown message_type %q", s.UserMessage.MessageType)
		}
		switch s.UserMessage.Format {
		case "", "text", "markdown", "code":
		default:
			return v.bad(s, "unknown format %q", s.UserMessage.Format)
		}
	case types.StepUserInput:
		in := s.UserInput
		if in.Prompt == "" {
			return v.bad(s, "prompt is required")
		}
		if in.Variable == "" {
			return v.bad(s, "variable is required")
		}
		if !userInputTypes[in.InputType] {
			return v.bad(s, "unknown input_type %q", in.InputType)
		}
		if in.InputType == "choice" && len(in.Choices) == 0 {
			return v.bad(s, "choice input has no choices")
		}
		if in.MaxRetries < 0 {
			return v.bad(s, "max_retries must not be negative")
		}
	case types.StepAgentPrompt:
		if s.AgentPrompt.Prompt == "" {
			return v.bad(s, "prompt is required")
		}
	case types.StepAgentResponse:
		for _, u := range s.AgentResponse.StateUpdates {
			if err := v.checkUpdate(s, u); err != nil {
				return err
			}
		}
	case types.StepMCPCall:
		c := s.MCPCall
		if c.Tool == "" {
			return v.bad(s, "tool is required")
		}
		switch c.ExecutionContext {
		case "", "client", "server":
		default:
			return v.bad(s, "unknown execution_context %q", c.ExecutionContext)
		}
		if c.Retries < 0 || c.TimeoutSeconds < 0 {
			return v.bad(s, "retries and timeout must not be negative")
		}
		if c.StateUpdate != nil {
			if err := v.checkUpdate(s, *c.StateUpdate); err != nil {
				return err
			}
		}
	case types.StepShellCommand:
		if s.Shell.Command == "" {
			return v.bad(s, "command is required")
		}
		if s.Shell.TimeoutSeconds < 0 {
			return v.bad(s, "timeout must not be negative")
		}
		if s.Shell.StateUpdate != nil {
			if err := v.checkUpdate(s, *s.Shell.StateUpdate); err != nil {
				return err
			}
		}
	case types.StepWait:
		// nothing required
	case types.StepConditional:
		c := s.Conditional
		if c.Condition == "" {
			return v.bad(s, "condition is required")
		}
		if len(c.ThenSteps) == 0 && len(c.ElseSteps) == 0 {
			return v.bad(s, "conditional has no branches")
		}
		if err := v.walk(c.ThenSteps); err != nil {
			return err
		}
		if err := v.walk(c.ElseSteps); err != nil {
			return err
		}
	case types.StepWhileLoop:
		w := s.While
		if w.Condition == "" {
			return v.bad(s, "condition is required")
		}
		if len(w.Body) == 0 {
			return v.bad(s, "loop body is empty")
		}
		if w.MaxIterations < 0 {
			return v.bad(s, "max_iterations must not be negative")
		}
		if err := v.walk(w.Body); err != nil {
			return err
		}
	case types.StepForeach:
		f := s.Foreach
		if f.Items == "" {
			return v.bad(s, "items is required")
		}
		if len(f.Body) == 0 {
			return v.bad(s, "loop body is empty")
		}
		if err := v.walk(f.Body); err != nil {
			return err
		}
	case types.StepBreak, types.StepContinue:
		// legality against the loop stack is a runtime concern
	case types.StepParallelForeach:
		p := s.ParallelForeach
		if p.Items == "" {
			return v.bad(s, "items is required")
		}
		if p.SubAgentTask == "" {
			return v.bad(s, "sub_agent_task is required")
		}
		if v.inTask != "" {
			return v.bad(s, "parallel_foreach cannot nest inside sub_agent_task %q", v.inTask)
		}
		if _, ok := v.tasks[p.SubAgentTask]; !ok {
			return errors.Newf(errors.KindValidation, errors.CodeUnknownTask,
				"step %s: unknown sub_agent_task %q", s.ID, p.SubAgentTask)
		}
		if p.MaxParallel < 0 || p.TimeoutSeconds < 0 {
			return v.bad(s, "max_parallel and timeout_seconds must not be negative")
		}
	case types.StepStateUpdate:
		if len(s.StateUpdate.Updates) == 0 {
			return v.bad(s, "state_update has no updates")
		}
		for _, u := range s.StateUpdate.Updates {
			if err := v.checkUpdate(s, u); err != nil {
				return err
			}
		}
	default:
		return errors.Newf(errors.KindValidation, errors.CodeUnknownStepType,
			"step %s: unknown type %q", s.ID, s.Type)
	}
	return nil
}

func (v *validator) checkUpdate(s *types.StepDef, u types.StateUpdate) *errors.EngineError {
	if u.Path == "" {
		return v.bad(s, "state update has no path")
	}
	if !updateOps[u.Operation] {
		return v.bad(s, "unknown operation %q", u.Operation)
	}
	return nil
}

func (v *validator) bad(s *types.StepDef, format string, args ...any) *errors.EngineError {
	return invalid("step %s: %s", s.ID, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) *errors.EngineError {
	return errors.Newf(errors.KindValidation, errors.CodeWorkflowInvalid, format, args...)
}

// checkComputedGraph rejects cycles among computed fields so a bad
// definition fails at load rather than at start.
func checkComputedGraph(fields map[string]*types.ComputedFieldDef) *errors.EngineError {
	if len(fields) == 0 {
		return nil
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	mark := make(map[string]int, len(fields))
	var visit func(name string) bool
	visit = func(name string) bool {
		switch mark[name] {
		case visiting:
			return false
		case done:
			return true
		}
		mark[name] = visiting
		for _, src := range fields[name].From {
			dep, ok := computedSource(src)
			if !ok || dep == name {
				continue
			}
			if _, exists := fields[dep]; exists && !visit(dep) {
				return false
			}
		}
		mark[name] = done
		return true
	}
	for name, f := range fields {
		if f.Transform == "" && len(f.From) > 1 {
			return invalid("computed field %q: multiple sources need a transform", name)
		}
		if !visit(name) {
			return errors.Newf(errors.KindStateAccess, errors.CodeComputedCycle,
				"computed field %q participates in a cycle", name)
		}
	}
	return nil
}

// computedSource extracts the computed-field name a source path may refer
// to: the leading segment after a computed. or this. prefix. this.* counts
// because the merged view resolves computed fields first, matching how the
// store's graph reads dependencies.
func computedSource(path string) (string, bool) {
	for _, prefix := range []string{"computed.", "this."} {
		if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
			continue
		}
		name := path[len(prefix):]
		if i := strings.IndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
		return name, name != ""
	}
	return "", false
}

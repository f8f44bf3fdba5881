package types

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType identifies one of the step kinds the engine interprets.
type StepType string

const (
	StepUserMessage     StepType = "user_message"
	StepUserInput       StepType = "user_input"
	StepAgentPrompt     StepType = "agent_prompt"
	StepAgentResponse   StepType = "agent_response"
	StepMCPCall         StepType = "mcp_call"
	StepShellCommand    StepType = "shell_command"
	StepWait            StepType = "wait_step"
	StepConditional     StepType = "conditional"
	StepWhileLoop       StepType = "while_loop"
	StepForeach         StepType = "foreach"
	StepBreak           StepType = "break"
	StepContinue        StepType = "continue"
	StepParallelForeach StepType = "parallel_foreach"
	StepStateUpdate     StepType = "state_update"
)

// Valid returns true if this is a recognized step type.
func (t StepType) Valid() bool {
	switch t {
	case StepUserMessage, StepUserInput, StepAgentPrompt, StepAgentResponse,
		StepMCPCall, StepShellCommand, StepWait, StepConditional,
		StepWhileLoop, StepForeach, StepBreak, StepContinue,
		StepParallelForeach, StepStateUpdate:
		return true
	}
	return false
}

// StateUpdate describes one mutation applied through the state store.
// Value holds a literal or template; Source names a reserved token bound to
// the producing step's result (stdout, stderr, returncode, full_output,
// success, errors).
type StateUpdate struct {
	Path      string `yaml:"path"`
	Operation string `yaml:"operation,omitempty"` // set | increment | decrement | append | multiply
	Value     any    `yaml:"value,omitempty"`
	Source    string `yaml:"source,omitempty"`
}

// UserMessageDef configures a user_message step.
type UserMessageDef struct {
	Message     string `yaml:"message"`
	MessageType string `yaml:"message_type,omitempty"` // info | warning | error | success
	Format      string `yaml:"format,omitempty"`       // text | markdown | code
}

// UserInputDef configures a user_input step.
type UserInputDef struct {
	Prompt     string   `yaml:"prompt"`
	InputType  string   `yaml:"input_type,omitempty"` // string | number | boolean | choice
	Choices    []string `yaml:"choices,omitempty"`
	Validation string   `yaml:"validation,omitempty"` // expression with `value` bound
	Variable   string   `yaml:"variable"`             // state path receiving the value
	MaxRetries int      `yaml:"max_retries,omitempty"`
}

// AgentPromptDef configures an agent_prompt step.
type AgentPromptDef struct {
	Prompt           string         `yaml:"prompt"`
	ExpectedResponse map[string]any `yaml:"expected_response,omitempty"`
}

// AgentResponseDef configures an agent_response step.
type AgentResponseDef struct {
	ResponseSchema map[string]any `yaml:"response_schema,omitempty"`
	StateUpdates   []StateUpdate  `yaml:"state_updates,omitempty"`
}

// MCPCallDef configures an mcp_call step.
type MCPCallDef struct {
	Tool             string         `yaml:"tool"`
	Parameters       map[string]any `yaml:"parameters,omitempty"`
	ExecutionContext string         `yaml:"execution_context,omitempty"` // client | server
	StoreResult      string         `yaml:"store_result,omitempty"`      // state path for the result
	TimeoutSeconds   int            `yaml:"timeout,omitempty"`
	Retries          int            `yaml:"retries,omitempty"`
	StateUpdate      *StateUpdate   `yaml:"state_update,omitempty"`
}

// ShellCommandDef configures a shell_command step.
type ShellCommandDef struct {
	Command        string       `yaml:"command"`
	Cwd            string       `yaml:"cwd,omitempty"`
	TimeoutSeconds int          `yaml:"timeout,omitempty"`
	StateUpdate    *StateUpdate `yaml:"state_update,omitempty"`
	FailOnError    bool         `yaml:"fail_on_error,omitempty"`
}

// WaitDef configures a wait_step.
type WaitDef struct {
	Message string `yaml:"message,omitempty"`
}

// ConditionalDef configures a conditional step.
type ConditionalDef struct {
	Condition string     `yaml:"condition"`
	ThenSteps []*StepDef `yaml:"then_steps,omitempty"`
	ElseSteps []*StepDef `yaml:"else_steps,omitempty"`
}

// WhileLoopDef configures a while_loop step.
type WhileLoopDef struct {
	Condition     string     `yaml:"condition"`
	Body          []*StepDef `yaml:"body"`
	MaxIterations int        `yaml:"max_iterations,omitempty"`
}

// ForeachDef configures a foreach step.
type ForeachDef struct {
	Items        string     `yaml:"items"` // expression producing an array
	VariableName string     `yaml:"variable_name,omitempty"`
	Body         []*StepDef `yaml:"body"`
}

// ParallelForeachDef configures a parallel_foreach step.
type ParallelForeachDef struct {
	Items          string `yaml:"items"`
	SubAgentTask   string `yaml:"sub_agent_task"`
	MaxParallel    int    `yaml:"max_parallel,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// StateUpdateDef configures a standalone state_update step.
type StateUpdateDef struct {
	Updates []StateUpdate
}

// StepDef is one step in a workflow definition. Exactly one config pointer is
// populated, matching Type. Type-specific fields sit inline on the YAML
// mapping alongside id and type.
type StepDef struct {
	ID   string
	Type StepType

	UserMessage     *UserMessageDef
	UserInput       *UserInputDef
	AgentPrompt     *AgentPromptDef
	AgentResponse   *AgentResponseDef
	MCPCall         *MCPCallDef
	Shell           *ShellCommandDef
	Wait            *WaitDef
	Conditional     *ConditionalDef
	While           *WhileLoopDef
	Foreach         *ForeachDef
	ParallelForeach *ParallelForeachDef
	StateUpdate     *StateUpdateDef
}

// stepHeader pulls out identity fields before type-directed decoding.
type stepHeader struct {
	ID   string   `yaml:"id"`
	Type StepType `yaml:"type"`
}

// stateUpdateStep covers both spellings of a standalone state_update step:
// a single inline update or an `updates` list.
type stateUpdateStep struct {
	Path      string        `yaml:"path,omitempty"`
	Operation string        `yaml:"operation,omitempty"`
	Value     any           `yaml:"value,omitempty"`
	Updates   []StateUpdate `yaml:"updates,omitempty"`
}

// UnmarshalYAML decodes a step mapping, dispatching the type-specific fields
// into the matching config struct.
func (s *StepDef) UnmarshalYAML(node *yaml.Node) error {
	var header stepHeader
	if err := node.Decode(&header); err != nil {
		return err
	}
	s.ID = header.ID
	s.Type = header.Type

	switch header.Type {
	case StepUserMessage:
		s.UserMessage = &UserMessageDef{}
		return node.Decode(s.UserMessage)
	case StepUserInput:
		s.UserInput = &UserInputDef{}
		return node.Decode(s.UserInput)
	case StepAgentPrompt:
		s.AgentPrompt = &AgentPromptDef{}
		return node.Decode(s.AgentPrompt)
	case StepAgentResponse:
		s.AgentResponse = &AgentResponseDef{}
		return node.Decode(s.AgentResponse)
	case StepMCPCall:
		s.MCPCall = &MCPCallDef{}
		return node.Decode(s.MCPCall)
	case StepShellCommand:
		s.Shell = &ShellCommandDef{}
		return node.Decode(s.Shell)
	case StepWait:
		s.Wait = &WaitDef{}
		return node.Decode(s.Wait)
	case StepConditional:
		s.Conditional = &ConditionalDef{}
		return node.Decode(s.Conditional)
	case StepWhileLoop:
		s.While = &WhileLoopDef{}
		return node.Decode(s.While)
	case StepForeach:
		s.Foreach = &ForeachDef{}
		return node.Decode(s.Foreach)
	case StepBreak, StepContinue:
		return nil
	case StepParallelForeach:
		s.ParallelForeach = &ParallelForeachDef{}
		return node.Decode(s.ParallelForeach)
	case StepStateUpdate:
		var raw stateUpdateStep
		if err := node.Decode(&raw); err != nil {
			return err
		}
		def := &StateUpdateDef{Updates: raw.Updates}
		if raw.Path != "" {
			def.Updates = append([]StateUpdate{{
				Path:      raw.Path,
				Operation: raw.Operation,
				Value:     raw.Value,
			}}, def.Updates...)
		}
		s.StateUpdate = def
		return nil
	case "":
		return fmt.Errorf("step %q: missing type", header.ID)
	default:
		return fmt.Errorf("step %q: unknown type %q", header.ID, header.Type)
	}
}

// MarshalYAML is not round-trip faithful for inline fields and exists only so
// instances can be dumped for diagnostics.
func (s *StepDef) MarshalYAML() (any, error) {
	out := map[string]any{"id": s.ID, "type": string(s.Type)}
	return out, nil
}

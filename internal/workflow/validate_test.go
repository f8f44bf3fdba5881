package workflow

import (
	"strings"
	"testing"

	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/types"
)

func parseAndValidate(t *testing.T, yamlText string) (*types.WorkflowDef, *errors.EngineError) {
	t.Helper()
	def, err := Parse([]byte(yamlText))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name == "" {
		def.Name = "t"
	}
	return def, Validate(def)
}

func TestValidateAssignsNestedIDs(t *testing.T) {
	def, verr := parseAndValidate(t, `
steps:
  - type: user_message
    message: outer
  - type: conditional
    condition: "true"
    then_steps:
      - type: user_message
        message: a
      - id: named
        type: user_message
        message: b
    else_steps:
      - type: while_loop
        condition: "false"
        body:
          - type: user_message
            message: c
`)
	if verr != nil {
		t.Fatalf("Validate: %v", verr)
	}

	cond := def.Steps[1]
	got := []string{
		def.Steps[0].ID,
		cond.ID,
		cond.Conditional.ThenSteps[0].ID,
		cond.Conditional.ThenSteps[1].ID,
		cond.Conditional.ElseSteps[0].ID,
		cond.Conditional.ElseSteps[0].While.Body[0].ID,
	}
	want := []string{"step_001", "step_002", "step_003", "named", "step_004", "step_005"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("id[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		code     string
		contains string
	}{
		{
			name:     "no steps",
			yaml:     "name: x\n",
			code:     errors.CodeWorkflowInvalid,
			contains: "no steps",
		},
		{
			name: "duplicate id",
			yaml: `
steps:
  - id: a
    type: user_message
    message: one
  - id: a
    type: user_message
    message: two
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "duplicate",
		},
		{
			name: "message missing",
			yaml: `
steps:
  - type: user_message
    message_type: info
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "message is required",
		},
		{
			name: "bad message type",
			yaml: `
steps:
  - type: user_message
    message: hi
    message_type: shout
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "message_type",
		},
		{
			name: "user_input without variable",
			yaml: `
steps:
  - type: user_input
    prompt: "pick"
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "variable",
		},
		{
			name: "choice without choices",
			yaml: `
steps:
  - type: user_input
    prompt: "pick"
    variable: state.pick
    input_type: choice
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "choices",
		},
		{
			name: "mcp_call without tool",
			yaml: `
steps:
  - type: mcp_call
    parameters: {a: 1}
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "tool",
		},
		{
			name: "bad execution context",
			yaml: `
steps:
  - type: mcp_call
    tool: echo
    execution_context: remote
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "execution_context",
		},
		{
			name: "conditional without branches",
			yaml: `
steps:
  - type: conditional
    condition: "state.x > 1"
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "branches",
		},
		{
			name: "while without body",
			yaml: `
steps:
  - type: while_loop
    condition: "true"
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "body",
		},
		{
			name: "unknown sub agent task",
			yaml: `
steps:
  - type: parallel_foreach
    items: "{{ state.items }}"
    sub_agent_task: ghost
`,
			code:     errors.CodeUnknownTask,
			contains: "ghost",
		},
		{
			name: "state_update bad operation",
			yaml: `
steps:
  - type: state_update
    path: state.n
    operation: divide
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "operation",
		},
		{
			name: "input bad type",
			yaml: `
inputs:
  n:
    type: integer
steps:
  - type: user_message
    message: hi
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "integer",
		},
		{
			name: "bad execution mode",
			yaml: `
config:
  execution_mode: warp
steps:
  - type: user_message
    message: hi
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "execution_mode",
		},
		{
			name: "negative workflow timeout",
			yaml: `
config:
  timeout_seconds: -5
steps:
  - type: user_message
    message: hi
`,
			code:     errors.CodeWorkflowInvalid,
			contains: "timeout_seconds",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, verr := parseAndValidate(t, tc.yaml)
			if verr == nil {
				t.Fatal("expected validation error")
			}
			if verr.Code != tc.code {
				t.Errorf("code = %s, want %s", verr.Code, tc.code)
			}
			if !strings.Contains(verr.Message, tc.contains) {
				t.Errorf("message %q does not mention %q", verr.Message, tc.contains)
			}
		})
	}
}

func TestValidateSubAgentTasks(t *testing.T) {
	_, verr := parseAndValidate(t, `
steps:
  - type: parallel_foreach
    items: "{{ state.files }}"
    sub_agent_task: lint
sub_agent_tasks:
  lint:
    inputs:
      file:
        type: string
        source: "item"
    steps:
      - type: shell_command
        command: "lint {{ inputs.file }}"
`)
	if verr != nil {
		t.Fatalf("Validate: %v", verr)
	}
}

func TestValidateTaskNeedsStepsOrPrompt(t *testing.T) {
	_, verr := parseAndValidate(t, `
steps:
  - type: user_message
    message: hi
sub_agent_tasks:
  hollow:
    description: nothing to do
`)
	if verr == nil || !strings.Contains(verr.Message, "steps or prompt_template") {
		t.Fatalf("got %v, want steps-or-prompt error", verr)
	}
}

func TestValidateRejectsNestedFanout(t *testing.T) {
	_, verr := parseAndValidate(t, `
steps:
  - type: parallel_foreach
    items: "{{ state.xs }}"
    sub_agent_task: outer
sub_agent_tasks:
  outer:
    steps:
      - type: parallel_foreach
        items: "{{ inputs.item }}"
        sub_agent_task: inner
`)
	if verr == nil || !strings.Contains(verr.Message, "nest") {
		t.Fatalf("got %v, want nesting error", verr)
	}
}

func TestValidateComputedCycle(t *testing.T) {
	_, verr := parseAndValidate(t, `
state_schema:
  computed:
    a:
      from: computed.b
      transform: "input + 1"
    b:
      from: computed.a
      transform: "input + 1"
steps:
  - type: user_message
    message: hi
`)
	if verr == nil || verr.Code != errors.CodeComputedCycle {
		t.Fatalf("got %v, want %s", verr, errors.CodeComputedCycle)
	}
}

func TestValidateComputedChainOK(t *testing.T) {
	_, verr := parseAndValidate(t, `
state_schema:
  computed:
    doubled:
      from: state.n
      transform: "input * 2"
    quadrupled:
      from: computed.doubled
      transform: "input * 2"
steps:
  - type: user_message
    message: "{{ computed.quadrupled }}"
`)
	if verr != nil {
		t.Fatalf("Validate: %v", verr)
	}
}

func TestValidateComputedCycleViaThis(t *testing.T) {
	// this.* sources resolve computed fields first in the merged view, so a
	// cycle expressed through them is a cycle all the same.
	_, verr := parseAndValidate(t, `
state_schema:
  computed:
    a:
      from: this.b
      transform: "input + 1"
    b:
      from: this.a.nested
      transform: "input + 1"
steps:
  - type: user_message
    message: hi
`)
	if verr == nil || verr.Code != errors.CodeComputedCycle {
		t.Fatalf("got %v, want %s", verr, errors.CodeComputedCycle)
	}
}

func TestValidateComputedSelfSourceOK(t *testing.T) {
	// A field naming itself reads its previous value, not a cycle.
	_, verr := parseAndValidate(t, `
state_schema:
  computed:
    total:
      from: this.total
      transform: "(input || 0) + 1"
steps:
  - type: user_message
    message: hi
`)
	if verr != nil {
		t.Fatalf("Validate: %v", verr)
	}
}

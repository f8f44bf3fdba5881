package types

import (
	"testing"

	"gopkg.in/yaml.v3"
)

const sampleWorkflow = `
name: review
version: "1.0"
description: Review changed files
inputs:
  repo:
    type: string
    required: true
default_state:
  counter: 5
state_schema:
  computed:
    doubled:
      from: state.counter
      transform: "counter * 2"
    label:
      from: [state.counter, inputs.repo]
      transform: "repo + ':' + counter"
      default: "unknown"
steps:
  - id: step_001
    type: user_message
    message: "v={{ this.doubled }}"
    message_type: info
  - id: step_002
    type: conditional
    condition: "counter > 3"
    then_steps:
      - id: step_003
        type: state_update
        path: state.counter
        operation: increment
        value: 1
    else_steps:
      - id: step_004
        type: break
  - id: step_005
    type: foreach
    items: "['a','b']"
    variable_name: letter
    body:
      - id: step_006
        type: user_message
        message: "{{ loop.index }}:{{ letter }}"
  - id: step_007
    type: parallel_foreach
    items: "['x']"
    sub_agent_task: lint
    max_parallel: 2
sub_agent_tasks:
  lint:
    description: Lint one file
    inputs:
      file:
        type: string
        source: "item"
    steps:
      - id: step_001
        type: user_message
        message: "linting {{ inputs.file }}"
config:
  timeout_seconds: 600
`

func TestWorkflowDef_Unmarshal(t *testing.T) {
	var def WorkflowDef
	if err := yaml.Unmarshal([]byte(sampleWorkflow), &def); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	if def.Name != "review" {
		t.Errorf("Name = %q, want review", def.Name)
	}
	if len(def.Steps) != 4 {
		t.Fatalf("len(Steps) = %d, want 4", len(def.Steps))
	}

	msg := def.Steps[0]
	if msg.Type != StepUserMessage || msg.UserMessage == nil {
		t.Fatalf("step_001 should be user_message with config")
	}
	if msg.UserMessage.Message != "v={{ this.doubled }}" {
		t.Errorf("message = %q", msg.UserMessage.Message)
	}

	cond := def.Steps[1]
	if cond.Conditional == nil {
		t.Fatal("step_002 should have conditional config")
	}
	if len(cond.Conditional.ThenSteps) != 1 || len(cond.Conditional.ElseSteps) != 1 {
		t.Errorf("branch steps = %d/%d, want 1/1",
			len(cond.Conditional.ThenSteps), len(cond.Conditional.ElseSteps))
	}
	upd := cond.Conditional.ThenSteps[0]
	if upd.StateUpdate == nil || len(upd.StateUpdate.Updates) != 1 {
		t.Fatalf("nested state_update not decoded: %+v", upd)
	}
	if upd.StateUpdate.Updates[0].Operation != "increment" {
		t.Errorf("operation = %q, want increment", upd.StateUpdate.Updates[0].Operation)
	}
	if cond.Conditional.ElseSteps[0].Type != StepBreak {
		t.Errorf("else step type = %s, want break", cond.Conditional.ElseSteps[0].Type)
	}

	fe := def.Steps[2]
	if fe.Foreach == nil || fe.Foreach.VariableName != "letter" {
		t.Errorf("foreach config = %+v", fe.Foreach)
	}

	pf := def.Steps[3]
	if pf.ParallelForeach == nil || pf.ParallelForeach.SubAgentTask != "lint" {
		t.Fatalf("parallel_foreach config = %+v", pf.ParallelForeach)
	}
	if pf.ParallelForeach.MaxParallel != 2 {
		t.Errorf("max_parallel = %d, want 2", pf.ParallelForeach.MaxParallel)
	}

	task := def.SubAgentTasks["lint"]
	if task == nil || len(task.Steps) != 1 {
		t.Fatalf("sub_agent_tasks.lint not decoded")
	}
	if task.Inputs["file"].Source != "item" {
		t.Errorf("task input source = %q, want item", task.Inputs["file"].Source)
	}
}

func TestComputedFieldDef_Unmarshal(t *testing.T) {
	var def WorkflowDef
	if err := yaml.Unmarshal([]byte(sampleWorkflow), &def); err != nil {
		t.Fatal(err)
	}

	doubled := def.StateSchema.Computed["doubled"]
	if doubled == nil {
		t.Fatal("computed.doubled missing")
	}
	if len(doubled.From) != 1 || doubled.From[0] != "state.counter" {
		t.Errorf("From = %v", doubled.From)
	}
	if doubled.HasDefault {
		t.Error("doubled should not report a declared default")
	}

	label := def.StateSchema.Computed["label"]
	if label == nil {
		t.Fatal("computed.label missing")
	}
	if len(label.From) != 2 {
		t.Errorf("label.From = %v, want 2 paths", label.From)
	}
	if !label.HasDefault || label.Default != "unknown" {
		t.Errorf("label default = (%v, %v), want (unknown, true)", label.Default, label.HasDefault)
	}
}

func TestStepDef_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing type", "steps:\n  - id: s1\n    message: hi\n"},
		{"unknown type", "steps:\n  - id: s1\n    type: teleport\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var def WorkflowDef
			if err := yaml.Unmarshal([]byte(tt.doc), &def); err == nil {
				t.Error("unmarshal should fail")
			}
		})
	}
}

func TestWorkflowStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to WorkflowStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusWaitingForClient, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCompleted, false},
		{StatusWaitingForClient, StatusRunning, true},
		{StatusRunning, StatusCancelled, true},
		{StatusPaused, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestWorkflowDef_ResultKey(t *testing.T) {
	def := &WorkflowDef{Config: WorkflowConfig{ResultKeys: map[string]string{"lint": "lint_outcome"}}}

	if got := def.ResultKey("lint"); got != "lint_outcome" {
		t.Errorf("ResultKey(lint) = %q, want lint_outcome", got)
	}
	if got := def.ResultKey("build"); got != "build_results" {
		t.Errorf("ResultKey(build) = %q, want build_results", got)
	}
}

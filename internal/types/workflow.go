package types

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// InputDef declares one workflow or sub-agent-task input.
// For sub-agent tasks, Source is an expression evaluated in the parent's
// scope (with item/index/total bound) to produce the input value.
type InputDef struct {
	Type        string `yaml:"type,omitempty"` // string | number | boolean | array | object
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
	Source      string `yaml:"source,omitempty"`
}

// StringList accepts a YAML scalar or sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// ComputedFieldDef declares a derived field: From names the source paths and
// Transform is the expression recomputed when any source changes. When the
// spec declares a default, a failing transform falls back to it instead of
// raising.
type ComputedFieldDef struct {
	From       StringList
	Transform  string
	Default    any
	HasDefault bool
}

// computedFieldRaw mirrors the YAML shape of a computed field spec.
type computedFieldRaw struct {
	From      StringList `yaml:"from"`
	Transform string     `yaml:"transform"`
	Default   any        `yaml:"default"`
}

// UnmarshalYAML tracks whether `default` was present so nil can be a declared
// fallback value.
func (c *ComputedFieldDef) UnmarshalYAML(node *yaml.Node) error {
	var raw computedFieldRaw
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.From = raw.From
	c.Transform = raw.Transform
	c.Default = raw.Default
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "default" {
			c.HasDefault = true
		}
	}
	return nil
}

// StateSchema declares the shape of the mutable and derived tiers.
type StateSchema struct {
	Computed map[string]*ComputedFieldDef `yaml:"computed,omitempty"`
}

// Fan-out execution modes. Serial forces sub-agents through the root poller
// one at a time, the same as the debug environment override.
const (
	ExecutionModeParallel = "parallel"
	ExecutionModeSerial   = "serial"
)

// WorkflowConfig holds execution options from the definition's config block.
type WorkflowConfig struct {
	ExecutionMode  string `yaml:"execution_mode,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`

	// ResultKeys overrides the aggregation key per sub-agent task name;
	// default is <task_name>_results.
	ResultKeys map[string]string `yaml:"result_keys,omitempty"`
}

// SubAgentTaskDef defines an isolated task run by parallel_foreach fan-out.
// Either Steps or PromptTemplate is populated.
type SubAgentTaskDef struct {
	Description    string              `yaml:"description,omitempty"`
	Inputs         map[string]InputDef `yaml:"inputs,omitempty"`
	DefaultState   map[string]any      `yaml:"default_state,omitempty"`
	StateSchema    StateSchema         `yaml:"state_schema,omitempty"`
	Steps          []*StepDef          `yaml:"steps,omitempty"`
	PromptTemplate string              `yaml:"prompt_template,omitempty"`
}

// WorkflowDef is an immutable, versioned workflow definition.
type WorkflowDef struct {
	Name          string                      `yaml:"name"`
	Version       string                      `yaml:"version,omitempty"`
	Description   string                      `yaml:"description,omitempty"`
	Inputs        map[string]InputDef         `yaml:"inputs,omitempty"`
	DefaultState  map[string]any              `yaml:"default_state,omitempty"`
	StateSchema   StateSchema                 `yaml:"state_schema,omitempty"`
	Steps         []*StepDef                  `yaml:"steps"`
	SubAgentTasks map[string]*SubAgentTaskDef `yaml:"sub_agent_tasks,omitempty"`
	Config        WorkflowConfig              `yaml:"config,omitempty"`
}

// ResultKey returns the parent state key receiving a task's aggregated
// results.
func (w *WorkflowDef) ResultKey(taskName string) string {
	if key, ok := w.Config.ResultKeys[taskName]; ok {
		return key
	}
	return taskName + "_results"
}

// Summary is the list_workflows entry for a definition.
type Summary struct {
	Name         string              `json:"name"`
	Version      string              `json:"version,omitempty"`
	Description  string              `json:"description,omitempty"`
	InputsSchema map[string]InputDef `json:"inputs_schema,omitempty"`
}

// Summarize returns the definition's Summary.
func (w *WorkflowDef) Summarize() Summary {
	return Summary{
		Name:         w.Name,
		Version:      w.Version,
		Description:  w.Description,
		InputsSchema: w.Inputs,
	}
}

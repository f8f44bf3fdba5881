package engine

// StepContext carries the resolved execution context alongside an emitted
// step.
type StepContext struct {
	TaskID string         `json:"task_id,omitempty"`
	Loop   map[string]any `json:"loop,omitempty"`

	// Serial marks steps surfaced through the main poller by debug-serial
	// sub-agent execution.
	Serial bool `json:"serial,omitempty"`
}

// StepEnvelope is the step payload handed to a polling client. All string
// fields in Definition are already template-substituted.
type StepEnvelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Definition map[string]any `json:"definition"`
	Context    *StepContext   `json:"context,omitempty"`
}

// Message is one entry of a coalesced user_message emission.
type Message struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Format  string `json:"format"`
}

// qualifiedStepID prefixes sub-agent step ids with their task id so a step
// reference is unambiguous across the fan-out.
func qualifiedStepID(taskID, stepID string) string {
	if taskID == "" {
		return stepID
	}
	return taskID + ":" + stepID
}

// bareStepID strips the instance's task prefix from an incoming step
// reference; clients may send either form.
func bareStepID(taskID, stepID string) string {
	if taskID != "" && len(stepID) > len(taskID)+1 &&
		stepID[:len(taskID)] == taskID && stepID[len(taskID)] == ':' {
		return stepID[len(taskID)+1:]
	}
	return stepID
}

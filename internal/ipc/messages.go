// Package ipc carries the public API over newline-delimited JSON on a Unix
// domain socket. Each message is one JSON object on one line; every request
// gets exactly one response on the same connection.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/aromcp/workflow-engine/internal/state"
)

// MessageType identifies the request or response kind.
type MessageType string

const (
	// Requests (client → server), one per API method.
	MsgListWorkflows MessageType = "list_workflows"
	MsgGetInfo       MessageType = "get_workflow_info"
	MsgStart         MessageType = "start_workflow"
	MsgNextStep      MessageType = "get_next_step"
	MsgStepComplete  MessageType = "step_complete"
	MsgUpdateState   MessageType = "update_state"
	MsgPause         MessageType = "pause_workflow"
	MsgResume        MessageType = "resume_workflow"
	MsgCancel        MessageType = "cancel_workflow"
	MsgStatus        MessageType = "get_status"
	MsgListSubAgents MessageType = "list_sub_agents"
	MsgTrace         MessageType = "get_trace"

	// Responses (server → client).
	MsgResult MessageType = "result"
	MsgError  MessageType = "error"
)

// Message is any wire message.
type Message interface {
	MessageType() MessageType
}

// ListWorkflowsRequest asks for summaries of every loadable definition.
type ListWorkflowsRequest struct {
	Type MessageType `json:"type"`
}

// GetInfoRequest asks for one definition's metadata.
type GetInfoRequest struct {
	Type     MessageType `json:"type"`
	Workflow string      `json:"workflow"`
}

// StartRequest creates a new instance of the named workflow.
type StartRequest struct {
	Type     MessageType    `json:"type"`
	Workflow string         `json:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

// NextStepRequest polls an instance for its next step. TaskID targets a
// sub-agent; empty means the root instance.
type NextStepRequest struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
	TaskID     string      `json:"task_id,omitempty"`
}

// StepCompleteRequest delivers the client's result for the pending step.
type StepCompleteRequest struct {
	Type       MessageType    `json:"type"`
	InstanceID string         `json:"instance_id"`
	TaskID     string         `json:"task_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// UpdateStateRequest applies a transactional batch of state operations.
type UpdateStateRequest struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
	Updates    []state.Op  `json:"updates"`
}

// InstanceRequest covers the methods whose only argument is the instance:
// pause, resume, cancel, status, and list_sub_agents. Type carries the
// method.
type InstanceRequest struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
}

// TraceRequest asks for an instance's execution events.
type TraceRequest struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
	TaskID     string      `json:"task_id,omitempty"`
}

// ResultMessage is the success response. Result holds the method's payload,
// left raw so the client can decode into the right type.
type ResultMessage struct {
	Type   MessageType     `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorMessage is the failure response, mirroring the engine error taxonomy.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Kind    string      `json:"kind,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

func (m *ListWorkflowsRequest) MessageType() MessageType { return m.Type }
func (m *GetInfoRequest) MessageType() MessageType       { return m.Type }
func (m *StartRequest) MessageType() MessageType         { return m.Type }
func (m *NextStepRequest) MessageType() MessageType      { return m.Type }
func (m *StepCompleteRequest) MessageType() MessageType  { return m.Type }
func (m *UpdateStateRequest) MessageType() MessageType   { return m.Type }
func (m *InstanceRequest) MessageType() MessageType      { return m.Type }
func (m *TraceRequest) MessageType() MessageType         { return m.Type }
func (m *ResultMessage) MessageType() MessageType        { return MsgResult }
func (m *ErrorMessage) MessageType() MessageType         { return MsgError }

// rawMessage is the first-pass decode used to pick the concrete type.
type rawMessage struct {
	Type MessageType `json:"type"`
}

// ParseRequest decodes one request line into its typed message.
func ParseRequest(data []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var msg Message
	switch raw.Type {
	case MsgListWorkflows:
		msg = &ListWorkflowsRequest{}
	case MsgGetInfo:
		msg = &GetInfoRequest{}
	case MsgStart:
		msg = &StartRequest{}
	case MsgNextStep:
		msg = &NextStepRequest{}
	case MsgStepComplete:
		msg = &StepCompleteRequest{}
	case MsgUpdateState:
		msg = &UpdateStateRequest{}
	case MsgPause, MsgResume, MsgCancel, MsgStatus, MsgListSubAgents:
		msg = &InstanceRequest{}
	case MsgTrace:
		msg = &TraceRequest{}
	default:
		return nil, fmt.Errorf("unknown message type %q", raw.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parsing %s request: %w", raw.Type, err)
	}
	return msg, nil
}

// ParseResponse decodes one response line.
func ParseResponse(data []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var msg Message
	switch raw.Type {
	case MsgResult:
		msg = &ResultMessage{}
	case MsgError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown response type %q", raw.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parsing %s response: %w", raw.Type, err)
	}
	return msg, nil
}

// Marshal serializes a message as a single JSON line, without the trailing
// newline.
func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

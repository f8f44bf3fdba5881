package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/aromcp/workflow-engine/internal/engine"
	"github.com/aromcp/workflow-engine/internal/errors"
	"github.com/aromcp/workflow-engine/internal/state"
	"github.com/aromcp/workflow-engine/internal/types"
)

// Client talks to a running server. Each call opens a fresh connection;
// requests are cheap and connections are local.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the socket.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds the connect plus round-trip time of one call.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// call sends one request and decodes the result payload into out. A server
// error response comes back as an *errors.EngineError.
func (c *Client) call(req Message, out any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	data, err := Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	resp, err := ParseResponse(line)
	if err != nil {
		return err
	}

	switch r := resp.(type) {
	case *ErrorMessage:
		return errors.New(errors.Kind(r.Kind), r.Code, r.Message)
	case *ResultMessage:
		if out == nil || len(r.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unexpected response type %T", resp)
	}
}

// ListWorkflows returns summaries of the definitions the server can run.
func (c *Client) ListWorkflows() ([]types.Summary, error) {
	var out struct {
		Workflows []types.Summary `json:"workflows"`
	}
	err := c.call(&ListWorkflowsRequest{Type: MsgListWorkflows}, &out)
	return out.Workflows, err
}

// GetInfo returns one definition's metadata.
func (c *Client) GetInfo(workflow string) (*engine.Info, error) {
	var out engine.Info
	if err := c.call(&GetInfoRequest{Type: MsgGetInfo, Workflow: workflow}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start creates an instance and returns its id.
func (c *Client) Start(workflow string, inputs map[string]any) (string, error) {
	var out struct {
		InstanceID string `json:"instance_id"`
	}
	err := c.call(&StartRequest{Type: MsgStart, Workflow: workflow, Inputs: inputs}, &out)
	return out.InstanceID, err
}

// NextStep polls for the next step. A nil envelope with nil error means the
// instance has nothing to hand out (terminal or paused).
func (c *Client) NextStep(instanceID, taskID string) (*engine.StepEnvelope, error) {
	var out struct {
		Step *engine.StepEnvelope `json:"step"`
	}
	err := c.call(&NextStepRequest{Type: MsgNextStep, InstanceID: instanceID, TaskID: taskID}, &out)
	return out.Step, err
}

// StepComplete reports the pending step's result.
func (c *Client) StepComplete(instanceID, taskID, stepID string, result map[string]any) error {
	return c.call(&StepCompleteRequest{
		Type:       MsgStepComplete,
		InstanceID: instanceID,
		TaskID:     taskID,
		StepID:     stepID,
		Result:     result,
	}, nil)
}

// UpdateState applies a batch of operations and returns the flattened scope.
func (c *Client) UpdateState(instanceID string, updates []state.Op) (map[string]any, error) {
	var out struct {
		State map[string]any `json:"state"`
	}
	err := c.call(&UpdateStateRequest{Type: MsgUpdateState, InstanceID: instanceID, Updates: updates}, &out)
	return out.State, err
}

// Pause suspends step handout for the instance.
func (c *Client) Pause(instanceID string) (engine.StatusRecord, error) {
	return c.instanceCall(MsgPause, instanceID)
}

// Resume reverses a pause.
func (c *Client) Resume(instanceID string) (engine.StatusRecord, error) {
	return c.instanceCall(MsgResume, instanceID)
}

// Cancel terminates the instance and its sub-agents.
func (c *Client) Cancel(instanceID string) (engine.StatusRecord, error) {
	return c.instanceCall(MsgCancel, instanceID)
}

// Status returns the instance's status record.
func (c *Client) Status(instanceID string) (engine.StatusRecord, error) {
	return c.instanceCall(MsgStatus, instanceID)
}

func (c *Client) instanceCall(method MessageType, instanceID string) (engine.StatusRecord, error) {
	var out engine.StatusRecord
	err := c.call(&InstanceRequest{Type: method, InstanceID: instanceID}, &out)
	return out, err
}

// ListSubAgents returns the instance's sub-agents in dispatch order.
func (c *Client) ListSubAgents(instanceID string) ([]engine.SubAgentSummary, error) {
	var out struct {
		SubAgents []engine.SubAgentSummary `json:"sub_agents"`
	}
	err := c.call(&InstanceRequest{Type: MsgListSubAgents, InstanceID: instanceID}, &out)
	return out.SubAgents, err
}

// Trace returns the instance's recorded execution events.
func (c *Client) Trace(instanceID, taskID string) ([]engine.Event, error) {
	var out struct {
		Events []engine.Event `json:"events"`
	}
	err := c.call(&TraceRequest{Type: MsgTrace, InstanceID: instanceID, TaskID: taskID}, &out)
	return out.Events, err
}

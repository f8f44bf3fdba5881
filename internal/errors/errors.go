// Package errors provides structured error types for the workflow engine.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an error per the engine taxonomy. Propagation policy is
// keyed off the kind: retryable kinds honour a step's max_retries, control
// flow downgrades iteration-cap overruns to warnings, and everything else
// fails the owning instance.
type Kind string

const (
	KindValidation    Kind = "Validation"    // malformed workflow, bad inputs, invalid step config
	KindEvaluation    Kind = "Evaluation"    // expression or template errors
	KindStateAccess   Kind = "StateAccess"   // read-only tier write, unknown path, computed cycle
	KindControlFlow   Kind = "ControlFlow"   // break/continue outside loop, iteration cap
	KindStepExecution Kind = "StepExecution" // tool failure, shell exit, schema mismatch
	KindTimeout       Kind = "Timeout"       // step/tool/sub-agent/workflow timeout
	KindSubAgent      Kind = "SubAgent"      // individual sub-agent failure, aggregation conflict
	KindCancelled     Kind = "Cancelled"     // explicit cancellation
	KindInternal      Kind = "Internal"      // invariant violation
)

// Retryable returns true if errors of this kind honour a retry policy.
func (k Kind) Retryable() bool {
	return k == KindStepExecution || k == KindTimeout
}

// Error codes for engine operations.
const (
	// Validation errors
	CodeWorkflowParse    = "VALID_001" // YAML parse failure
	CodeWorkflowInvalid  = "VALID_002" // definition fails validation
	CodeMissingInput     = "VALID_003" // required input not supplied
	CodeUnknownStepType  = "VALID_004" // unrecognized step type
	CodeUnknownTask      = "VALID_005" // parallel_foreach references unknown task
	CodeSchemaMismatch   = "VALID_006" // value does not match declared schema
	CodeWorkflowNotFound = "VALID_007" // no definition by that name
	CodeInstanceNotFound = "VALID_008" // no instance by that id

	// Evaluation errors
	CodeExprSyntax    = "EVAL_001" // expression failed to parse
	CodeExprRuntime   = "EVAL_002" // expression raised at evaluation
	CodeExprForbidden = "EVAL_003" // forbidden construct in expression
	CodeTemplateError = "EVAL_004" // template substitution failure

	// State access errors
	CodeReadOnlyTier  = "STATE_001" // write to inputs or computed tier
	CodeMissingKey    = "STATE_002" // path not found
	CodeComputedCycle = "STATE_003" // cycle in computed-field graph
	CodeTypeMismatch  = "STATE_004" // operation applied to wrong value type
	CodeBadPath       = "STATE_005" // unparseable scoped path

	// Control flow errors
	CodeBreakOutsideLoop    = "FLOW_001" // break with empty loop stack
	CodeContinueOutsideLoop = "FLOW_002" // continue with empty loop stack
	CodeIterationCap        = "FLOW_003" // max_iterations exceeded
	CodeBadTransition       = "FLOW_004" // invalid status transition

	// Step execution errors
	CodeToolFailed      = "STEP_001" // mcp tool returned an error
	CodeShellFailed     = "STEP_002" // shell command non-zero exit (when configured)
	CodeResponseInvalid = "STEP_003" // agent_response schema violation
	CodeInputRejected   = "STEP_004" // user_input failed validation past max_retries
	CodeItemsNotArray   = "STEP_005" // foreach/parallel_foreach items not an array

	// Timeout errors
	CodeStepTimeout     = "TIME_001" // per-step timeout
	CodeSubAgentTimeout = "TIME_002" // per-sub-agent wall clock
	CodeWorkflowTimeout = "TIME_003" // global workflow timeout

	// Sub-agent errors
	CodeSubAgentFailed   = "AGENT_001" // sub-agent ended in Failed
	CodeAggregationError = "AGENT_002" // conflict writing results to parent

	// Cancellation
	CodeCancelled = "CANCEL_001"

	// Internal
	CodeInternal = "INTERNAL_001"
)

// EngineError is the structured error type for engine operations.
type EngineError struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"` // wrapped error, not serialized
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithStep records the step at which the error arose.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// JSON returns the error serialized as JSON.
func (e *EngineError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":%q,"message":"serialization failed"}`, e.Code)
	}
	return string(data)
}

// New creates a new EngineError.
func New(kind Kind, code, message string) *EngineError {
	return &EngineError{Kind: kind, Code: code, Message: message}
}

// Newf creates a new EngineError with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts err to an *EngineError. If err already is one it is returned
// unchanged; otherwise it becomes an Internal error wrapping the original.
func Wrap(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return New(KindInternal, CodeInternal, err.Error()).WithCause(err)
}

// Wrapf creates an EngineError with the given classification and formatted
// message, keeping err as the cause.
func Wrapf(err error, kind Kind, code, format string, args ...any) *EngineError {
	return Newf(kind, code, format, args...).WithCause(err)
}

// IsKind reports whether err is an EngineError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// HasCode reports whether err is an EngineError with the given code.
func HasCode(err error, code string) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

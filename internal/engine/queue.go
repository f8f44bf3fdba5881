package engine

import "github.com/aromcp/workflow-engine/internal/types"

// Mode is the dispatch class a step belongs to. The scheduler drains
// immediate and expand steps server-side within one poll, coalesces
// consecutive batch steps into a single emission, and suspends on the first
// blocking or wait step. A single poll never returns more than one
// suspending step.
type Mode string

const (
	ModeImmediate Mode = "immediate" // server-executed, non-blocking
	ModeExpand    Mode = "expand"    // control flow generating further steps
	ModeBatch     Mode = "batch"     // coalesced client-visible messages
	ModeBlocking  Mode = "blocking"  // emitted to client, suspends
	ModeWait      Mode = "wait"      // synthetic wait marker, suspends
)

// modeFor classifies a step. mcp_call is special-cased: server-context calls
// are immediate, client-context calls blocking.
func modeFor(step *types.StepDef) Mode {
	switch step.Type {
	case types.StepUserMessage:
		return ModeBatch
	case types.StepUserInput, types.StepAgentPrompt, types.StepAgentResponse:
		return ModeBlocking
	case types.StepMCPCall:
		if step.MCPCall != nil && step.MCPCall.ExecutionContext == "server" {
			return ModeImmediate
		}
		return ModeBlocking
	case types.StepShellCommand, types.StepStateUpdate:
		return ModeImmediate
	case types.StepWait:
		return ModeWait
	case types.StepConditional, types.StepWhileLoop, types.StepForeach,
		types.StepBreak, types.StepContinue:
		return ModeExpand
	case types.StepParallelForeach:
		return ModeBlocking
	default:
		return ModeBlocking
	}
}

// Suspending reports whether a step in this mode ends the poll's drain.
func (m Mode) Suspending() bool {
	return m == ModeBlocking || m == ModeWait
}

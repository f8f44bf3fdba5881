package types

// WorkflowStatus represents the lifecycle state of a workflow instance or
// sub-agent instance.
type WorkflowStatus string

const (
	StatusPending          WorkflowStatus = "pending"            // Created but not started
	StatusRunning          WorkflowStatus = "running"            // Scheduler is processing
	StatusPaused           WorkflowStatus = "paused"             // Explicitly paused; queue positions preserved
	StatusWaitingForClient WorkflowStatus = "waiting_for_client" // Suspended on a blocking step or sub-agent barrier
	StatusCompleted        WorkflowStatus = "completed"          // All steps done
	StatusFailed           WorkflowStatus = "failed"             // A step failed
	StatusCancelled        WorkflowStatus = "cancelled"          // Explicitly cancelled
)

// Valid returns true if this is a recognized workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusWaitingForClient,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if transitioning from s to target is valid.
// Any non-terminal status may move to Cancelled.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	if s == target {
		return false
	}
	if target == StatusCancelled {
		return !s.IsTerminal()
	}
	switch s {
	case StatusPending:
		return target == StatusRunning
	case StatusRunning:
		return target == StatusPaused || target == StatusWaitingForClient ||
			target == StatusCompleted || target == StatusFailed
	case StatusPaused, StatusWaitingForClient:
		// Terminal outcomes are reached by resuming to Running first.
		return target == StatusRunning
	}
	return false
}

package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunAborted   = "run_aborted" // step budget exceeded
	EventRunPaused    = "run_paused"  // suspended at a delay block
	EventRunResumed   = "run_resumed"

	EventTriggerMatched  = "trigger_matched"
	EventTriggerFallback = "trigger_fallback"
	EventNoTrigger       = "no_trigger"

	EventBlockEntered  = "block_entered"
	EventReplyEmitted  = "reply_emitted"
	EventGuardDecided  = "guard_decided"
	EventLoopIteration = "loop_iteration"
	EventLoopCompleted = "loop_completed"
	EventDelayClamped  = "delay_clamped"
	EventDelayWaited   = "delay_waited"
	EventVariableSet   = "variable_set"

	EventBroadcastFired = "broadcast_fired"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

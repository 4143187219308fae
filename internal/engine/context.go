package engine

import (
	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// ExecutionContext is the per-run value bag. One run owns one context; it is
// never shared. The whole struct is JSON-serializable so a paused run can be
// persisted and resumed later.
type ExecutionContext struct {
	RunID       string `json:"run_id"`
	FlowID      string `json:"flow_id"`
	UserMessage string `json:"user_message"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	Variables *schema.Vars `json:"variables"`
	Extracted *schema.Vars `json:"extracted,omitempty"`

	// Stack records visited block IDs in traversal order.
	Stack []string `json:"stack,omitempty"`

	// LoopCounters tracks per-loop-block iteration state, keyed by block ID.
	// Count loops store completed iterations, foreach loops the next index.
	LoopCounters map[string]int `json:"loop_counters,omitempty"`

	// Iter holds the current foreach scope (item, index) while inside a loop
	// body, empty otherwise.
	Iter map[string]any `json:"iter,omitempty"`

	MaxSteps    int `json:"max_steps"`
	CurrentStep int `json:"current_step"`
}

// NewExecutionContext creates a fresh context for one run.
func NewExecutionContext(flowID, message, userID, sessionID string, maxSteps int) *ExecutionContext {
	if maxSteps <= 0 {
		maxSteps = schema.DefaultMaxSteps
	}
	return &ExecutionContext{
		FlowID:       flowID,
		UserMessage:  message,
		UserID:       userID,
		SessionID:    sessionID,
		Variables:    schema.NewVars(),
		Extracted:    schema.NewVars(),
		LoopCounters: make(map[string]int),
		MaxSteps:     maxSteps,
	}
}

// Push records a visited block on the execution stack.
func (ec *ExecutionContext) Push(blockID string) {
	ec.Stack = append(ec.Stack, blockID)
}

// LastBlock returns the most recently visited block ID, or "".
func (ec *ExecutionContext) LastBlock() string {
	if len(ec.Stack) == 0 {
		return ""
	}
	return ec.Stack[len(ec.Stack)-1]
}

// Scope builds the guard/expression evaluation scope from the current state.
func (ec *ExecutionContext) Scope() graph.Scope {
	return graph.Scope{
		Variables: ec.Variables.Snapshot(),
		Message:   ec.UserMessage,
		Session: map[string]any{
			"user_id":    ec.UserID,
			"session_id": ec.SessionID,
		},
		Extracted: ec.Extracted.Snapshot(),
		Iter:      ec.Iter,
	}
}

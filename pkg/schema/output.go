package schema

import "encoding/json"

// OutputUnit is one emitted output of a run, in emission order.
type OutputUnit struct {
	Type       OutputType      `json:"type"`
	Text       string          `json:"text,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"` // structured messages
	Media      *MediaRef       `json:"media,omitempty"`
	BlockID    string          `json:"block_id,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"` // waited markers
}

// OutputType enumerates output unit variants.
type OutputType string

const (
	OutputText       OutputType = "text"
	OutputStructured OutputType = "structured"
	OutputMedia      OutputType = "media"
	OutputWaited     OutputType = "waited" // delay marker; host decides whether to honor it
)

// MediaRef points at an externally stored media asset.
type MediaRef struct {
	Kind      string `json:"kind"` // image, audio, video, file
	Reference string `json:"reference"`
}

// Diagnostic is a non-fatal, recorded description of an anomalous condition
// encountered during matching or traversal. Runs never throw; they return
// outputs plus diagnostics so the host can render partial progress.
type Diagnostic struct {
	Severity DiagSeverity   `json:"severity"`
	Code     string         `json:"code"`
	BlockID  string         `json:"block_id,omitempty"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// DiagSeverity indicates how a diagnostic should be surfaced.
type DiagSeverity string

const (
	DiagInfo    DiagSeverity = "info"
	DiagWarning DiagSeverity = "warning"
	DiagError   DiagSeverity = "error"
)

// Diagnostic codes.
const (
	DiagNoMatchingTrigger = "no_matching_trigger"
	DiagInvalidRegex      = "invalid_regex"
	DiagGuardError        = "guard_error"
	DiagInvalidLiteral    = "invalid_literal"
	DiagDelayClamped      = "delay_clamped"
	DiagBudgetExceeded    = "step_budget_exceeded"
	DiagEventChained      = "event_chain_stop"
	DiagDeadEnd           = "no_outgoing_edge"
	DiagConditionDepth    = "condition_depth_exceeded"
	DiagMissingList       = "missing_list_variable"
)

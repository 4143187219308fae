package store

import (
	"encoding/json"
	"time"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// FlowRecord is a persisted flow snapshot. Saving an existing flow bumps its
// version; the engine always runs the latest version.
type FlowRecord struct {
	ID         string                `json:"id"`
	Name       string                `json:"name,omitempty"`
	Version    int                   `json:"version"`
	Definition schema.FlowDefinition `json:"definition"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Run is the persisted outcome of one message execution.
type Run struct {
	ID             string           `json:"id"`
	FlowID         string           `json:"flow_id"`
	FlowVersion    int              `json:"flow_version,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	Status         schema.RunStatus `json:"status"`
	TriggerBlockID string           `json:"trigger_block_id,omitempty"`
	Message        string           `json:"message"`
	Outputs        json.RawMessage  `json:"outputs,omitempty"`
	Diagnostics    json.RawMessage  `json:"diagnostics,omitempty"`
	Steps          int              `json:"steps"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// RunUpdate carries the mutable fields of a run. Nil fields are unchanged.
type RunUpdate struct {
	Status      *schema.RunStatus
	Outputs     json.RawMessage
	Diagnostics json.RawMessage
	Steps       *int
	FinishedAt  *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	FlowID    string
	SessionID string
	Status    schema.RunStatus
	Limit     int
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	BlockID   string          `json:"block_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID string
	Limit int
}

// PausedRun is a run suspended at a delay block, waiting to be resumed.
type PausedRun struct {
	RunID     string          `json:"run_id"`
	FlowID    string          `json:"flow_id"`
	BlockID   string          `json:"block_id"`
	Context   json.RawMessage `json:"context"` // serialized engine.ExecutionContext
	ResumeAt  time.Time       `json:"resume_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// Broadcast is a cron-scheduled message fired into a flow's catch-all event.
type Broadcast struct {
	ID        string     `json:"id"`
	FlowID    string     `json:"flow_id"`
	CronExpr  string     `json:"cron_expr"`
	Message   string     `json:"message"`
	SessionID string     `json:"session_id,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BroadcastUpdate carries the mutable fields of a broadcast. Nil fields are
// unchanged.
type BroadcastUpdate struct {
	CronExpr  *string
	Message   *string
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

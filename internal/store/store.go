package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Flows (versioned snapshots)
	SaveFlow(ctx context.Context, rec *FlowRecord) error
	GetFlow(ctx context.Context, id string) (*FlowRecord, error)
	ListFlows(ctx context.Context) ([]*FlowRecord, error)
	DeleteFlow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Run event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Paused runs (delay suspension)
	SavePausedRun(ctx context.Context, pr *PausedRun) error
	DuePausedRuns(ctx context.Context, now time.Time) ([]*PausedRun, error)
	DeletePausedRun(ctx context.Context, runID string) error

	// Scheduled broadcasts
	CreateBroadcast(ctx context.Context, b *Broadcast) error
	GetBroadcast(ctx context.Context, id string) (*Broadcast, error)
	UpdateBroadcast(ctx context.Context, id string, update BroadcastUpdate) error
	ListBroadcasts(ctx context.Context, enabledOnly bool) ([]*Broadcast, error)
	DeleteBroadcast(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/internal/matcher"
	"github.com/botflow-dev/botflow/internal/store"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// Coordinator glues the runner to the store: it loads flows, runs messages,
// persists run records, and owns the paused-run row lifecycle for delay
// suspension.
type Coordinator struct {
	store  store.Store
	runner *Runner
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s store.Store, runner *Runner, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: s, runner: runner, logger: logger}
}

// HandleMessage runs one message against a stored flow and persists the run.
// Engine-level problems surface as diagnostics inside the result; an error
// here means the flow could not be loaded or compiled at all.
func (c *Coordinator) HandleMessage(ctx context.Context, flowID string, msg Message) (*RunResult, error) {
	rec, err := c.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	g, reg, err := c.compile(&rec.Definition)
	if err != nil {
		return nil, err
	}

	result, err := c.runner.Run(ctx, g, reg, msg)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:             result.RunID,
		FlowID:         flowID,
		FlowVersion:    rec.Version,
		SessionID:      msg.SessionID,
		UserID:         msg.UserID,
		Status:         result.Status,
		TriggerBlockID: result.TriggerBlockID,
		Message:        msg.Text,
		Outputs:        marshalOrNil(result.Outputs),
		Diagnostics:    marshalOrNil(result.Diagnostics),
		Steps:          result.Steps,
		StartedAt:      result.StartedAt,
	}
	if result.Status != schema.RunStatusPaused {
		finished := result.FinishedAt
		run.FinishedAt = &finished
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if result.Paused != nil {
		if err := c.savePause(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ResumePaused continues a suspended run from its persisted context. The
// paused row is consumed up front; a run that suspends again at a later delay
// writes a fresh row.
func (c *Coordinator) ResumePaused(ctx context.Context, paused *store.PausedRun) (*RunResult, error) {
	if err := c.store.DeletePausedRun(ctx, paused.RunID); err != nil {
		return nil, fmt.Errorf("consume paused run: %w", err)
	}

	rec, err := c.store.GetFlow(ctx, paused.FlowID)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(&rec.Definition)
	if err != nil {
		return nil, err
	}

	var ec ExecutionContext
	if err := json.Unmarshal(paused.Context, &ec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"paused context for run %s is corrupt: %v", paused.RunID, err)
	}

	result, err := c.runner.Resume(ctx, g, &ec, paused.BlockID)
	if err != nil {
		return nil, err
	}

	if err := c.mergeRun(ctx, result); err != nil {
		return nil, err
	}
	if result.Paused != nil {
		if err := c.savePause(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Broadcast injects a scheduled message into a flow. The message lands on the
// flow's catch-all event unless a pattern matches it outright.
func (c *Coordinator) Broadcast(ctx context.Context, b *store.Broadcast) (*RunResult, error) {
	return c.HandleMessage(ctx, b.FlowID, Message{
		Text:      b.Message,
		SessionID: b.SessionID,
	})
}

func (c *Coordinator) compile(def *schema.FlowDefinition) (*graph.Graph, *matcher.Registry, error) {
	g, err := graph.Build(def)
	if err != nil {
		return nil, nil, err
	}
	reg := matcher.NewRegistry()
	if err := reg.RebuildFromFlow(def); err != nil {
		return nil, nil, err
	}
	return g, reg, nil
}

// mergeRun appends a resumed segment's outputs and diagnostics onto the
// stored run record and advances its status.
func (c *Coordinator) mergeRun(ctx context.Context, result *RunResult) error {
	run, err := c.store.GetRun(ctx, result.RunID)
	if err != nil {
		return err
	}

	var outputs []schema.OutputUnit
	if len(run.Outputs) > 0 {
		if err := json.Unmarshal(run.Outputs, &outputs); err != nil {
			return fmt.Errorf("stored outputs for run %s: %w", run.ID, err)
		}
	}
	outputs = append(outputs, result.Outputs...)

	var diags []schema.Diagnostic
	if len(run.Diagnostics) > 0 {
		if err := json.Unmarshal(run.Diagnostics, &diags); err != nil {
			return fmt.Errorf("stored diagnostics for run %s: %w", run.ID, err)
		}
	}
	diags = append(diags, result.Diagnostics...)

	update := store.RunUpdate{
		Status:      &result.Status,
		Outputs:     marshalOrNil(outputs),
		Diagnostics: marshalOrNil(diags),
	}
	if result.Context != nil {
		steps := result.Context.CurrentStep
		update.Steps = &steps
	}
	if result.Status != schema.RunStatusPaused {
		finished := result.FinishedAt
		update.FinishedAt = &finished
	}
	return c.store.UpdateRun(ctx, result.RunID, update)
}

func (c *Coordinator) savePause(ctx context.Context, result *RunResult) error {
	ctxJSON, err := json.Marshal(result.Context)
	if err != nil {
		return fmt.Errorf("serialize paused context: %w", err)
	}
	now := time.Now().UTC()
	return c.store.SavePausedRun(ctx, &store.PausedRun{
		RunID:    result.RunID,
		FlowID:   result.FlowID,
		BlockID:  result.Paused.BlockID,
		Context:  ctxJSON,
		ResumeAt: now.Add(result.Paused.Duration),
	})
}

func marshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

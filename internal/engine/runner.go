package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/internal/logging"
	"github.com/botflow-dev/botflow/internal/matcher"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// Message is one incoming user message with its session identity.
type Message struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// RunResult is everything one run produced. Outputs and diagnostics are
// always populated as far as the run got; a run never throws.
type RunResult struct {
	RunID          string               `json:"run_id"`
	FlowID         string               `json:"flow_id,omitempty"`
	Status         schema.RunStatus     `json:"status"`
	TriggerBlockID string               `json:"trigger_block_id,omitempty"`
	Match          *schema.MatchResult  `json:"match,omitempty"`
	Outputs        []schema.OutputUnit  `json:"outputs"`
	Diagnostics    []schema.Diagnostic  `json:"diagnostics,omitempty"`
	Steps          int                  `json:"steps"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
	Paused         *Pause               `json:"paused,omitempty"`
	Context        *ExecutionContext    `json:"-"`
}

// EventRecorder receives run lifecycle events, typically backed by the
// append-only run event log. Recording must never fail the run; errors are
// the recorder's problem.
type EventRecorder interface {
	Record(ctx context.Context, runID, eventType, blockID string, data map[string]any)
}

// Runner coordinates one message through a flow: trigger selection, graph
// traversal under the step budget, output collection.
type Runner struct {
	logger         *slog.Logger
	matcher        *matcher.Matcher
	guards         *graph.GuardEvaluator
	interp         *Interpreter
	recorder       EventRecorder
	suspendOnDelay bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithEventRecorder attaches a run event recorder.
func WithEventRecorder(rec EventRecorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithSuspendOnDelay makes delay blocks pause the run instead of emitting a
// cosmetic wait marker. The caller persists the returned context and resumes
// it via Resume once the wait elapses.
func WithSuspendOnDelay() RunnerOption {
	return func(r *Runner) { r.suspendOnDelay = true }
}

// NewRunner creates a run coordinator.
func NewRunner(m *matcher.Matcher, guards *graph.GuardEvaluator, interp *Interpreter, opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:  slog.Default(),
		matcher: m,
		guards:  guards,
		interp:  interp,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.interp.suspendOnDelay = r.suspendOnDelay
	return r
}

// Run executes one message against a flow graph. The registry supplies the
// flow's triggers; pattern-bound triggers are ranked by confidence with
// registration order as the tie-break, then pattern-less triggers serve as
// the catch-all fallback. No trigger at all completes with empty outputs and
// an informational diagnostic.
func (r *Runner) Run(ctx context.Context, g *graph.Graph, reg *matcher.Registry, msg Message) (*RunResult, error) {
	runID := uuid.NewString()
	ctx = logging.WithIDs(ctx, runID, "", msg.SessionID)
	log := logging.LogWith(ctx, r.logger)

	result := &RunResult{
		RunID:     runID,
		FlowID:    g.FlowID(),
		Status:    schema.RunStatusActive,
		Outputs:   []schema.OutputUnit{},
		StartedAt: time.Now(),
	}

	log.InfoContext(ctx, "run started", slog.String("flow_id", g.FlowID()))
	r.record(ctx, runID, schema.EventRunStarted, "", map[string]any{"flow_id": g.FlowID()})

	trigger, match, diags := r.selectTrigger(ctx, g, reg, msg.Text)
	result.Diagnostics = append(result.Diagnostics, diags...)
	result.Match = match

	if trigger == nil {
		result.Status = schema.RunStatusCompleted
		result.FinishedAt = time.Now()
		result.Diagnostics = append(result.Diagnostics, schema.Diagnostic{
			Severity: schema.DiagInfo,
			Code:     schema.DiagNoMatchingTrigger,
			Message:  "no event block matched the message",
		})
		log.InfoContext(ctx, "run completed without trigger")
		r.record(ctx, runID, schema.EventNoTrigger, "", nil)
		r.record(ctx, runID, schema.EventRunCompleted, "", map[string]any{"steps": 0})
		return result, nil
	}

	result.TriggerBlockID = trigger.ID
	if match != nil && match.Matched {
		r.record(ctx, runID, schema.EventTriggerMatched, trigger.ID,
			map[string]any{"confidence": match.Confidence})
	} else {
		r.record(ctx, runID, schema.EventTriggerFallback, trigger.ID, nil)
	}

	ec := NewExecutionContext(g.FlowID(), msg.Text, msg.UserID, msg.SessionID, 0)
	ec.RunID = runID
	if match != nil && match.ExtractedValues != nil {
		ec.Extracted = match.ExtractedValues
	}

	r.walk(ctx, g, trigger, ec, result)
	return result, nil
}

// Resume continues a paused run from the block after the delay it suspended
// at. The context must be the one persisted at pause time.
func (r *Runner) Resume(ctx context.Context, g *graph.Graph, ec *ExecutionContext, pausedBlockID string) (*RunResult, error) {
	block, ok := g.Block(pausedBlockID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"paused block %q no longer in flow", pausedBlockID)
	}

	ctx = logging.WithIDs(ctx, ec.RunID, "", ec.SessionID)
	result := &RunResult{
		RunID:     ec.RunID,
		FlowID:    ec.FlowID,
		Status:    schema.RunStatusActive,
		Outputs:   []schema.OutputUnit{},
		StartedAt: time.Now(),
	}

	logging.LogWith(ctx, r.logger).InfoContext(ctx, "run resumed",
		slog.String("block_id", pausedBlockID))
	r.record(ctx, ec.RunID, schema.EventRunResumed, pausedBlockID, nil)

	// The delay itself already happened; continue along its sequential edge.
	next, diags := g.ResolveNext(ctx, block.ID, []schema.EdgeKind{schema.EdgeSequential}, r.guards, ec.Scope())
	result.Diagnostics = append(result.Diagnostics, diags...)

	r.walk(ctx, g, next, ec, result)
	return result, nil
}

// walk drives the budget loop from a starting block (nil completes at once).
func (r *Runner) walk(ctx context.Context, g *graph.Graph, current *schema.Block, ec *ExecutionContext, result *RunResult) {
	log := logging.LogWith(ctx, r.logger)

	for current != nil {
		if ec.CurrentStep >= ec.MaxSteps {
			result.Status = schema.RunStatusAborted
			result.Diagnostics = append(result.Diagnostics, schema.Diagnostic{
				Severity: schema.DiagError,
				Code:     schema.DiagBudgetExceeded,
				BlockID:  ec.LastBlock(),
				Message:  "step budget exceeded",
				Details:  map[string]any{"max_steps": ec.MaxSteps},
			})
			log.WarnContext(ctx, "run aborted, step budget exceeded",
				slog.String("last_block_id", ec.LastBlock()),
				slog.Int("max_steps", ec.MaxSteps))
			r.record(ctx, ec.RunID, schema.EventRunAborted, ec.LastBlock(),
				map[string]any{"max_steps": ec.MaxSteps})
			break
		}

		if current.Kind == schema.BlockKindEvent && ec.CurrentStep > 0 {
			result.Diagnostics = append(result.Diagnostics, schema.Diagnostic{
				Severity: schema.DiagWarning,
				Code:     schema.DiagEventChained,
				BlockID:  current.ID,
				Message:  "reached an event block mid-run, stopping",
			})
			log.WarnContext(ctx, "event block reached mid-run, stopping",
				slog.String("block_id", current.ID))
			break
		}

		ec.CurrentStep++
		ec.Push(current.ID)

		blockCtx := logging.WithBlockID(ctx, current.ID)
		r.record(blockCtx, ec.RunID, schema.EventBlockEntered, current.ID,
			map[string]any{"kind": string(current.Kind), "step": ec.CurrentStep})

		outcome := r.interp.Execute(blockCtx, g, current, ec)
		result.Outputs = append(result.Outputs, outcome.Outputs...)
		result.Diagnostics = append(result.Diagnostics, outcome.Diagnostics...)
		r.recordOutcome(blockCtx, ec.RunID, current, &outcome)

		if outcome.Pause != nil {
			result.Status = schema.RunStatusPaused
			result.Paused = outcome.Pause
			result.Context = ec
			log.InfoContext(ctx, "run paused at delay block",
				slog.String("block_id", outcome.Pause.BlockID),
				slog.Duration("duration", outcome.Pause.Duration))
			r.record(ctx, ec.RunID, schema.EventRunPaused, outcome.Pause.BlockID,
				map[string]any{"duration_ms": outcome.Pause.Duration.Milliseconds()})
			break
		}

		current = outcome.Next
	}

	result.Steps = ec.CurrentStep
	result.FinishedAt = time.Now()

	if result.Status == schema.RunStatusActive {
		result.Status = schema.RunStatusCompleted
		log.InfoContext(ctx, "run completed",
			slog.Int("steps", ec.CurrentStep),
			slog.Int("outputs", len(result.Outputs)))
		r.record(ctx, ec.RunID, schema.EventRunCompleted, "",
			map[string]any{"steps": ec.CurrentStep, "outputs": len(result.Outputs)})
	}
}

// selectTrigger ranks matchable triggers by confidence and falls back to the
// first catch-all. Ties keep the earlier registered trigger.
func (r *Runner) selectTrigger(ctx context.Context, g *graph.Graph, reg *matcher.Registry, message string) (*schema.Block, *schema.MatchResult, []schema.Diagnostic) {
	var diags []schema.Diagnostic
	var best *schema.Block
	var bestMatch *schema.MatchResult
	var fallback *schema.Block

	for _, t := range reg.Triggers() {
		block, ok := g.Block(t.BlockID)
		if !ok || block.Kind != schema.BlockKindEvent {
			continue
		}

		if t.CatchAll() {
			if fallback == nil {
				fallback = block
			}
			continue
		}

		// The condition gates the trigger; patterns then score it. A trigger
		// with only a condition scores by the condition's confidence.
		var m schema.MatchResult
		if t.Condition != nil {
			matched, confidence, err := r.matcher.EvalCondition(ctx, message, t.Condition)
			if err != nil {
				diags = append(diags, schema.Diagnostic{
					Severity: schema.DiagWarning,
					Code:     schema.DiagConditionDepth,
					BlockID:  t.BlockID,
					Message:  err.Error(),
				})
				continue
			}
			if !matched {
				continue
			}
			m = schema.MatchResult{Matched: true, Confidence: confidence}
		}
		if len(t.Patterns) > 0 {
			m = r.matcher.Match(ctx, message, t.Patterns)
		}

		if !m.Matched {
			continue
		}
		if bestMatch == nil || m.Confidence > bestMatch.Confidence {
			best = block
			mc := m
			bestMatch = &mc
		}
	}

	if best != nil {
		return best, bestMatch, diags
	}
	if fallback != nil {
		return fallback, nil, diags
	}
	return nil, nil, diags
}

func (r *Runner) record(ctx context.Context, runID, eventType, blockID string, data map[string]any) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(ctx, runID, eventType, blockID, data)
}

// recordOutcome emits fine-grained events for what a block produced.
func (r *Runner) recordOutcome(ctx context.Context, runID string, block *schema.Block, outcome *Outcome) {
	if r.recorder == nil {
		return
	}
	for _, out := range outcome.Outputs {
		switch out.Type {
		case schema.OutputWaited:
			r.recorder.Record(ctx, runID, schema.EventDelayWaited, out.BlockID,
				map[string]any{"duration_ms": out.DurationMS})
		default:
			r.recorder.Record(ctx, runID, schema.EventReplyEmitted, out.BlockID,
				map[string]any{"type": string(out.Type)})
		}
	}
	for _, d := range outcome.Diagnostics {
		if d.Code == schema.DiagDelayClamped {
			r.recorder.Record(ctx, runID, schema.EventDelayClamped, d.BlockID, d.Details)
		}
	}
	if block.Kind == schema.BlockKindVariable {
		r.recorder.Record(ctx, runID, schema.EventVariableSet, block.ID, nil)
	}
	if block.Kind == schema.BlockKindLoop && outcome.Next != nil {
		r.recorder.Record(ctx, runID, schema.EventLoopIteration, block.ID, nil)
	}
}

package e2e

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botflow-dev/botflow/internal/engine"
	"github.com/botflow-dev/botflow/internal/expressions"
	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/internal/matcher"
	"github.com/botflow-dev/botflow/internal/scheduler"
	"github.com/botflow-dev/botflow/internal/store"
	"github.com/botflow-dev/botflow/internal/validation"
	botmcp "github.com/botflow-dev/botflow/pkg/mcp"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// stack is a fully wired engine over a temp-file database.
type stack struct {
	store       *store.LibSQLStore
	coordinator *engine.Coordinator
	server      *botmcp.BotflowServer
}

func newStack(t *testing.T, suspendOnDelay bool) *stack {
	t.Helper()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)

	logger := slog.Default()
	m := matcher.New(expressions.NewExprEngine(), matcher.WithLogger(logger))
	guards := graph.NewGuardEvaluator(celEngine)
	interp := engine.NewInterpreter(guards, expressions.NewGoJQEngine(), logger)

	recorder := store.NewRecorder(store.NewEventLog(st), logger)
	opts := []engine.RunnerOption{
		engine.WithLogger(logger),
		engine.WithEventRecorder(recorder),
	}
	if suspendOnDelay {
		opts = append(opts, engine.WithSuspendOnDelay())
	}
	runner := engine.NewRunner(m, guards, interp, opts...)
	coordinator := engine.NewCoordinator(st, runner, logger)

	validator, err := validation.NewFlowValidator()
	require.NoError(t, err)

	server := botmcp.NewBotflowServer(botmcp.BotflowServerDeps{
		Runner:    coordinator,
		Store:     st,
		Validator: validator,
		Logger:    logger,
	})

	return &stack{store: st, coordinator: coordinator, server: server}
}

func orderFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID: "order-bot",
		Blocks: []schema.Block{
			{ID: "on-order", Kind: schema.BlockKindEvent,
				Config: mustJSON(schema.EventConfig{
					Patterns: []schema.Pattern{
						{ID: "p1", Kind: schema.MatchContains, Text: "order", Weight: 1, Enabled: true},
					},
				})},
			{ID: "remember", Kind: schema.BlockKindVariable,
				Config: mustJSON(schema.VariableConfig{
					Op: schema.VarOpSet, Name: "greeted",
					ValueType: schema.TypeBoolean, Value: "true",
				})},
			{ID: "confirm", Kind: schema.BlockKindReply,
				Config: mustJSON(schema.ReplyConfig{Text: "Got your order, {{user_id}}!"})},
			{ID: "catch-all", Kind: schema.BlockKindEvent},
			{ID: "shrug", Kind: schema.BlockKindReply,
				Config: mustJSON(schema.ReplyConfig{Text: "Sorry, I did not understand."})},
		},
		Connections: []schema.Connection{
			{ID: "c1", SourceID: "on-order", TargetID: "remember", Kind: schema.EdgeSequential, Active: true},
			{ID: "c2", SourceID: "remember", TargetID: "confirm", Kind: schema.EdgeSequential, Active: true},
			{ID: "c3", SourceID: "catch-all", TargetID: "shrug", Kind: schema.EdgeSequential, Active: true},
		},
	}
}

func delayFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID: "delayed-bot",
		Blocks: []schema.Block{
			{ID: "ev", Kind: schema.BlockKindEvent},
			{ID: "first", Kind: schema.BlockKindReply,
				Config: mustJSON(schema.ReplyConfig{Text: "one moment"})},
			{ID: "wait", Kind: schema.BlockKindDelay,
				Config: mustJSON(schema.DelayConfig{Duration: 100, Unit: schema.UnitMilliseconds})},
			{ID: "second", Kind: schema.BlockKindReply,
				Config: mustJSON(schema.ReplyConfig{Text: "done waiting"})},
		},
		Connections: []schema.Connection{
			{ID: "c1", SourceID: "ev", TargetID: "first", Kind: schema.EdgeSequential, Active: true},
			{ID: "c2", SourceID: "first", TargetID: "wait", Kind: schema.EdgeSequential, Active: true},
			{ID: "c3", SourceID: "wait", TargetID: "second", Kind: schema.EdgeSequential, Active: true},
		},
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func saveFlow(t *testing.T, s *stack, def *schema.FlowDefinition) {
	t.Helper()
	require.NoError(t, s.store.SaveFlow(context.Background(), &store.FlowRecord{
		ID:         def.ID,
		Definition: *def,
	}))
}

// callTool invokes a tool handler through the MCP server's HandleMessage
// (full JSON-RPC round-trip).
func (s *stack) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	mcpSrv := s.server.MCPServer()

	rawInit := mustJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e-test", "version": "1.0.0"},
		},
	})
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	rawReq := mustJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": toolName, "arguments": args},
	})
	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var parsed struct {
		Result mcp.CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &parsed))
	return &parsed.Result
}

func TestDefineAndPreviewOverMCP(t *testing.T) {
	s := newStack(t, false)

	var defMap map[string]any
	require.NoError(t, json.Unmarshal(mustJSON(orderFlow()), &defMap))

	result := s.callTool(t, "botflow.define", map[string]any{
		"flow_id":    "order-bot",
		"definition": defMap,
	})
	require.False(t, result.IsError)

	result = s.callTool(t, "botflow.preview", map[string]any{
		"flow_id": "order-bot",
		"message": "order two coffees",
		"user_id": "ada",
	})
	require.False(t, result.IsError)

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		// HandleMessage round-trips content through JSON; re-decode.
		raw, mErr := json.Marshal(result.Content[0])
		require.NoError(t, mErr)
		require.NoError(t, json.Unmarshal(raw, &text))
	}
	assert.Contains(t, text.Text, "Got your order, ada!")
}

func TestMessageThroughStoredFlow(t *testing.T) {
	s := newStack(t, false)
	ctx := context.Background()
	saveFlow(t, s, orderFlow())

	result, err := s.coordinator.HandleMessage(ctx, "order-bot", engine.Message{
		Text: "I want to order a pizza", UserID: "ada", SessionID: "sess-1",
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, "on-order", result.TriggerBlockID)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "Got your order, ada!", result.Outputs[0].Text)

	// Run persisted with outputs.
	run, err := s.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "sess-1", run.SessionID)
	assert.NotNil(t, run.FinishedAt)

	// Event log replays in order with contiguous sequence.
	events, err := store.NewEventLog(s.store).Replay(ctx, result.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1].Type)
}

func TestFallbackToCatchAll(t *testing.T) {
	s := newStack(t, false)
	saveFlow(t, s, orderFlow())

	result, err := s.coordinator.HandleMessage(context.Background(), "order-bot", engine.Message{
		Text: "gibberish nothing matches",
	})
	require.NoError(t, err)

	assert.Equal(t, "catch-all", result.TriggerBlockID)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "Sorry, I did not understand.", result.Outputs[0].Text)
}

func TestDelaySuspendAndSchedulerResume(t *testing.T) {
	s := newStack(t, true)
	ctx := context.Background()
	saveFlow(t, s, delayFlow())

	result, err := s.coordinator.HandleMessage(ctx, "delayed-bot", engine.Message{Text: "go"})
	require.NoError(t, err)

	// First segment pauses at the delay with only the first reply emitted.
	assert.Equal(t, schema.RunStatusPaused, result.Status)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "one moment", result.Outputs[0].Text)

	// The paused row is due once the wait elapses.
	time.Sleep(150 * time.Millisecond)
	due, err := s.store.DuePausedRuns(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)

	sched := scheduler.NewScheduler(s.store, s.coordinator, s.coordinator, slog.Default(),
		scheduler.WithTickInterval(10*time.Millisecond))
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop() })

	// The scheduler resumes the run and the second reply lands on the record.
	require.Eventually(t, func() bool {
		run, getErr := s.store.GetRun(ctx, result.RunID)
		if getErr != nil {
			return false
		}
		return run.Status == schema.RunStatusCompleted
	}, 5*time.Second, 25*time.Millisecond)

	run, err := s.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	var outputs []schema.OutputUnit
	require.NoError(t, json.Unmarshal(run.Outputs, &outputs))
	require.Len(t, outputs, 2)
	assert.Equal(t, "done waiting", outputs[1].Text)

	// Row consumed.
	due, err = s.store.DuePausedRuns(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestBroadcastFiresCatchAll(t *testing.T) {
	s := newStack(t, false)
	ctx := context.Background()
	saveFlow(t, s, orderFlow())

	require.NoError(t, s.store.CreateBroadcast(ctx, &store.Broadcast{
		ID: "morning", FlowID: "order-bot", CronExpr: "0 9 * * *",
		Message: "daily check-in", SessionID: "broadcast", Enabled: true,
	}))

	sched := scheduler.NewScheduler(s.store, s.coordinator, s.coordinator, slog.Default(),
		scheduler.WithTickInterval(10*time.Millisecond))
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop() })

	// NextRunAt is nil so the first tick fires it; the run lands on the
	// catch-all trigger.
	require.Eventually(t, func() bool {
		runs, listErr := s.store.ListRuns(ctx, store.RunFilter{SessionID: "broadcast"})
		return listErr == nil && len(runs) == 1
	}, 5*time.Second, 25*time.Millisecond)

	runs, err := s.store.ListRuns(ctx, store.RunFilter{SessionID: "broadcast"})
	require.NoError(t, err)
	assert.Equal(t, "catch-all", runs[0].TriggerBlockID)

	// Schedule advanced.
	b, err := s.store.GetBroadcast(ctx, "morning")
	require.NoError(t, err)
	require.NotNil(t, b.NextRunAt)
	assert.True(t, b.NextRunAt.After(time.Now().UTC()))
}

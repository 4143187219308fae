package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botflow-dev/botflow/internal/engine"
	"github.com/botflow-dev/botflow/internal/store"
	"github.com/botflow-dev/botflow/internal/validation"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	flows  []*store.FlowRecord
	runs   []*store.Run
	events []*store.Event
}

func (m *mockStore) SaveFlow(_ context.Context, rec *store.FlowRecord) error {
	for _, f := range m.flows {
		if f.ID == rec.ID {
			f.Name = rec.Name
			f.Definition = rec.Definition
			f.Version++
			return nil
		}
	}
	cp := *rec
	cp.Version = 1
	m.flows = append(m.flows, &cp)
	return nil
}

func (m *mockStore) GetFlow(_ context.Context, id string) (*store.FlowRecord, error) {
	for _, f := range m.flows {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "flow not found")
}

func (m *mockStore) ListFlows(_ context.Context) ([]*store.FlowRecord, error) {
	return m.flows, nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.FlowID != "" && r.FlowID != filter.FlowID {
			continue
		}
		if filter.SessionID != "" && r.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, _ int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if runID != "" && e.RunID != runID {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// --- Mock runner ---

type mockRunner struct {
	result  *engine.RunResult
	err     error
	flowIDs []string
	msgs    []engine.Message
}

func (m *mockRunner) HandleMessage(_ context.Context, flowID string, msg engine.Message) (*engine.RunResult, error) {
	m.flowIDs = append(m.flowIDs, flowID)
	m.msgs = append(m.msgs, msg)
	return m.result, m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, ms *mockStore, runner FlowRunner) *BotflowServer {
	t.Helper()
	validator, err := validation.NewFlowValidator()
	require.NoError(t, err)
	return NewBotflowServer(BotflowServerDeps{
		Runner:    runner,
		Store:     ms,
		Validator: validator,
	})
}

func validDefinition() map[string]any {
	return map[string]any{
		"id": "greeting",
		"blocks": []any{
			map[string]any{"id": "ev", "kind": "event"},
			map[string]any{"id": "say", "kind": "reply",
				"config": map[string]any{"text": "hello"}},
		},
		"connections": []any{
			map[string]any{"id": "c1", "source_id": "ev", "target_id": "say",
				"kind": "sequential", "active": true},
		},
	}
}

// --- Tests ---

func TestPreviewTool(t *testing.T) {
	runner := &mockRunner{
		result: &engine.RunResult{
			RunID:  "run-1",
			FlowID: "greeting",
			Status: schema.RunStatusCompleted,
			Outputs: []schema.OutputUnit{
				{Type: schema.OutputText, Text: "hello", BlockID: "say"},
			},
			Steps: 2,
		},
	}
	s := newTestServer(t, &mockStore{}, runner)

	req := buildRequest("botflow.preview", map[string]any{
		"flow_id":    "greeting",
		"message":    "hi there",
		"session_id": "sess-1",
	})

	result, err := s.handlePreview(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, runner.msgs, 1)
	assert.Equal(t, "greeting", runner.flowIDs[0])
	assert.Equal(t, "hi there", runner.msgs[0].Text)
	assert.Equal(t, "sess-1", runner.msgs[0].SessionID)
}

func TestPreviewToolMissingParams(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockRunner{})

	req := buildRequest("botflow.preview", map[string]any{"message": "hi"})
	result, err := s.handlePreview(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	req = buildRequest("botflow.preview", map[string]any{"flow_id": "f"})
	result, err = s.handlePreview(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPreviewToolRunError(t *testing.T) {
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeNotFound, "flow not found")}
	s := newTestServer(t, &mockStore{}, runner)

	req := buildRequest("botflow.preview", map[string]any{
		"flow_id": "ghost",
		"message": "hi",
	})
	result, err := s.handlePreview(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockRunner{})

	req := buildRequest("botflow.validate", map[string]any{
		"definition": validDefinition(),
	})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestValidateToolInvalidFlow(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockRunner{})

	// Duplicate block IDs fail the structural stage.
	def := map[string]any{
		"blocks": []any{
			map[string]any{"id": "dup", "kind": "event"},
			map[string]any{"id": "dup", "kind": "reply"},
		},
	}
	req := buildRequest("botflow.validate", map[string]any{"definition": def})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// The tool reports invalid in the payload, not as a tool error.
	var payload struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	text := result.Content[0].(mcp.TextContent).Text
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	assert.False(t, payload.Valid)
	assert.NotEmpty(t, payload.Errors)
}

func TestValidateToolMissingDefinition(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockRunner{})

	req := buildRequest("botflow.validate", map[string]any{})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineTool(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms, &mockRunner{})

	req := buildRequest("botflow.define", map[string]any{
		"flow_id":    "greeting",
		"name":       "Greeting Bot",
		"definition": validDefinition(),
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.flows, 1)
	assert.Equal(t, "greeting", ms.flows[0].ID)
	assert.Equal(t, "Greeting Bot", ms.flows[0].Name)
	assert.Equal(t, 1, ms.flows[0].Version)

	// Re-define bumps the version.
	result, err = s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 2, ms.flows[0].Version)
}

func TestDefineToolRejectsInvalid(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms, &mockRunner{})

	req := buildRequest("botflow.define", map[string]any{
		"flow_id": "bad",
		"definition": map[string]any{
			"blocks": []any{
				map[string]any{"id": "dup", "kind": "event"},
				map[string]any{"id": "dup", "kind": "reply"},
			},
		},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.flows)
}

func TestDiagramTool(t *testing.T) {
	ms := &mockStore{flows: []*store.FlowRecord{{
		ID:   "greeting",
		Name: "Greeting Bot",
		Definition: schema.FlowDefinition{
			ID:   "greeting",
			Name: "Greeting Bot",
			Blocks: []schema.Block{
				{ID: "ev", Kind: schema.BlockKindEvent},
				{ID: "say", Kind: schema.BlockKindReply},
			},
			Connections: []schema.Connection{
				{ID: "c1", SourceID: "ev", TargetID: "say", Kind: schema.EdgeSequential, Active: true},
			},
		},
	}}}
	s := newTestServer(t, ms, &mockRunner{})

	req := buildRequest("botflow.diagram", map[string]any{"flow_id": "greeting"})
	result, err := s.handleDiagram(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "ev((")
}

func TestDiagramToolUnknownFlow(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockRunner{})

	req := buildRequest("botflow.diagram", map[string]any{"flow_id": "ghost"})
	result, err := s.handleDiagram(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryFlows(t *testing.T) {
	ms := &mockStore{flows: []*store.FlowRecord{
		{ID: "f1", Name: "one"},
		{ID: "f2", Name: "two"},
	}}
	s := newTestServer(t, ms, &mockRunner{})

	req := buildRequest("botflow.query", map[string]any{"resource": "flows"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "f1")
	assert.Contains(t, text, "f2")
}

func TestQueryRunsFiltered(t *testing.T) {
	ms := &mockStore{runs: []*store.Run{
		{ID: "r1", FlowID: "f1", Status: schema.RunStatusCompleted},
		{ID: "r2", FlowID: "f2", Status: schema.RunStatusAborted},
	}}
	s := newTestServer(t, ms, &mockRunner{})

	req := buildRequest("botflow.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"flow_id": "f1"},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "r1")
	assert.NotContains(t, text, "r2")
}

func TestQueryEvents(t *testing.T) {
	ms := &mockStore{events: []*store.Event{
		{ID: 1, RunID: "r1", Type: schema.EventRunStarted},
		{ID: 2, RunID: "r1", Type: schema.EventRunCompleted},
		{ID: 3, RunID: "r2", Type: schema.EventRunStarted},
	}}
	s := newTestServer(t, ms, &mockRunner{})

	// By run ID.
	req := buildRequest("botflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": "r1"},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	text := result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, schema.EventRunCompleted)

	// By event type.
	req = buildRequest("botflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventRunStarted},
	})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	text = result.Content[0].(mcp.TextContent).Text
	assert.Contains(t, text, "r2")

	// Neither run_id nor event_type is an error.
	req = buildRequest("botflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{},
	})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockRunner{})

	req := buildRequest("botflow.query", map[string]any{"resource": "nonsense"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

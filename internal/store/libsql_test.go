package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botflow-dev/botflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botflow.db")
	s, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDefinition() schema.FlowDefinition {
	return schema.FlowDefinition{
		ID: "f1",
		Blocks: []schema.Block{
			{ID: "ev", Kind: schema.BlockKindEvent},
			{ID: "say", Kind: schema.BlockKindReply},
		},
		Connections: []schema.Connection{
			{ID: "c1", SourceID: "ev", TargetID: "say", Kind: schema.EdgeSequential, Active: true},
		},
	}
}

func TestFlowSaveBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &FlowRecord{ID: "f1", Name: "greeting", Definition: testDefinition()}
	require.NoError(t, s.SaveFlow(ctx, rec))

	got, err := s.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "greeting", got.Name)
	assert.Len(t, got.Definition.Blocks, 2)

	// Re-save: version bumps, definition replaced.
	rec.Name = "greeting v2"
	require.NoError(t, s.SaveFlow(ctx, rec))
	got, err = s.GetFlow(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "greeting v2", got.Name)
}

func TestFlowNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetFlow(context.Background(), "ghost")
	require.Error(t, err)
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID: "r1", FlowID: "f1", SessionID: "s1",
		Status: schema.RunStatusActive, Message: "hello",
	}
	require.NoError(t, s.CreateRun(ctx, run))

	done := schema.RunStatusCompleted
	steps := 3
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, "r1", RunUpdate{
		Status:     &done,
		Outputs:    []byte(`[{"type":"text","text":"hi"}]`),
		Steps:      &steps,
		FinishedAt: &now,
	}))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Steps)
	assert.NotNil(t, got.FinishedAt)
	assert.JSONEq(t, `[{"type":"text","text":"hi"}]`, string(got.Outputs))

	runs, err := s.ListRuns(ctx, RunFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Status: schema.RunStatusAborted})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEventLogSequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for _, typ := range []string{schema.EventRunStarted, schema.EventBlockEntered, schema.EventRunCompleted} {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "r1", Type: typ}))
	}
	// A second run keeps its own sequence.
	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "r2", Type: schema.EventRunStarted}))

	events, err := el.Replay(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err = el.GetEvents(ctx, "r2", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestPausedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SavePausedRun(ctx, &PausedRun{
		RunID: "r1", FlowID: "f1", BlockID: "wait",
		Context:  []byte(`{"run_id":"r1"}`),
		ResumeAt: now.Add(-time.Minute), // already due
	}))
	require.NoError(t, s.SavePausedRun(ctx, &PausedRun{
		RunID: "r2", FlowID: "f1", BlockID: "wait",
		Context:  []byte(`{"run_id":"r2"}`),
		ResumeAt: now.Add(time.Hour),
	}))

	due, err := s.DuePausedRuns(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "r1", due[0].RunID)

	require.NoError(t, s.DeletePausedRun(ctx, "r1"))
	due, err = s.DuePausedRuns(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestBroadcasts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBroadcast(ctx, &Broadcast{
		ID: "b1", FlowID: "f1", CronExpr: "0 9 * * *", Message: "good morning", Enabled: true,
	}))
	require.NoError(t, s.CreateBroadcast(ctx, &Broadcast{
		ID: "b2", FlowID: "f1", CronExpr: "0 18 * * *", Message: "good evening", Enabled: false,
	}))

	enabled, err := s.ListBroadcasts(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "b1", enabled[0].ID)

	now := time.Now().UTC()
	off := false
	require.NoError(t, s.UpdateBroadcast(ctx, "b1", BroadcastUpdate{
		Enabled: &off, LastRunAt: &now,
	}))

	got, err := s.GetBroadcast(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.NotNil(t, got.LastRunAt)

	require.NoError(t, s.DeleteBroadcast(ctx, "b2"))
	_, err = s.GetBroadcast(ctx, "b2")
	assert.Error(t, err)
}

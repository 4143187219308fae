package matcher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botflow-dev/botflow/pkg/schema"
)

func eventBlock(t *testing.T, id string, cfg schema.EventConfig) schema.Block {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return schema.Block{ID: id, Kind: schema.BlockKindEvent, Config: raw}
}

func TestRegistryRegisterPreservesOrder(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Trigger{BlockID: "b1", Patterns: []schema.Pattern{pat(schema.MatchExact, "one")}}))
	require.NoError(t, r.Register(Trigger{BlockID: "b2"}))
	require.NoError(t, r.Register(Trigger{BlockID: "b3"}))

	// Upsert keeps b1 in first position.
	require.NoError(t, r.Register(Trigger{BlockID: "b1", Patterns: []schema.Pattern{pat(schema.MatchExact, "uno")}}))

	triggers := r.Triggers()
	require.Len(t, triggers, 3)
	assert.Equal(t, "b1", triggers[0].BlockID)
	assert.Equal(t, "uno", triggers[0].Patterns[0].Text)
	assert.Equal(t, "b2", triggers[1].BlockID)
	assert.Equal(t, "b3", triggers[2].BlockID)
}

func TestRegistryRegisterValidates(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Trigger{}))

	bad := pat(schema.MatchExact, "x")
	bad.Weight = 1.5
	assert.Error(t, r.Register(Trigger{BlockID: "b1", Patterns: []schema.Pattern{bad}}))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{BlockID: "b1"}))
	require.NoError(t, r.Register(Trigger{BlockID: "b2"}))

	r.Remove("b1")
	r.Remove("missing") // no-op

	triggers := r.Triggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, "b2", triggers[0].BlockID)

	_, ok := r.Get("b1")
	assert.False(t, ok)
}

func TestRegistryRebuildFromFlow(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{BlockID: "stale"}))

	def := &schema.FlowDefinition{
		Blocks: []schema.Block{
			eventBlock(t, "greet", schema.EventConfig{
				Patterns: []schema.Pattern{pat(schema.MatchContains, "hello")},
			}),
			{ID: "say-hi", Kind: schema.BlockKindReply},
			eventBlock(t, "fallback", schema.EventConfig{}),
		},
	}

	require.NoError(t, r.RebuildFromFlow(def))

	triggers := r.Triggers()
	require.Len(t, triggers, 2)
	assert.Equal(t, "greet", triggers[0].BlockID)
	assert.Equal(t, "greet", triggers[0].Patterns[0].BlockID)
	assert.False(t, triggers[0].CatchAll())
	assert.Equal(t, "fallback", triggers[1].BlockID)
	assert.True(t, triggers[1].CatchAll())

	_, ok := r.Get("stale")
	assert.False(t, ok)
}

func TestRegistryRebuildAllOrNothing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Trigger{BlockID: "keep"}))

	def := &schema.FlowDefinition{
		Blocks: []schema.Block{
			{ID: "bad", Kind: schema.BlockKindEvent, Config: json.RawMessage(`{not json`)},
		},
	}

	err := r.RebuildFromFlow(def)
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "bad", ferr.BlockID)

	// Previous contents untouched.
	_, ok := r.Get("keep")
	assert.True(t, ok)
}

func TestRegistryRebuildRejectsDuplicateEventIDs(t *testing.T) {
	r := NewRegistry()
	def := &schema.FlowDefinition{
		Blocks: []schema.Block{
			{ID: "dup", Kind: schema.BlockKindEvent},
			{ID: "dup", Kind: schema.BlockKindEvent},
		},
	}

	err := r.RebuildFromFlow(def)
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeStructural, ferr.Code)
}

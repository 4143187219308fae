package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionActiveDefaultsTrue(t *testing.T) {
	var def FlowDefinition
	raw := `{
		"blocks": [
			{"id": "a", "kind": "event"},
			{"id": "b", "kind": "reply"}
		],
		"connections": [
			{"id": "c1", "source_id": "a", "target_id": "b"},
			{"id": "c2", "source_id": "a", "target_id": "b", "active": false},
			{"id": "c3", "source_id": "a", "target_id": "b", "active": true}
		]
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	require.Len(t, def.Connections, 3)

	assert.True(t, def.Connections[0].Active, "absent active must default to true")
	assert.False(t, def.Connections[1].Active)
	assert.True(t, def.Connections[2].Active)
}

func TestConnectionDecodeKeepsFields(t *testing.T) {
	var c Connection
	raw := `{"id": "c1", "source_id": "a", "target_id": "b", "kind": "true",
		"guard": {"source": "variable", "variable": "vip", "operator": "eq", "value": "yes"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, EdgeTrueBranch, c.Kind)
	require.NotNil(t, c.Guard)
	assert.Equal(t, "vip", c.Guard.Variable)
	assert.True(t, c.Active)
}

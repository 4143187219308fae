package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botflow-dev/botflow/pkg/schema"
)

func patLeaf(kind schema.MatchKind, text string) schema.Condition {
	p := pat(kind, text)
	return schema.Condition{Op: schema.CondPattern, Pattern: &p}
}

func TestConditionAnd(t *testing.T) {
	m := newTestMatcher(t)
	cond := &schema.Condition{
		Op: schema.CondAnd,
		Children: []schema.Condition{
			patLeaf(schema.MatchContains, "hello"),
			patLeaf(schema.MatchContains, "world"),
		},
	}

	matched, confidence, err := m.EvalCondition(context.Background(), "hello world", cond)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.InDelta(t, schema.ConfidenceContains, confidence, 1e-9)

	matched, _, err = m.EvalCondition(context.Background(), "hello there", cond)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestConditionOrTakesMax(t *testing.T) {
	m := newTestMatcher(t)
	cond := &schema.Condition{
		Op: schema.CondOr,
		Children: []schema.Condition{
			patLeaf(schema.MatchExact, "hello"),
			patLeaf(schema.MatchContains, "hell"),
		},
	}

	matched, confidence, err := m.EvalCondition(context.Background(), "hello", cond)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, schema.ConfidenceExact, confidence)
}

func TestConditionNot(t *testing.T) {
	m := newTestMatcher(t)
	cond := &schema.Condition{
		Op:       schema.CondNot,
		Children: []schema.Condition{patLeaf(schema.MatchContains, "stop")},
	}

	matched, confidence, err := m.EvalCondition(context.Background(), "keep going", cond)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.InDelta(t, 1.0, confidence, 1e-9)

	matched, confidence, err = m.EvalCondition(context.Background(), "please stop", cond)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.InDelta(t, 1.0-schema.ConfidenceContains, confidence, 1e-9)
}

func TestConditionCustomLeaf(t *testing.T) {
	m := newTestMatcher(t)
	cond := &schema.Condition{Op: schema.CondCustom, Expression: `message startsWith "hi"`}

	matched, confidence, err := m.EvalCondition(context.Background(), "hi there", cond)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, schema.ConfidenceCustom, confidence)
}

func TestConditionDepthLimit(t *testing.T) {
	m := newTestMatcher(t)

	cond := patLeaf(schema.MatchContains, "x")
	for i := 0; i < schema.MaxConditionDepth+1; i++ {
		cond = schema.Condition{Op: schema.CondNot, Children: []schema.Condition{cond}}
	}

	_, _, err := m.EvalCondition(context.Background(), "x", &cond)
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeValidation, ferr.Code)
}

func TestConditionInvalidShapes(t *testing.T) {
	m := newTestMatcher(t)

	cases := []*schema.Condition{
		nil,
		{Op: schema.CondAnd},
		{Op: schema.CondNot, Children: []schema.Condition{patLeaf(schema.MatchExact, "a"), patLeaf(schema.MatchExact, "b")}},
		{Op: schema.CondPattern},
		{Op: schema.CondCustom},
		{Op: "bogus"},
	}
	for _, c := range cases {
		_, _, err := m.EvalCondition(context.Background(), "msg", c)
		assert.Error(t, err)
	}
}

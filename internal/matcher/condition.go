package matcher

import (
	"context"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// EvalCondition evaluates a compound condition tree against a message.
// AND requires every child to match and averages their confidences; OR
// requires any child and takes the maximum; NOT inverts its single child.
// Recursion is bounded by schema.MaxConditionDepth so a malformed authored
// tree cannot recurse unbounded.
func (m *Matcher) EvalCondition(ctx context.Context, message string, cond *schema.Condition) (bool, float64, error) {
	if cond == nil {
		return false, 0, schema.NewError(schema.ErrCodeValidation, "condition is nil")
	}
	return m.evalCondition(ctx, message, cond, 0)
}

func (m *Matcher) evalCondition(ctx context.Context, message string, cond *schema.Condition, depth int) (bool, float64, error) {
	if depth > schema.MaxConditionDepth {
		return false, 0, schema.NewErrorf(schema.ErrCodeValidation,
			"condition tree exceeds max depth %d", schema.MaxConditionDepth)
	}

	switch cond.Op {
	case schema.CondAnd:
		if len(cond.Children) == 0 {
			return false, 0, schema.NewError(schema.ErrCodeValidation, "and condition has no children")
		}
		sum := 0.0
		for i := range cond.Children {
			matched, confidence, err := m.evalCondition(ctx, message, &cond.Children[i], depth+1)
			if err != nil {
				return false, 0, err
			}
			if !matched {
				return false, 0, nil
			}
			sum += confidence
		}
		return true, sum / float64(len(cond.Children)), nil

	case schema.CondOr:
		if len(cond.Children) == 0 {
			return false, 0, schema.NewError(schema.ErrCodeValidation, "or condition has no children")
		}
		best := 0.0
		any := false
		for i := range cond.Children {
			matched, confidence, err := m.evalCondition(ctx, message, &cond.Children[i], depth+1)
			if err != nil {
				return false, 0, err
			}
			if matched {
				any = true
				if confidence > best {
					best = confidence
				}
			}
		}
		return any, best, nil

	case schema.CondNot:
		if len(cond.Children) != 1 {
			return false, 0, schema.NewError(schema.ErrCodeValidation, "not condition requires exactly one child")
		}
		matched, confidence, err := m.evalCondition(ctx, message, &cond.Children[0], depth+1)
		if err != nil {
			return false, 0, err
		}
		return !matched, 1 - confidence, nil

	case schema.CondPattern:
		if cond.Pattern == nil {
			return false, 0, schema.NewError(schema.ErrCodeValidation, "pattern condition has no pattern")
		}
		p := *cond.Pattern
		p.Enabled = true
		result := m.Match(ctx, message, []schema.Pattern{p})
		return result.Matched, result.Confidence, nil

	case schema.CondCustom:
		if cond.Expression == "" {
			return false, 0, schema.NewError(schema.ErrCodeValidation, "custom condition has no expression")
		}
		p := schema.Pattern{Kind: schema.MatchCustom, Text: cond.Expression, Enabled: true, Weight: 1}
		result := m.Match(ctx, message, []schema.Pattern{p})
		return result.Matched, result.Confidence, nil

	default:
		return false, 0, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition op %q", cond.Op)
	}
}

package graph

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/botflow-dev/botflow/internal/expressions"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// Scope carries the values guard expressions can see. It mirrors the CEL
// environment: variables, message, session, extracted, iter.
type Scope struct {
	Variables map[string]any
	Message   string
	Session   map[string]any
	Extracted map[string]any
	Iter      map[string]any
}

func (s Scope) celData() map[string]any {
	return map[string]any{
		"variables": s.Variables,
		"message":   s.Message,
		"session":   s.Session,
		"extracted": s.Extracted,
		"iter":      s.Iter,
	}
}

// GuardEvaluator evaluates guard expressions on edges, branch blocks, and
// while loops. Operator guards are evaluated inline; custom guards delegate
// to the CEL engine.
type GuardEvaluator struct {
	cel expressions.Engine
}

// NewGuardEvaluator creates a guard evaluator backed by the given CEL engine.
func NewGuardEvaluator(cel expressions.Engine) *GuardEvaluator {
	return &GuardEvaluator{cel: cel}
}

// Eval evaluates a guard against the scope. A nil guard always passes.
func (e *GuardEvaluator) Eval(ctx context.Context, g *schema.GuardExpression, scope Scope) (bool, error) {
	if g == nil {
		return true, nil
	}

	switch g.Source {
	case schema.GuardSourceCustom:
		return e.evalCustom(ctx, g, scope)

	case schema.GuardSourceMessage, "":
		// Empty source defaults to message, same as the validator.
		return compare(scope.Message, g.Value, g.Operator)

	case schema.GuardSourceVariable:
		if g.Variable == "" {
			return false, schema.NewError(schema.ErrCodeValidation, "variable guard has no variable name")
		}
		var left any
		if scope.Variables != nil {
			left = scope.Variables[g.Variable]
		}
		return compare(left, g.Value, g.Operator)

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown guard source %q", g.Source)
	}
}

func (e *GuardEvaluator) evalCustom(ctx context.Context, g *schema.GuardExpression, scope Scope) (bool, error) {
	if g.Expression == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "custom guard has no expression")
	}
	if e.cel == nil {
		return false, schema.NewError(schema.ErrCodeExecution, "custom guard requires a CEL engine")
	}
	out, err := e.cel.Evaluate(ctx, g.Expression, scope.celData())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"custom guard %q returned %T, want bool", g.Expression, out)
	}
	return b, nil
}

// compare applies an operator guard. When both sides parse as numbers the
// comparison is numeric; otherwise eq, ne, and contains fall back to string
// comparison and ordering operators fail.
func compare(left any, right string, op schema.GuardOperator) (bool, error) {
	lf, lok := toFloat(left)
	rf, rerr := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if lok && rerr == nil {
		return compareNumeric(lf, rf, op)
	}

	ls := toString(left)
	switch op {
	case schema.OpEquals:
		return ls == right, nil
	case schema.OpNotEquals:
		return ls != right, nil
	case schema.OpContains:
		return strings.Contains(ls, right), nil
	case schema.OpGreater, schema.OpGreaterOrEq, schema.OpLess, schema.OpLessOrEq:
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"operator %q requires numeric operands, got %q and %q", op, ls, right)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown guard operator %q", op)
	}
}

func compareNumeric(l, r float64, op schema.GuardOperator) (bool, error) {
	switch op {
	case schema.OpEquals:
		return l == r, nil
	case schema.OpNotEquals:
		return l != r, nil
	case schema.OpGreater:
		return l > r, nil
	case schema.OpGreaterOrEq:
		return l >= r, nil
	case schema.OpLess:
		return l < r, nil
	case schema.OpLessOrEq:
		return l <= r, nil
	case schema.OpContains:
		return strings.Contains(strconv.FormatFloat(l, 'f', -1, 64), strconv.FormatFloat(r, 'f', -1, 64)), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown guard operator %q", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

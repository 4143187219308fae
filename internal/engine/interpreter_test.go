package engine

import (
	"context"
	"testing"
	"time"

	"github.com/botflow-dev/botflow/internal/expressions"
	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/pkg/schema"
)

func newTestInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		t.Fatalf("NewCELEngine: %v", err)
	}
	return NewInterpreter(graph.NewGuardEvaluator(cel), expressions.NewGoJQEngine(), nil)
}

func singleBlockGraph(t *testing.T, block schema.Block) *graph.Graph {
	t.Helper()
	g, err := graph.Build(&schema.FlowDefinition{Blocks: []schema.Block{block}})
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	return g
}

func TestInterpolate(t *testing.T) {
	in := newTestInterpreter(t)
	ec := NewExecutionContext("f", "the message", "u1", "s1", 0)
	ec.Variables.Set("name", "Ada")
	ec.Variables.Set("count", 3.0)
	ec.Extracted.Set("id", "42")

	tests := []struct {
		text string
		want string
	}{
		{"hello {{name}}", "hello Ada"},
		{"{{count}} items", "3 items"},
		{"order {{id}}", "order 42"},
		{"you said {{message}}", "you said the message"},
		{"{{ name }} trimmed", "Ada trimmed"},
		{"{{unknown}} gone", " gone"},
		{"no placeholders", "no placeholders"},
		{"unclosed {{name", "unclosed {{name"},
	}
	for _, tt := range tests {
		if got := in.interpolate(tt.text, ec); got != tt.want {
			t.Errorf("interpolate(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestClampDelay(t *testing.T) {
	tests := []struct {
		duration int64
		unit     schema.DelayUnit
		want     time.Duration
		clamped  bool
	}{
		{500, schema.UnitMilliseconds, 500 * time.Millisecond, false},
		{50, schema.UnitMilliseconds, 100 * time.Millisecond, true},
		{90000, schema.UnitMilliseconds, 60 * time.Second, true},
		{30, schema.UnitSeconds, 30 * time.Second, false},
		{0, schema.UnitSeconds, time.Second, true},
		{90, schema.UnitSeconds, 60 * time.Second, true},
		{3, schema.UnitMinutes, 3 * time.Minute, false},
		{10, schema.UnitMinutes, 5 * time.Minute, true},
		{30, "fortnights", 30 * time.Second, false}, // unknown unit falls back to seconds
	}
	for _, tt := range tests {
		got, clamped := clampDelay(tt.duration, tt.unit)
		if got != tt.want || clamped != tt.clamped {
			t.Errorf("clampDelay(%d, %s) = (%v, %v), want (%v, %v)",
				tt.duration, tt.unit, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		value string
		typ   schema.ValueType
		want  any
		ok    bool
	}{
		{"hi", schema.TypeString, "hi", true},
		{"3.5", schema.TypeNumber, 3.5, true},
		{"nope", schema.TypeNumber, nil, false},
		{"true", schema.TypeBoolean, true, true},
		{"maybe", schema.TypeBoolean, nil, false},
		{`[1,2]`, schema.TypeList, nil, true},
		{`not json`, schema.TypeList, nil, false},
		{`{"a":1}`, schema.TypeMap, nil, true},
		{`[]`, schema.TypeMap, nil, false},
		{"x", "tuple", nil, false},
	}
	for _, tt := range tests {
		got, err := parseLiteral(tt.value, tt.typ)
		if tt.ok && err != nil {
			t.Errorf("parseLiteral(%q, %s): unexpected error %v", tt.value, tt.typ, err)
			continue
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("parseLiteral(%q, %s): expected error", tt.value, tt.typ)
			}
			continue
		}
		if tt.want != nil && got != tt.want {
			t.Errorf("parseLiteral(%q, %s) = %v, want %v", tt.value, tt.typ, got, tt.want)
		}
	}
}

func TestVariableSetInvalidLiteralSkipped(t *testing.T) {
	in := newTestInterpreter(t)
	block := schema.Block{ID: "v", Kind: schema.BlockKindVariable, Config: mustConfig(t, schema.VariableConfig{
		Op: schema.VarOpSet, Name: "n", ValueType: schema.TypeNumber, Value: "abc",
	})}
	g := singleBlockGraph(t, block)
	ec := NewExecutionContext("f", "m", "", "", 0)

	out := in.Execute(context.Background(), g, &block, ec)
	if _, ok := ec.Variables.Get("n"); ok {
		t.Error("malformed literal must not set the variable")
	}
	if len(out.Diagnostics) != 1 || out.Diagnostics[0].Code != schema.DiagInvalidLiteral {
		t.Errorf("diagnostics = %+v, want one invalid_literal", out.Diagnostics)
	}
}

func TestVariableTransform(t *testing.T) {
	in := newTestInterpreter(t)
	block := schema.Block{ID: "v", Kind: schema.BlockKindVariable, Config: mustConfig(t, schema.VariableConfig{
		Op: schema.VarOpTransform, Name: "shout", Expression: `.variables.word | ascii_upcase`,
	})}
	g := singleBlockGraph(t, block)
	ec := NewExecutionContext("f", "m", "", "", 0)
	ec.Variables.Set("word", "hi")

	out := in.Execute(context.Background(), g, &block, ec)
	if len(out.Diagnostics) != 0 {
		t.Fatalf("diagnostics = %+v", out.Diagnostics)
	}
	val, ok := ec.Variables.Get("shout")
	if !ok || val != "HI" {
		t.Errorf("shout = %v, want HI", val)
	}
}

func TestCorruptConfigIsDiagnosticNotPanic(t *testing.T) {
	in := newTestInterpreter(t)
	block := schema.Block{ID: "r", Kind: schema.BlockKindReply, Config: []byte(`{broken`)}
	g := singleBlockGraph(t, block)
	ec := NewExecutionContext("f", "m", "", "", 0)

	out := in.Execute(context.Background(), g, &block, ec)
	if len(out.Diagnostics) != 1 || out.Diagnostics[0].Code != schema.DiagInvalidLiteral {
		t.Errorf("diagnostics = %+v, want one invalid_literal", out.Diagnostics)
	}
	if len(out.Outputs) != 0 {
		t.Errorf("outputs = %+v, want none", out.Outputs)
	}
}

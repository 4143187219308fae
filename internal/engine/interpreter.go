package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/botflow-dev/botflow/internal/expressions"
	"github.com/botflow-dev/botflow/internal/graph"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// Outcome is the result of interpreting one block: zero or more emitted
// outputs, diagnostics, the resolved next block (nil ends the walk cleanly),
// and an optional pause request when delay suspension is enabled.
type Outcome struct {
	Next        *schema.Block
	Outputs     []schema.OutputUnit
	Diagnostics []schema.Diagnostic
	Pause       *Pause
}

// Pause asks the coordinator to suspend the run at a delay block. The host
// persists the context and resumes it once the wait elapses.
type Pause struct {
	BlockID  string        `json:"block_id"`
	Duration time.Duration `json:"duration"`
}

// Interpreter executes per-kind block semantics. It never sleeps, never
// panics, and surfaces anomalies as diagnostics; only decoding a block
// config can fail outright and even that is downgraded to a diagnostic.
type Interpreter struct {
	logger         *slog.Logger
	guards         *graph.GuardEvaluator
	jq             expressions.Engine
	suspendOnDelay bool
}

// NewInterpreter creates an interpreter. The jq engine backs variable
// transform blocks; pass nil to make transforms no-ops with a diagnostic.
func NewInterpreter(guards *graph.GuardEvaluator, jq expressions.Engine, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{logger: logger, guards: guards, jq: jq}
}

// Execute interprets a single block and resolves the next one.
func (in *Interpreter) Execute(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	switch block.Kind {
	case schema.BlockKindEvent:
		// Entry point only; follow the sequential edge.
		return in.follow(ctx, g, block, ec)
	case schema.BlockKindReply:
		return in.execReply(ctx, g, block, ec)
	case schema.BlockKindBranch:
		return in.execBranch(ctx, g, block, ec)
	case schema.BlockKindLoop:
		return in.execLoop(ctx, g, block, ec)
	case schema.BlockKindDelay:
		return in.execDelay(ctx, g, block, ec)
	case schema.BlockKindVariable:
		return in.execVariable(ctx, g, block, ec)
	default:
		return Outcome{Diagnostics: []schema.Diagnostic{{
			Severity: schema.DiagWarning,
			Code:     schema.DiagDeadEnd,
			BlockID:  block.ID,
			Message:  "unknown block kind " + string(block.Kind) + ", stopping",
		}}}
	}
}

// follow resolves the sequential successor of a block.
func (in *Interpreter) follow(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	next, diags := g.ResolveNext(ctx, block.ID, []schema.EdgeKind{schema.EdgeSequential}, in.guards, ec.Scope())
	return Outcome{Next: next, Diagnostics: diags}
}

func (in *Interpreter) execReply(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	var cfg schema.ReplyConfig
	if diag := decodeConfig(block, &cfg); diag != nil {
		out := in.follow(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{*diag}, out.Diagnostics...)
		return out
	}

	unit := schema.OutputUnit{
		Type:    cfg.Type,
		BlockID: block.ID,
	}
	if unit.Type == "" {
		unit.Type = schema.OutputText
	}
	switch unit.Type {
	case schema.OutputText:
		unit.Text = in.interpolate(cfg.Text, ec)
	case schema.OutputStructured:
		unit.Payload = cfg.Payload
	case schema.OutputMedia:
		unit.Media = cfg.Media
		unit.Text = in.interpolate(cfg.Text, ec)
	}

	out := in.follow(ctx, g, block, ec)
	out.Outputs = append([]schema.OutputUnit{unit}, out.Outputs...)
	return out
}

func (in *Interpreter) execBranch(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	var cfg schema.BranchConfig
	if diag := decodeConfig(block, &cfg); diag != nil {
		return Outcome{Diagnostics: []schema.Diagnostic{*diag}}
	}

	var diags []schema.Diagnostic
	pass, err := in.guards.Eval(ctx, &cfg.Guard, ec.Scope())
	if err != nil {
		pass = false
		diags = append(diags, schema.Diagnostic{
			Severity: schema.DiagWarning,
			Code:     schema.DiagGuardError,
			BlockID:  block.ID,
			Message:  err.Error(),
		})
	}

	kind := schema.EdgeFalseBranch
	if pass {
		kind = schema.EdgeTrueBranch
	}
	next, more := g.ResolveNext(ctx, block.ID, []schema.EdgeKind{kind}, in.guards, ec.Scope())
	return Outcome{Next: next, Diagnostics: append(diags, more...)}
}

func (in *Interpreter) execLoop(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	var cfg schema.LoopConfig
	if diag := decodeConfig(block, &cfg); diag != nil {
		return Outcome{Diagnostics: []schema.Diagnostic{*diag}}
	}

	switch cfg.Mode {
	case schema.LoopCount:
		return in.loopCount(ctx, g, block, &cfg, ec)
	case schema.LoopWhile:
		return in.loopWhile(ctx, g, block, &cfg, ec)
	case schema.LoopForEach:
		return in.loopForEach(ctx, g, block, &cfg, ec)
	default:
		out := in.loopExit(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{{
			Severity: schema.DiagWarning,
			Code:     schema.DiagInvalidLiteral,
			BlockID:  block.ID,
			Message:  "unknown loop mode " + string(cfg.Mode) + ", taking exit edge",
		}}, out.Diagnostics...)
		return out
	}
}

func (in *Interpreter) loopCount(ctx context.Context, g *graph.Graph, block *schema.Block, cfg *schema.LoopConfig, ec *ExecutionContext) Outcome {
	n := cfg.Count
	if n < schema.MinLoopCount {
		n = schema.MinLoopCount
	}
	if n > schema.MaxLoopCount {
		n = schema.MaxLoopCount
	}

	if ec.LoopCounters == nil {
		ec.LoopCounters = make(map[string]int)
	}
	done := ec.LoopCounters[block.ID]
	if done < n {
		ec.LoopCounters[block.ID] = done + 1
		return in.loopBody(ctx, g, block, ec)
	}
	delete(ec.LoopCounters, block.ID)
	return in.loopExit(ctx, g, block, ec)
}

func (in *Interpreter) loopWhile(ctx context.Context, g *graph.Graph, block *schema.Block, cfg *schema.LoopConfig, ec *ExecutionContext) Outcome {
	if cfg.Guard == nil {
		// An authored while loop without a guard would spin until the step
		// budget; treat it as a mistake and exit immediately.
		out := in.loopExit(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{{
			Severity: schema.DiagWarning,
			Code:     schema.DiagGuardError,
			BlockID:  block.ID,
			Message:  "while loop has no guard, taking exit edge",
		}}, out.Diagnostics...)
		return out
	}
	pass, err := in.guards.Eval(ctx, cfg.Guard, ec.Scope())
	if err != nil {
		out := in.loopExit(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{{
			Severity: schema.DiagWarning,
			Code:     schema.DiagGuardError,
			BlockID:  block.ID,
			Message:  err.Error(),
		}}, out.Diagnostics...)
		return out
	}
	if pass {
		return in.loopBody(ctx, g, block, ec)
	}
	return in.loopExit(ctx, g, block, ec)
}

func (in *Interpreter) loopForEach(ctx context.Context, g *graph.Graph, block *schema.Block, cfg *schema.LoopConfig, ec *ExecutionContext) Outcome {
	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}

	var list []any
	if cfg.ListVar != "" {
		if raw, ok := ec.Variables.Get(cfg.ListVar); ok {
			list, _ = raw.([]any)
		}
	}
	if list == nil {
		out := in.loopExit(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{{
			Severity: schema.DiagInfo,
			Code:     schema.DiagMissingList,
			BlockID:  block.ID,
			Message:  "list variable " + strconv.Quote(cfg.ListVar) + " absent or not a list, zero iterations",
		}}, out.Diagnostics...)
		return out
	}

	if ec.LoopCounters == nil {
		ec.LoopCounters = make(map[string]int)
	}
	idx := ec.LoopCounters[block.ID]
	if idx >= len(list) {
		delete(ec.LoopCounters, block.ID)
		ec.Iter = nil
		ec.Variables.Delete(itemVar)
		return in.loopExit(ctx, g, block, ec)
	}

	ec.LoopCounters[block.ID] = idx + 1
	ec.Variables.Set(itemVar, list[idx])
	ec.Iter = map[string]any{"item": list[idx], "index": idx}
	return in.loopBody(ctx, g, block, ec)
}

func (in *Interpreter) loopBody(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	next, diags := g.ResolveNext(ctx, block.ID, []schema.EdgeKind{schema.EdgeLoopBody}, in.guards, ec.Scope())
	return Outcome{Next: next, Diagnostics: diags}
}

func (in *Interpreter) loopExit(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	next, diags := g.ResolveNext(ctx, block.ID, []schema.EdgeKind{schema.EdgeLoopExit}, in.guards, ec.Scope())
	return Outcome{Next: next, Diagnostics: diags}
}

func (in *Interpreter) execDelay(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	var cfg schema.DelayConfig
	if diag := decodeConfig(block, &cfg); diag != nil {
		out := in.follow(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{*diag}, out.Diagnostics...)
		return out
	}

	d, clamped := clampDelay(cfg.Duration, cfg.Unit)

	var diags []schema.Diagnostic
	if clamped {
		diags = append(diags, schema.Diagnostic{
			Severity: schema.DiagWarning,
			Code:     schema.DiagDelayClamped,
			BlockID:  block.ID,
			Message:  "delay duration out of range, clamped",
			Details:  map[string]any{"requested": cfg.Duration, "unit": string(cfg.Unit), "effective_ms": d.Milliseconds()},
		})
	}

	if in.suspendOnDelay {
		return Outcome{
			Diagnostics: diags,
			Pause:       &Pause{BlockID: block.ID, Duration: d},
		}
	}

	// Cosmetic wait marker: the host decides whether to honor it.
	unit := schema.OutputUnit{
		Type:       schema.OutputWaited,
		BlockID:    block.ID,
		DurationMS: d.Milliseconds(),
	}
	out := in.follow(ctx, g, block, ec)
	out.Outputs = append([]schema.OutputUnit{unit}, out.Outputs...)
	out.Diagnostics = append(diags, out.Diagnostics...)
	return out
}

// clampDelay converts a (duration, unit) pair to a time.Duration, clamping to
// the per-unit bounds. Unknown units fall back to seconds.
func clampDelay(duration int64, unit schema.DelayUnit) (time.Duration, bool) {
	var lo, hi int64
	var base time.Duration

	switch unit {
	case schema.UnitMilliseconds:
		lo, hi, base = schema.MinDelayMilliseconds, schema.MaxDelayMilliseconds, time.Millisecond
	case schema.UnitMinutes:
		lo, hi, base = schema.MinDelayMinutes, schema.MaxDelayMinutes, time.Minute
	case schema.UnitSeconds:
		lo, hi, base = schema.MinDelaySeconds, schema.MaxDelaySeconds, time.Second
	default:
		lo, hi, base = schema.MinDelaySeconds, schema.MaxDelaySeconds, time.Second
	}

	clamped := false
	if duration < lo {
		duration = lo
		clamped = true
	}
	if duration > hi {
		duration = hi
		clamped = true
	}
	return time.Duration(duration) * base, clamped
}

func (in *Interpreter) execVariable(ctx context.Context, g *graph.Graph, block *schema.Block, ec *ExecutionContext) Outcome {
	var cfg schema.VariableConfig
	if diag := decodeConfig(block, &cfg); diag != nil {
		out := in.follow(ctx, g, block, ec)
		out.Diagnostics = append([]schema.Diagnostic{*diag}, out.Diagnostics...)
		return out
	}

	var diags []schema.Diagnostic

	switch cfg.Op {
	case schema.VarOpSet:
		val, err := parseLiteral(cfg.Value, cfg.ValueType)
		if err != nil {
			diags = append(diags, schema.Diagnostic{
				Severity: schema.DiagWarning,
				Code:     schema.DiagInvalidLiteral,
				BlockID:  block.ID,
				Message:  err.Error(),
				Details:  map[string]any{"name": cfg.Name, "value": cfg.Value, "type": string(cfg.ValueType)},
			})
			break
		}
		ec.Variables.Set(cfg.Name, val)

	case schema.VarOpGet:
		target := cfg.Target
		if target == "" {
			target = cfg.Name
		}
		if val, ok := ec.Variables.Get(cfg.Name); ok {
			ec.Variables.Set(target, val)
		} else {
			diags = append(diags, schema.Diagnostic{
				Severity: schema.DiagInfo,
				Code:     schema.DiagInvalidLiteral,
				BlockID:  block.ID,
				Message:  "variable " + strconv.Quote(cfg.Name) + " not set",
			})
		}

	case schema.VarOpDelete:
		ec.Variables.Delete(cfg.Name)

	case schema.VarOpTransform:
		diags = append(diags, in.transform(ctx, block, &cfg, ec)...)

	default:
		diags = append(diags, schema.Diagnostic{
			Severity: schema.DiagWarning,
			Code:     schema.DiagInvalidLiteral,
			BlockID:  block.ID,
			Message:  "unknown variable op " + string(cfg.Op) + ", skipped",
		})
	}

	out := in.follow(ctx, g, block, ec)
	out.Diagnostics = append(diags, out.Diagnostics...)
	return out
}

// transform derives a variable value by running a jq expression over the run
// scope. Evaluation errors skip the op with a diagnostic.
func (in *Interpreter) transform(ctx context.Context, block *schema.Block, cfg *schema.VariableConfig, ec *ExecutionContext) []schema.Diagnostic {
	if in.jq == nil || cfg.Expression == "" {
		return []schema.Diagnostic{{
			Severity: schema.DiagWarning,
			Code:     schema.DiagInvalidLiteral,
			BlockID:  block.ID,
			Message:  "transform op requires a jq expression, skipped",
		}}
	}

	data := map[string]any{
		"variables": ec.Variables.Snapshot(),
		"extracted": ec.Extracted.Snapshot(),
		"message":   ec.UserMessage,
	}
	val, err := in.jq.Evaluate(ctx, cfg.Expression, data)
	if err != nil {
		return []schema.Diagnostic{{
			Severity: schema.DiagWarning,
			Code:     schema.DiagInvalidLiteral,
			BlockID:  block.ID,
			Message:  err.Error(),
			Details:  map[string]any{"expression": cfg.Expression},
		}}
	}
	ec.Variables.Set(cfg.Name, val)
	return nil
}

// parseLiteral parses a string literal according to its declared type.
func parseLiteral(value string, t schema.ValueType) (any, error) {
	switch t {
	case schema.TypeString, "":
		return value, nil
	case schema.TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid number literal %q", value)
		}
		return f, nil
	case schema.TypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid boolean literal %q", value)
		}
		return b, nil
	case schema.TypeList:
		var out []any
		if err := json.Unmarshal([]byte(value), &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid list literal %q", value)
		}
		return out, nil
	case schema.TypeMap:
		var out map[string]any
		if err := json.Unmarshal([]byte(value), &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid map literal %q", value)
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown value type %q", t)
	}
}

// interpolate resolves {{name}} placeholders in reply text from context
// variables, then extracted capture values. Unknown names resolve to "".
func (in *Interpreter) interpolate(text string, ec *ExecutionContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "{{")
		if idx == -1 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+idx])
		start := i + idx + 2

		end := strings.Index(text[start:], "}}")
		if end == -1 {
			// Unclosed placeholder: emit the rest verbatim.
			b.WriteString(text[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(text[start:end])
		b.WriteString(in.lookup(name, ec))
		i = end + 2
	}
	return b.String()
}

func (in *Interpreter) lookup(name string, ec *ExecutionContext) string {
	if val, ok := ec.Variables.Get(name); ok {
		return stringifyValue(val)
	}
	if val, ok := ec.Extracted.Get(name); ok {
		return stringifyValue(val)
	}
	switch name {
	case "message":
		return ec.UserMessage
	case "user_id":
		return ec.UserID
	case "session_id":
		return ec.SessionID
	}
	return ""
}

func stringifyValue(v any) string {
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
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// decodeConfig unmarshals a block config, downgrading failures to a
// diagnostic so a single corrupt block never kills a run.
func decodeConfig(block *schema.Block, dst any) *schema.Diagnostic {
	if len(block.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(block.Config, dst); err != nil {
		return &schema.Diagnostic{
			Severity: schema.DiagWarning,
			Code:     schema.DiagInvalidLiteral,
			BlockID:  block.ID,
			Message:  "invalid block config: " + err.Error(),
		}
	}
	return nil
}

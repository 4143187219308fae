package validation

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// validateSemantic performs the soft checks: authoring mistakes that the
// engine tolerates at runtime (with clamping or diagnostics) but the editor
// should surface. Runs only after the structural stage passed, so configs
// are known to decode.
func validateSemantic(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	edges := edgeIndex(def)

	hasEvent := false
	for i := range def.Blocks {
		b := &def.Blocks[i]
		path := fmt.Sprintf("blocks[%d]", i)

		switch b.Kind {
		case schema.BlockKindEvent:
			hasEvent = true
			validateEventBlock(b, path, result)
		case schema.BlockKindBranch:
			validateBranchBlock(b, path, edges, result)
		case schema.BlockKindLoop:
			validateLoopBlock(b, path, edges, result)
		case schema.BlockKindDelay:
			validateDelayBlock(b, path, result)
		case schema.BlockKindVariable:
			validateVariableBlock(b, path, result)
		}
	}

	if !hasEvent {
		result.AddWarning("blocks", schema.ErrCodeValidation,
			"flow has no event block and can never be triggered")
	}

	validateReachability(def, result)
	return result
}

// edgeIndex maps source block ID to the edge kinds leaving it (active only).
func edgeIndex(def *schema.FlowDefinition) map[string]map[schema.EdgeKind]bool {
	out := make(map[string]map[schema.EdgeKind]bool)
	for i := range def.Connections {
		c := &def.Connections[i]
		if !c.Active {
			continue
		}
		kind := c.Kind
		if kind == "" {
			kind = schema.EdgeSequential
		}
		if out[c.SourceID] == nil {
			out[c.SourceID] = make(map[schema.EdgeKind]bool)
		}
		out[c.SourceID][kind] = true
	}
	return out
}

func validateEventBlock(b *schema.Block, path string, result *schema.ValidationResult) {
	var cfg schema.EventConfig
	if len(b.Config) > 0 {
		_ = json.Unmarshal(b.Config, &cfg)
	}
	for j, p := range cfg.Patterns {
		ppath := fmt.Sprintf("%s.config.patterns[%d]", path, j)
		if p.Weight < 0 || p.Weight > 1 {
			result.AddError(ppath+".weight", schema.ErrCodeValidation,
				fmt.Sprintf("weight %.2f outside [0,1]", p.Weight))
		}
		if p.Kind == schema.MatchRegex {
			if _, err := regexp.Compile(p.Text); err != nil {
				result.AddWarning(ppath+".text", schema.ErrCodeValidation,
					fmt.Sprintf("regex does not compile and will never match: %s", err.Error()))
			}
		}
	}
	if cfg.Condition != nil {
		validateCondition(cfg.Condition, path+".config.condition", 0, result)
	}
}

func validateCondition(c *schema.Condition, path string, depth int, result *schema.ValidationResult) {
	if depth > schema.MaxConditionDepth {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("condition tree deeper than %d", schema.MaxConditionDepth))
		return
	}
	switch c.Op {
	case schema.CondAnd, schema.CondOr:
		if len(c.Children) == 0 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s condition has no children", c.Op))
		}
	case schema.CondNot:
		if len(c.Children) != 1 {
			result.AddError(path, schema.ErrCodeValidation, "not condition requires exactly one child")
		}
	case schema.CondPattern:
		if c.Pattern == nil {
			result.AddError(path, schema.ErrCodeValidation, "pattern condition has no pattern")
		}
	case schema.CondCustom:
		if c.Expression == "" {
			result.AddError(path, schema.ErrCodeValidation, "custom condition has no expression")
		}
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("unknown condition op %q", c.Op))
	}
	for i := range c.Children {
		validateCondition(&c.Children[i], fmt.Sprintf("%s.children[%d]", path, i), depth+1, result)
	}
}

func validateBranchBlock(b *schema.Block, path string, edges map[string]map[schema.EdgeKind]bool, result *schema.ValidationResult) {
	out := edges[b.ID]
	if !out[schema.EdgeTrueBranch] && !out[schema.EdgeFalseBranch] {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("branch block %q has neither true nor false edge", b.ID))
	}

	var cfg schema.BranchConfig
	if len(b.Config) > 0 {
		_ = json.Unmarshal(b.Config, &cfg)
	}
	validateGuard(&cfg.Guard, path+".config.guard", result)
}

func validateGuard(g *schema.GuardExpression, path string, result *schema.ValidationResult) {
	switch g.Source {
	case schema.GuardSourceVariable:
		if g.Variable == "" {
			result.AddError(path+".variable", schema.ErrCodeValidation,
				"variable guard requires a variable name")
		}
	case schema.GuardSourceCustom:
		if g.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation,
				"custom guard requires an expression")
		}
	case schema.GuardSourceMessage, "":
	default:
		result.AddError(path+".source", schema.ErrCodeValidation,
			fmt.Sprintf("unknown guard source %q", g.Source))
	}
}

func validateLoopBlock(b *schema.Block, path string, edges map[string]map[schema.EdgeKind]bool, result *schema.ValidationResult) {
	out := edges[b.ID]
	if !out[schema.EdgeLoopBody] {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("loop block %q has no body edge", b.ID))
	}
	if !out[schema.EdgeLoopExit] {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("loop block %q has no exit edge; the run ends inside the loop or hits the step budget", b.ID))
	}

	var cfg schema.LoopConfig
	if len(b.Config) > 0 {
		_ = json.Unmarshal(b.Config, &cfg)
	}
	switch cfg.Mode {
	case schema.LoopCount:
		if cfg.Count < schema.MinLoopCount || cfg.Count > schema.MaxLoopCount {
			result.AddWarning(path+".config.count", schema.ErrCodeValidation,
				fmt.Sprintf("count %d outside [%d,%d], will be clamped",
					cfg.Count, schema.MinLoopCount, schema.MaxLoopCount))
		}
	case schema.LoopWhile:
		if cfg.Guard == nil {
			result.AddWarning(path+".config.guard", schema.ErrCodeValidation,
				"while loop has no guard and will exit immediately")
		} else {
			validateGuard(cfg.Guard, path+".config.guard", result)
		}
	case schema.LoopForEach:
		if cfg.ListVar == "" {
			result.AddWarning(path+".config.list_var", schema.ErrCodeValidation,
				"foreach loop has no list variable and will iterate zero times")
		}
	case "":
		result.AddError(path+".config.mode", schema.ErrCodeValidation, "loop mode is required")
	default:
		result.AddError(path+".config.mode", schema.ErrCodeValidation,
			fmt.Sprintf("unknown loop mode %q", cfg.Mode))
	}
}

func validateDelayBlock(b *schema.Block, path string, result *schema.ValidationResult) {
	var cfg schema.DelayConfig
	if len(b.Config) > 0 {
		_ = json.Unmarshal(b.Config, &cfg)
	}

	var lo, hi int64
	switch cfg.Unit {
	case schema.UnitMilliseconds:
		lo, hi = schema.MinDelayMilliseconds, schema.MaxDelayMilliseconds
	case schema.UnitMinutes:
		lo, hi = schema.MinDelayMinutes, schema.MaxDelayMinutes
	case schema.UnitSeconds, "":
		lo, hi = schema.MinDelaySeconds, schema.MaxDelaySeconds
	default:
		result.AddError(path+".config.unit", schema.ErrCodeValidation,
			fmt.Sprintf("unknown delay unit %q", cfg.Unit))
		return
	}
	if cfg.Duration < lo || cfg.Duration > hi {
		result.AddWarning(path+".config.duration", schema.ErrCodeValidation,
			fmt.Sprintf("duration %d outside [%d,%d] %s, will be clamped",
				cfg.Duration, lo, hi, cfg.Unit))
	}
}

func validateVariableBlock(b *schema.Block, path string, result *schema.ValidationResult) {
	var cfg schema.VariableConfig
	if len(b.Config) > 0 {
		_ = json.Unmarshal(b.Config, &cfg)
	}
	if cfg.Name == "" && cfg.Op != "" {
		result.AddError(path+".config.name", schema.ErrCodeValidation,
			"variable op requires a name")
	}
	if cfg.Op == schema.VarOpTransform && cfg.Expression == "" {
		result.AddError(path+".config.expression", schema.ErrCodeValidation,
			"transform op requires a jq expression")
	}
}

// validateReachability warns about blocks no event block can reach through
// active connections.
func validateReachability(def *schema.FlowDefinition, result *schema.ValidationResult) {
	adj := make(map[string][]string)
	for i := range def.Connections {
		c := &def.Connections[i]
		if c.Active {
			adj[c.SourceID] = append(adj[c.SourceID], c.TargetID)
		}
	}

	reachable := make(map[string]bool)
	var queue []string
	for i := range def.Blocks {
		if def.Blocks[i].Kind == schema.BlockKindEvent {
			reachable[def.Blocks[i].ID] = true
			queue = append(queue, def.Blocks[i].ID)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adj[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i := range def.Blocks {
		b := &def.Blocks[i]
		if !reachable[b.ID] {
			result.AddWarning(fmt.Sprintf("blocks[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("block %q is unreachable from any event block", b.ID))
		}
	}
}

package validation

import (
	"encoding/json"
	"fmt"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// validateStructural performs the reference checks JSON Schema cannot
// express: duplicate IDs, connection endpoints, parent references, and the
// event incoming-edge invariant. All structural issues are errors; a flow
// failing this stage must be rejected at registration.
func validateStructural(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	blockIDs := make(map[string]bool, len(def.Blocks))
	kinds := make(map[string]schema.BlockKind, len(def.Blocks))
	for i := range def.Blocks {
		b := &def.Blocks[i]
		path := fmt.Sprintf("blocks[%d]", i)
		if blockIDs[b.ID] {
			result.AddError(path+".id", schema.ErrCodeStructural,
				fmt.Sprintf("duplicate block id %q", b.ID))
			continue
		}
		blockIDs[b.ID] = true
		kinds[b.ID] = b.Kind
	}

	for i := range def.Blocks {
		b := &def.Blocks[i]
		if b.ParentID != "" && !blockIDs[b.ParentID] {
			result.AddError(fmt.Sprintf("blocks[%d].parent_id", i), schema.ErrCodeStructural,
				fmt.Sprintf("block %q references non-existent parent %q", b.ID, b.ParentID))
		}
	}

	connIDs := make(map[string]bool, len(def.Connections))
	for i := range def.Connections {
		c := &def.Connections[i]
		path := fmt.Sprintf("connections[%d]", i)

		if c.ID != "" {
			if connIDs[c.ID] {
				result.AddError(path+".id", schema.ErrCodeStructural,
					fmt.Sprintf("duplicate connection id %q", c.ID))
			}
			connIDs[c.ID] = true
		}
		if !blockIDs[c.SourceID] {
			result.AddError(path+".source_id", schema.ErrCodeStructural,
				fmt.Sprintf("references non-existent block %q", c.SourceID))
		}
		if !blockIDs[c.TargetID] {
			result.AddError(path+".target_id", schema.ErrCodeStructural,
				fmt.Sprintf("references non-existent block %q", c.TargetID))
		}

		// Event blocks are entry points: no incoming edges allowed.
		if kinds[c.TargetID] == schema.BlockKindEvent && c.Active {
			result.AddError(path+".target_id", schema.ErrCodeStructural,
				fmt.Sprintf("event block %q cannot have incoming connections", c.TargetID))
		}
	}

	// Per-kind configs must at least decode.
	for i := range def.Blocks {
		b := &def.Blocks[i]
		if len(b.Config) == 0 {
			continue
		}
		path := fmt.Sprintf("blocks[%d].config", i)
		if err := decodeBlockConfig(b); err != nil {
			result.AddError(path, schema.ErrCodeStructural,
				fmt.Sprintf("invalid %s config: %s", b.Kind, err.Error()))
		}
	}

	return result
}

func decodeBlockConfig(b *schema.Block) error {
	switch b.Kind {
	case schema.BlockKindEvent:
		var cfg schema.EventConfig
		return json.Unmarshal(b.Config, &cfg)
	case schema.BlockKindReply:
		var cfg schema.ReplyConfig
		return json.Unmarshal(b.Config, &cfg)
	case schema.BlockKindBranch:
		var cfg schema.BranchConfig
		return json.Unmarshal(b.Config, &cfg)
	case schema.BlockKindLoop:
		var cfg schema.LoopConfig
		return json.Unmarshal(b.Config, &cfg)
	case schema.BlockKindDelay:
		var cfg schema.DelayConfig
		return json.Unmarshal(b.Config, &cfg)
	case schema.BlockKindVariable:
		var cfg schema.VariableConfig
		return json.Unmarshal(b.Config, &cfg)
	default:
		return nil
	}
}

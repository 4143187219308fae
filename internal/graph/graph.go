package graph

import (
	"context"
	"fmt"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// Graph is the traversable view of a flow: blocks indexed by ID plus typed,
// ordered adjacency. It is built once per flow snapshot and never mutated, so
// it is safe to share across concurrent runs.
type Graph struct {
	flowID string
	blocks map[string]*schema.Block
	order  []string
	out    map[string][]*schema.Connection
	events []string
}

// Build constructs a Graph from a flow definition, rejecting structural
// corruption: blank or duplicate block IDs, connections with missing
// endpoints, endpoints pointing at unknown blocks, and unknown parent
// references. Inactive connections are kept out of the adjacency entirely.
func Build(def *schema.FlowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeStructural, "flow definition is nil")
	}

	g := &Graph{
		flowID: def.ID,
		blocks: make(map[string]*schema.Block, len(def.Blocks)),
		out:    make(map[string][]*schema.Connection),
	}

	for i := range def.Blocks {
		b := &def.Blocks[i]
		if b.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "block at index %d has empty id", i)
		}
		if _, dup := g.blocks[b.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "duplicate block id %q", b.ID)
		}
		g.blocks[b.ID] = b
		g.order = append(g.order, b.ID)
		if b.Kind == schema.BlockKindEvent {
			g.events = append(g.events, b.ID)
		}
	}

	for i := range def.Blocks {
		b := &def.Blocks[i]
		if b.ParentID == "" {
			continue
		}
		if _, ok := g.blocks[b.ParentID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural,
				"block %q references unknown parent %q", b.ID, b.ParentID).WithBlock(b.ID)
		}
	}

	seen := make(map[string]bool, len(def.Connections))
	for i := range def.Connections {
		c := &def.Connections[i]
		if c.SourceID == "" || c.TargetID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeStructural,
				"connection %s has missing endpoint", connLabel(c, i))
		}
		if _, ok := g.blocks[c.SourceID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural,
				"connection %s references unknown source %q", connLabel(c, i), c.SourceID)
		}
		if _, ok := g.blocks[c.TargetID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural,
				"connection %s references unknown target %q", connLabel(c, i), c.TargetID)
		}
		if c.ID != "" {
			if seen[c.ID] {
				return nil, schema.NewErrorf(schema.ErrCodeStructural, "duplicate connection id %q", c.ID)
			}
			seen[c.ID] = true
		}
		if c.Kind != "" && !validEdgeKind(c.Kind) {
			return nil, schema.NewErrorf(schema.ErrCodeStructural,
				"connection %s has unknown kind %q", connLabel(c, i), c.Kind)
		}
		if !c.Active {
			continue
		}
		g.out[c.SourceID] = append(g.out[c.SourceID], c)
	}

	return g, nil
}

func connLabel(c *schema.Connection, idx int) string {
	if c.ID != "" {
		return fmt.Sprintf("%q", c.ID)
	}
	return fmt.Sprintf("at index %d", idx)
}

func validEdgeKind(k schema.EdgeKind) bool {
	switch k {
	case schema.EdgeSequential, schema.EdgeTrueBranch, schema.EdgeFalseBranch,
		schema.EdgeLoopBody, schema.EdgeLoopExit:
		return true
	}
	return false
}

// FlowID returns the owning flow's ID.
func (g *Graph) FlowID() string { return g.flowID }

// Block retrieves a block by ID.
func (g *Graph) Block(id string) (*schema.Block, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

// Blocks returns all blocks in document order.
func (g *Graph) Blocks() []*schema.Block {
	out := make([]*schema.Block, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.blocks[id])
	}
	return out
}

// Events returns the event blocks in document order.
func (g *Graph) Events() []*schema.Block {
	out := make([]*schema.Block, 0, len(g.events))
	for _, id := range g.events {
		out = append(out, g.blocks[id])
	}
	return out
}

// Outgoing returns the active outgoing connections of a block in document
// order, optionally filtered to the given edge kinds. An empty Kind on a
// connection is treated as sequential.
func (g *Graph) Outgoing(blockID string, kinds ...schema.EdgeKind) []*schema.Connection {
	conns := g.out[blockID]
	if len(kinds) == 0 {
		return conns
	}
	var out []*schema.Connection
	for _, c := range conns {
		if edgeKindMatches(c.Kind, kinds) {
			out = append(out, c)
		}
	}
	return out
}

func edgeKindMatches(k schema.EdgeKind, kinds []schema.EdgeKind) bool {
	if k == "" {
		k = schema.EdgeSequential
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// ResolveNext picks the next block from blockID along edges of the given
// kinds: the first edge in document order whose guard passes wins. A guard
// that errors is treated as failing and recorded as a diagnostic, never
// aborting traversal.
func (g *Graph) ResolveNext(ctx context.Context, blockID string, kinds []schema.EdgeKind, eval *GuardEvaluator, scope Scope) (*schema.Block, []schema.Diagnostic) {
	var diags []schema.Diagnostic

	for _, c := range g.Outgoing(blockID, kinds...) {
		ok, err := eval.Eval(ctx, c.Guard, scope)
		if err != nil {
			diags = append(diags, schema.Diagnostic{
				Severity: schema.DiagWarning,
				Code:     schema.DiagGuardError,
				BlockID:  blockID,
				Message:  err.Error(),
				Details:  map[string]any{"connection_id": c.ID},
			})
			continue
		}
		if ok {
			return g.blocks[c.TargetID], diags
		}
	}
	return nil, diags
}

package diagram

import (
	"fmt"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// Build constructs a DiagramModel from a FlowDefinition, preserving the
// authored block order. Connections referencing unknown blocks fail the
// build; renderers can assume every edge endpoint has a node.
func Build(def *schema.FlowDefinition) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil flow definition")
	}

	known := make(map[string]bool, len(def.Blocks))
	nodes := make([]*Node, 0, len(def.Blocks))
	for i := range def.Blocks {
		b := &def.Blocks[i]
		nodes = append(nodes, &Node{
			ID:    b.ID,
			Label: nodeLabel(b),
			Kind:  blockKindToNodeKind(b.Kind),
		})
		known[b.ID] = true
	}

	edges := make([]Edge, 0, len(def.Connections))
	for i := range def.Connections {
		c := &def.Connections[i]
		if !known[c.SourceID] || !known[c.TargetID] {
			return nil, fmt.Errorf("diagram: connection %s references unknown block", c.ID)
		}
		kind := c.Kind
		if kind == "" {
			kind = schema.EdgeSequential
		}
		edges = append(edges, Edge{
			From:   c.SourceID,
			To:     c.TargetID,
			Kind:   kind,
			Active: c.Active,
		})
	}

	return &DiagramModel{
		Title: titleFromDef(def),
		Nodes: nodes,
		Edges: edges,
	}, nil
}

// blockKindToNodeKind converts a schema.BlockKind to a NodeKind.
func blockKindToNodeKind(k schema.BlockKind) NodeKind {
	switch k {
	case schema.BlockKindEvent:
		return NodeKindEvent
	case schema.BlockKindReply:
		return NodeKindReply
	case schema.BlockKindBranch:
		return NodeKindBranch
	case schema.BlockKindLoop:
		return NodeKindLoop
	case schema.BlockKindDelay:
		return NodeKindDelay
	case schema.BlockKindVariable:
		return NodeKindVariable
	default:
		return NodeKindReply
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(b *schema.Block) string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// edgeLabel returns the label shown on an edge, empty for sequential edges.
func edgeLabel(kind schema.EdgeKind) string {
	switch kind {
	case schema.EdgeTrueBranch:
		return "true"
	case schema.EdgeFalseBranch:
		return "false"
	case schema.EdgeLoopBody:
		return "body"
	case schema.EdgeLoopExit:
		return "exit"
	default:
		return ""
	}
}

// titleFromDef generates a diagram title from flow metadata.
func titleFromDef(def *schema.FlowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Flow"
}

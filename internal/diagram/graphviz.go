package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
// Returns the PNG bytes.
func RenderImage(model *DiagramModel) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	// Create nodes.
	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Create edges; inactive connections render dashed.
	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			continue
		}
		if l := edgeLabel(edge.Kind); l != "" {
			e.SetLabel(l)
		}
		if !edge.Active {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	// Render to PNG.
	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes based on node kind.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch node.Kind {
	case NodeKindEvent:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case NodeKindBranch:
		gvNode.SetShape(cgraph.DiamondShape)
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case NodeKindLoop:
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetFillColor("#6b3fa0")
		gvNode.SetFontColor("white")
	case NodeKindDelay:
		gvNode.SetShape(cgraph.EllipseShape)
		gvNode.SetFillColor("#6b6b6b")
		gvNode.SetFontColor("white")
	case NodeKindVariable:
		gvNode.SetShape(cgraph.ParallelogramShape)
		gvNode.SetFillColor("#8b1a5e")
		gvNode.SetFontColor("white")
	default: // reply
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	}
}

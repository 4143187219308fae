package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Active edges are solid with the edge kind as label; inactive edges are
// dashed.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	// Render nodes with shapes based on kind.
	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	// Render edges.
	for _, edge := range model.Edges {
		arrow := "-->"
		if !edge.Active {
			arrow = "-.->"
		}
		label := ""
		if l := edgeLabel(edge.Kind); l != "" {
			label = fmt.Sprintf("|%s|", l)
		}
		b.WriteString(fmt.Sprintf("    %s %s%s %s\n",
			mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To)))
	}

	// Kind class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef event fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef reply fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef branch fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef loop fill:#6b3fa0,stroke:#4a2c70,color:#fff\n")
	b.WriteString("    classDef delay fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef variable fill:#8b1a5e,stroke:#5c0e3e,color:#fff\n")

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), string(node.Kind)))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label

	switch node.Kind {
	case NodeKindEvent:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindVariable:
		return fmt.Sprintf("%s[/%q/]", id, label)
	default: // reply
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a block ID to a Mermaid-safe identifier.
// Replaces dots and dashes with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

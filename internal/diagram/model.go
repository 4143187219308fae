package diagram

import "github.com/botflow-dev/botflow/pkg/schema"

// NodeKind classifies a diagram node by its block kind.
type NodeKind string

const (
	NodeKindEvent    NodeKind = "event"
	NodeKindReply    NodeKind = "reply"
	NodeKindBranch   NodeKind = "branch"
	NodeKindLoop     NodeKind = "loop"
	NodeKindDelay    NodeKind = "delay"
	NodeKindVariable NodeKind = "variable"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single block in the diagram.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
}

// Edge represents a connection between two blocks. Inactive edges are kept
// so the editor preview shows disabled wiring as dashed.
type Edge struct {
	From   string
	To     string
	Kind   schema.EdgeKind
	Active bool
}

package diagram

import "github.com/rendis/flowrun/pkg/schema"

// NodeKind selects the shape a renderer draws for a node.
type NodeKind string

const (
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindWait      NodeKind = "wait"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // node ids grouped by dependency depth, start and end included
}

// Node is one step, or the virtual start or end node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay is the last known state of a step in one execution.
type StatusOverlay struct {
	Status     schema.StepStatus
	Attempts   int
	DurationMs int64
	Error      string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From string
	To   string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction  NodeKind = "action"
	NodeKindTrigger NodeKind = "trigger"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Step statuses shown on nodes.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a step.
type StatusOverlay struct {
	Status string
	Detail string // missing reference of a paused step, error of a failed one
}

// Edge is a dependency between two nodes, labelled with its condition if any.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)

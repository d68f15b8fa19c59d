package schema

// WorkflowDefinition is the declarative workflow format accepted by the engine.
// Exactly one of Steps or Nodes/Connections is used.
type WorkflowDefinition struct {
	ID                 string       `json:"id" yaml:"id"`
	Name               string       `json:"name,omitempty" yaml:"name,omitempty"`
	CreatedBy          string       `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Steps              []Step       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Nodes              []Node       `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Connections        []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
	MaxConcurrentSteps int          `json:"max_concurrent_steps,omitempty" yaml:"max_concurrent_steps,omitempty"`
	// InputSchema is an optional JSON Schema that input_data must satisfy.
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// IsGraph reports whether the definition uses the node/connection form.
func (d *WorkflowDefinition) IsGraph() bool {
	return len(d.Nodes) > 0
}

// Step is a single unit of work bound to one service action.
type Step struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind            StepKind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	SequenceOrder   *int           `json:"sequence_order,omitempty" yaml:"sequence_order,omitempty"`
	Service         string         `json:"service,omitempty" yaml:"service,omitempty"`
	Action          string         `json:"action,omitempty" yaml:"action,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Timeout         float64        `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds
}

// Order returns the assigned sequence order, or 0 when none is set.
func (s *Step) Order() int {
	if s.SequenceOrder == nil {
		return 0
	}
	return *s.SequenceOrder
}

// StepKind distinguishes action steps from graph trigger steps.
type StepKind string

const (
	StepKindAction  StepKind = "action"
	StepKindTrigger StepKind = "trigger"
)

// NodeType enumerates node kinds in the graph form.
type NodeType string

const (
	NodeTypeTrigger NodeType = "trigger"
	NodeTypeAction  NodeType = "action"
)

// Node is a vertex of a graph-form workflow.
type Node struct {
	ID     string     `json:"id" yaml:"id"`
	Title  string     `json:"title,omitempty" yaml:"title,omitempty"`
	Type   NodeType   `json:"type" yaml:"type"`
	Config NodeConfig `json:"config" yaml:"config"`
}

// NodeConfig holds the step fields carried by a node.
type NodeConfig struct {
	Service         string         `json:"service,omitempty" yaml:"service,omitempty"`
	Action          string         `json:"action,omitempty" yaml:"action,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	Timeout         float64        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Connection is a directed edge between two nodes. Condition is an expr
// expression evaluated against the source node's output.
type Connection struct {
	SourceNodeID string `json:"source_node_id" yaml:"source_node_id"`
	TargetNodeID string `json:"target_node_id" yaml:"target_node_id"`
	Condition    string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a compiled workflow. When st is set,
// each step carries its status in that execution.
func Build(title string, dag *engine.DAG, st *store.ExecutionState) *DiagramModel {
	if title == "" {
		title = dag.WorkflowID
	}
	nodes := make([]*Node, 0, len(dag.Order)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Order {
		step := dag.Steps[id]
		node := &Node{ID: id, Label: nodeLabel(step), Kind: NodeKindAction}
		if step.Kind == schema.StepKindTrigger {
			node.Kind = NodeKindTrigger
		}
		if st != nil {
			node.Status = overlay(id, st)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{endID})

	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: levels,
	}
}

func nodeLabel(step *schema.Step) string {
	if step.Kind == schema.StepKindTrigger {
		return step.ID + "\n(trigger)"
	}
	return fmt.Sprintf("%s\n(%s.%s)", step.ID, step.Service, step.Action)
}

func overlay(id string, st *store.ExecutionState) *StatusOverlay {
	if out, ok := st.Outputs[id]; ok {
		if failed, _ := out[schema.OutputFailedKey].(bool); failed {
			msg, _ := out[schema.OutputErrorKey].(string)
			return &StatusOverlay{Status: StatusFailed, Detail: msg}
		}
		return &StatusOverlay{Status: StatusCompleted}
	}
	if st.PausedStep == id {
		return &StatusOverlay{Status: StatusPaused, Detail: st.MissingReference}
	}
	return &StatusOverlay{Status: StatusPending}
}

// buildEdges links dependencies to dependents and adds the virtual start and
// end nodes. Edges are sorted for stable output.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, id := range dag.Order {
		deps := dag.Edges[id]
		if len(deps) == 0 {
			edges = append(edges, Edge{From: startID, To: id})
		}
		for _, dep := range deps {
			edges = append(edges, Edge{From: dep, To: id, Label: dag.Condition(dep, id)})
		}
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Test workflow builders ---

func linearDAG(t *testing.T) *engine.DAG {
	t.Helper()
	dag, err := engine.Compile(&schema.WorkflowDefinition{
		ID: "etl",
		Steps: []schema.Step{
			{ID: "fetch", Service: "http", Action: "request"},
			{ID: "transform", Service: "core", Action: "echo"},
			{ID: "store", Service: "core", Action: "echo"},
		},
	})
	require.NoError(t, err)
	return dag
}

func branchDAG(t *testing.T) *engine.DAG {
	t.Helper()
	action := func(id string) schema.Node {
		return schema.Node{ID: id, Type: schema.NodeTypeAction, Config: schema.NodeConfig{Service: "core", Action: "echo"}}
	}
	dag, err := engine.Compile(&schema.WorkflowDefinition{
		ID: "branches",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger},
			action("big"),
			action("small"),
		},
		Connections: []schema.Connection{
			{SourceNodeID: "start", TargetNodeID: "big", Condition: "output.amount > 100"},
			{SourceNodeID: "start", TargetNodeID: "small"},
		},
	})
	require.NoError(t, err)
	return dag
}

func findNode(model *DiagramModel, id string) *Node {
	for _, n := range model.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// --- Tests ---

func TestBuildLinear(t *testing.T) {
	model := Build("ETL Pipeline", linearDAG(t), nil)

	assert.Equal(t, "ETL Pipeline", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, startID, model.Nodes[0].ID)
	assert.Equal(t, endID, model.Nodes[4].ID)
	assert.Equal(t, "fetch\n(http.request)", findNode(model, "fetch").Label)
	assert.Nil(t, findNode(model, "fetch").Status)

	assert.Equal(t, [][]string{{startID}, {"fetch"}, {"transform"}, {"store"}, {endID}}, model.Levels)
	assert.Equal(t, []Edge{
		{From: startID, To: "fetch"},
		{From: "fetch", To: "transform"},
		{From: "store", To: endID},
		{From: "transform", To: "store"},
	}, model.Edges)
}

func TestBuildDefaultsTitleToWorkflowID(t *testing.T) {
	assert.Equal(t, "etl", Build("", linearDAG(t), nil).Title)
}

func TestBuildGraphConditionsAndTrigger(t *testing.T) {
	model := Build("", branchDAG(t), nil)

	assert.Equal(t, NodeKindTrigger, findNode(model, "start").Kind)
	assert.Contains(t, model.Edges, Edge{From: "start", To: "big", Label: "output.amount > 100"})
	assert.Contains(t, model.Edges, Edge{From: "start", To: "small"})
	assert.Contains(t, model.Edges, Edge{From: startID, To: "start"})
}

func TestBuildStatusOverlay(t *testing.T) {
	st := &store.ExecutionState{
		Status: schema.StatusPaused,
		Outputs: map[string]map[string]any{
			"fetch": {"output": "ok"},
			"transform": {
				schema.OutputErrorKey:  "bad row",
				schema.OutputFailedKey: true,
			},
		},
		PausedStep:       "store",
		MissingReference: "approval.ok",
	}
	model := Build("", linearDAG(t), st)

	assert.Equal(t, &StatusOverlay{Status: StatusCompleted}, findNode(model, "fetch").Status)
	assert.Equal(t, &StatusOverlay{Status: StatusFailed, Detail: "bad row"}, findNode(model, "transform").Status)
	assert.Equal(t, &StatusOverlay{Status: StatusPaused, Detail: "approval.ok"}, findNode(model, "store").Status)
	assert.Nil(t, findNode(model, startID).Status)
}

func TestBuildPendingOverlay(t *testing.T) {
	model := Build("", linearDAG(t), &store.ExecutionState{Status: schema.StatusRunning})
	assert.Equal(t, StatusPending, findNode(model, "store").Status.Status)
}

package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/testutil"
)

func forkDefinition() models.WorkflowDefinition {
	return testutil.CreateTestDefinition(
		testutil.WithStartNode("split"),
		testutil.WithNodes(
			testutil.GatewayNode("split", false),
			testutil.TaskNode("a", "log", nil),
			testutil.TaskNode("b", "log", nil),
			testutil.GatewayNode("join", true),
			testutil.TerminalNode("end"),
		),
		testutil.WithEdges(
			testutil.CreateTestEdge("split", "a", ""),
			testutil.CreateTestEdge("split", "b", "fields.amount > 10"),
			testutil.CreateTestEdge("a", "join", ""),
			testutil.CreateTestEdge("b", "join", ""),
			testutil.CreateTestEdge("join", "end", ""),
		),
	)
}

func TestWorkflowDefinition_Edges(t *testing.T) {
	def := forkDefinition()

	out := def.Outgoing("split")
	assert.Len(t, out, 2)
	assert.Equal(t, "split-a", out[0].ID)
	assert.Equal(t, "fields.amount > 10", out[1].Guard)

	in := def.Incoming("join")
	assert.Equal(t, []string{"a-join", "b-join"}, []string{in[0].ID, in[1].ID})

	assert.Empty(t, def.Outgoing("end"))
	assert.Empty(t, def.Incoming("split"))

	node, ok := def.Node("join")
	assert.True(t, ok)
	assert.True(t, node.Join)

	_, ok = def.Node("missing")
	assert.False(t, ok)
}

func TestWorkflowDefinition_StartsOn(t *testing.T) {
	def := testutil.CreateTestDefinition()
	assert.True(t, def.StartsOn("create"))
	assert.False(t, def.StartsOn("submit"))

	def = testutil.CreateTestDefinition(testutil.WithStartOn("submit", "approve"))
	assert.False(t, def.StartsOn("create"))
	assert.True(t, def.StartsOn("approve"))
}

func TestCreateTestChain(t *testing.T) {
	def := testutil.CreateTestChain(testutil.TaskNode("first", "log", nil), testutil.TaskNode("second", "notify", nil))

	assert.Equal(t, "first", def.StartNodeID)
	assert.Len(t, def.Nodes, 3)
	assert.Equal(t, "second", def.Outgoing("first")[0].To)
	assert.Equal(t, "end", def.Outgoing("second")[0].To)
}

func TestInstanceStatus_Terminal(t *testing.T) {
	assert.False(t, models.InstanceStatusRunning.Terminal())

	for _, s := range []models.InstanceStatus{
		models.InstanceStatusCompleted,
		models.InstanceStatusFailed,
		models.InstanceStatusCancelled,
	} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestWorkflowInstance_CurrentNodes(t *testing.T) {
	instance := &models.WorkflowInstance{Tokens: []models.Token{
		{ID: "t1", NodeID: "a"},
		{ID: "t2", NodeID: "join", Waiting: true},
		{ID: "t3", NodeID: "join", Waiting: true},
	}}

	assert.Equal(t, []string{"a", "join"}, instance.CurrentNodes())
	assert.Empty(t, (&models.WorkflowInstance{}).CurrentNodes())
}

func TestEntityRef_String(t *testing.T) {
	entity := &models.Entity{EntityType: "expense", EntityID: "exp-1"}

	assert.Equal(t, "expense#exp-1", entity.Ref().String())
}

// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"slices"

	"github.com/dukex/kernelflow/pkg/models"
)

// CreateTestDefinition creates a one-node definition for the "expense" entity
// type that can be overridden.
func CreateTestDefinition(overrides ...func(*models.WorkflowDefinition)) models.WorkflowDefinition {
	def := models.WorkflowDefinition{
		ID:          "test-definition",
		Version:     1,
		Name:        "Test Definition",
		EntityType:  "expense",
		StartNodeID: "end",
		Nodes:       []models.Node{TerminalNode("end")},
	}

	for _, override := range overrides {
		override(&def)
	}

	return def
}

// CreateTestChain creates a definition running the given task nodes in
// sequence before a terminal node named "end".
func CreateTestChain(tasks ...models.Node) models.WorkflowDefinition {
	nodes := append(slices.Clone(tasks), TerminalNode("end"))

	return CreateTestDefinition(WithNodes(nodes...), WithEdges(Chain(nodes...)...), WithStartNode(nodes[0].ID))
}

// TaskNode creates a task node running handler with config.
func TaskNode(id, handler string, config map[string]any) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTask, Handler: handler, Config: config}
}

// GatewayNode creates a gateway node. join makes it wait for every incoming
// branch.
func GatewayNode(id string, join bool) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeGateway, Join: join}
}

// TerminalNode creates a terminal node.
func TerminalNode(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeTerminal}
}

// CreateTestEdge creates an edge from one node to another, named "from-to".
func CreateTestEdge(from, to, guard string) models.Edge {
	return models.Edge{ID: from + "-" + to, From: from, To: to, Guard: guard}
}

// Chain connects nodes in order with unguarded edges.
func Chain(nodes ...models.Node) []models.Edge {
	edges := make([]models.Edge, 0, len(nodes))

	for i := 1; i < len(nodes); i++ {
		edges = append(edges, CreateTestEdge(nodes[i-1].ID, nodes[i].ID, ""))
	}

	return edges
}

// WithID sets the definition ID.
func WithID(id string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.ID = id
	}
}

// WithVersion sets the definition version.
func WithVersion(version int) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Version = version
	}
}

// WithEntityType sets the entity type the definition runs for.
func WithEntityType(entityType string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.EntityType = entityType
	}
}

// WithStartOn sets the verbs that start new instances.
func WithStartOn(verbs ...string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.StartOn = verbs
	}
}

// WithStartNode sets the start node.
func WithStartNode(id string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.StartNodeID = id
	}
}

// WithNodes replaces the definition nodes.
func WithNodes(nodes ...models.Node) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Nodes = nodes
	}
}

// WithEdges replaces the definition edges.
func WithEdges(edges ...models.Edge) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Edges = edges
	}
}

// WithMaxTokens sets the token limit.
func WithMaxTokens(n int) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.MaxTokens = n
	}
}

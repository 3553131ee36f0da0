package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log_action "github.com/dukex/kernelflow/pkg/actions/log"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/registry"
	"github.com/dukex/kernelflow/pkg/testutil"
)

func newDefinitionRegistry(t *testing.T) *Registry {
	t.Helper()

	handlers := registry.NewRegistry(log.Discard())
	handlers.RegisterHandler(log_action.NewLogActionFactory())

	defs, err := NewDefinitionRegistry(handlers)
	require.NoError(t, err)

	return defs
}

func TestRegistry_ValidateDefinition(t *testing.T) {
	base := func() models.WorkflowDefinition {
		def := testutil.CreateTestChain(testutil.TaskNode("a", "log", nil))
		testutil.WithID("d")(&def)
		testutil.WithEntityType("order")(&def)

		return def
	}

	tests := []struct {
		name   string
		mutate func(*models.WorkflowDefinition)
		want   string
	}{
		{name: "missing start node", mutate: func(d *models.WorkflowDefinition) { d.StartNodeID = "x" }, want: "start node"},
		{name: "unknown handler", mutate: func(d *models.WorkflowDefinition) { d.Nodes[0].Handler = "email" }, want: "unknown handler"},
		{name: "task without handler", mutate: func(d *models.WorkflowDefinition) { d.Nodes[0].Handler = "" }, want: "has no handler"},
		{name: "duplicate node", mutate: func(d *models.WorkflowDefinition) { d.Nodes[1].ID = "a" }, want: "duplicate node"},
		{name: "edge to unknown node", mutate: func(d *models.WorkflowDefinition) { d.Edges[0].To = "nowhere" }, want: "enters unknown node"},
		{name: "edge from terminal", mutate: func(d *models.WorkflowDefinition) {
			d.Edges = append(d.Edges, models.Edge{ID: "back", From: "end", To: "a"})
		}, want: "leaves terminal node"},
		{name: "guard syntax", mutate: func(d *models.WorkflowDefinition) { d.Edges[0].Guard = "fields.amount >" }, want: "invalid edge guard"},
		{name: "guard not bool", mutate: func(d *models.WorkflowDefinition) { d.Edges[0].Guard = "'approved'" }, want: "result type"},
		{name: "bad node type", mutate: func(d *models.WorkflowDefinition) { d.Nodes[1].Type = "sink" }, want: "oneof"},
		{name: "no terminal node", mutate: func(d *models.WorkflowDefinition) {
			d.Nodes = d.Nodes[:1]
			d.Edges = []models.Edge{{ID: "a-a", From: "a", To: "a"}}
		}, want: "no terminal node"},
		{name: "no version", mutate: func(d *models.WorkflowDefinition) { d.Version = 0 }, want: "Version"},
	}

	defs := newDefinitionRegistry(t)
	require.NoError(t, defs.ValidateDefinition(base()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(&def)

			err := defs.ValidateDefinition(def)
			require.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistry_RegisterIsImmutable(t *testing.T) {
	defs := newDefinitionRegistry(t)
	def := testutil.CreateTestDefinition(testutil.WithID("d"), testutil.WithEntityType("order"))

	require.NoError(t, defs.Register(def))
	require.ErrorIs(t, defs.Register(def), ErrDefinitionExists)

	def.Nodes[0].ID = "changed"

	stored, err := defs.Get("d", 1)
	require.NoError(t, err)
	assert.Equal(t, "end", stored.Nodes[0].ID)

	def.Version = 2
	def.Nodes[0].ID = "end"
	require.NoError(t, defs.Register(def))

	latest := defs.forEntityType("order")
	require.Len(t, latest, 1)
	assert.Equal(t, 2, latest[0].Version)
	assert.Empty(t, defs.forEntityType("invoice"))

	_, err = defs.Get("d", 3)
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestRegistry_LoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
definitions:
  - id: expense-approval
    version: 1
    entity_type: expense
    start_on: [submit]
    start_node_id: received
    max_tokens: 8
    nodes:
      - id: received
        type: task
        handler: log
        config:
          message: expense received
      - id: route
        type: gateway
      - id: done
        type: terminal
    edges:
      - {id: received-route, from: received, to: route}
      - {id: route-done, from: route, to: done, guard: "fields.amount > 1000 || entity.status == 'submitted'"}
`), 0o600))

	defs := newDefinitionRegistry(t)
	require.NoError(t, defs.LoadDefinitions(path))

	def, err := defs.Get("expense-approval", 1)
	require.NoError(t, err)
	assert.Equal(t, 8, def.MaxTokens)
	assert.True(t, def.StartsOn("submit"))
	assert.False(t, def.StartsOn("create"))
	assert.Equal(t, "expense received", def.Nodes[0].Config["message"])

	require.Error(t, defs.LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestGuard_Eval(t *testing.T) {
	env, err := newGuardEnv()
	require.NoError(t, err)

	activation := map[string]any{
		"entity": map[string]any{"status": "submitted", "version": int64(3)},
		"fields": map[string]any{"amount": 1500.0, "tags": []any{"urgent"}},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{expr: "fields.amount > 1000", want: true},
		{expr: "fields.amount <= 1000", want: false},
		{expr: "entity.status == 'submitted' && entity.version >= 3", want: true},
		{expr: "'urgent' in fields.tags", want: true},
		{expr: "has(fields.owner)", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			g, err := compileGuard(env, tt.expr)
			require.NoError(t, err)

			got, err := g.eval(activation)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	g, err := compileGuard(env, "fields.amount")
	require.NoError(t, err)

	_, err = g.eval(activation)
	require.ErrorIs(t, err, ErrGuardNotBool)
}

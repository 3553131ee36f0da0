package kernel_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionType_InvertsString(t *testing.T) {
	t.Parallel()

	for _, verb := range kernel.Verbs() {
		at := kernel.NewActionType("purchase.order", verb)

		parsed, err := kernel.ParseActionType(at.String())
		require.NoError(t, err)
		assert.Equal(t, at, parsed)
	}
}

func TestParseActionType_Invalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "order", ".create", "order.", "order.archive"} {
		_, err := kernel.ParseActionType(s)
		assert.ErrorIs(t, err, kernel.ErrInvalidActionType, s)
	}
}

func TestActionType_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(kernel.MutationSpec{ActionType: kernel.NewActionType("order", kernel.VerbApprove)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action_type":"order.approve"`)

	var spec kernel.MutationSpec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, kernel.VerbApprove, spec.ActionType.Verb)
}

func TestCatalog_ActionTypesMatchSupports(t *testing.T) {
	t.Parallel()

	catalog, err := kernel.NewCatalog(orderKind(), kernel.EntityKind{
		Type:  "note",
		Verbs: []kernel.Verb{kernel.VerbCreate, kernel.VerbUpdate},
	})
	require.NoError(t, err)

	listed := map[kernel.ActionType]bool{}
	for _, at := range catalog.ActionTypes() {
		listed[at] = true
		assert.True(t, catalog.Supports(at), at.String())
	}

	for _, entityType := range []string{"order", "note", "invoice"} {
		for _, verb := range kernel.Verbs() {
			at := kernel.NewActionType(entityType, verb)
			assert.Equal(t, listed[at], catalog.Supports(at), at.String())
		}
	}

	assert.Len(t, listed, 10)
}

func TestNewCatalog_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind kernel.EntityKind
		want error
	}{
		{
			name: "transition verb without rule",
			kind: kernel.EntityKind{Type: "order", Verbs: []kernel.Verb{kernel.VerbCreate, kernel.VerbSubmit}},
			want: kernel.ErrMissingTransition,
		},
		{
			name: "rule for undeclared verb",
			kind: kernel.EntityKind{
				Type:        "order",
				Verbs:       []kernel.Verb{kernel.VerbCreate},
				Transitions: map[string]kernel.Transition{"approve": {From: []string{"draft"}, To: "approved"}},
			},
			want: kernel.ErrOrphanedTransition,
		},
		{
			name: "no verbs",
			kind: kernel.EntityKind{Type: "order"},
			want: kernel.ErrInvalidKind,
		},
		{
			name: "broken schema",
			kind: kernel.EntityKind{Type: "order", Verbs: []kernel.Verb{kernel.VerbCreate}, Schema: map[string]any{"type": 12}},
			want: kernel.ErrInvalidKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := kernel.NewCatalog(tt.kind)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := kernel.NewCatalog(orderKind(), orderKind())
	assert.ErrorIs(t, err, kernel.ErrDuplicateKind)
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kinds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kinds:
  - type: expense
    verbs: [create, update, submit, approve]
    initial_status: open
    transitions:
      submit: {from: [open], to: submitted}
      approve: {from: [submitted], to: approved}
    schema:
      type: object
      properties:
        amount: {type: number}
    effects:
      - on: [approve]
        channel: webhook
        name: post_ledger
`), 0o600))

	catalog, err := kernel.LoadCatalog(path)
	require.NoError(t, err)

	kind, err := catalog.Kind("expense")
	require.NoError(t, err)
	assert.Equal(t, "open", kind.InitialStatus)
	assert.Equal(t, "status", kind.StatusField)
	assert.True(t, catalog.Supports(kernel.NewActionType("expense", kernel.VerbApprove)))
	assert.False(t, catalog.Supports(kernel.NewActionType("expense", kernel.VerbDelete)))
	assert.Equal(t, []kernel.Verb{kernel.VerbApprove}, kind.Effects[0].On)
}

func TestRolePolicy(t *testing.T) {
	t.Parallel()

	policy := kernel.RolePolicy{Rules: map[string][]string{
		"order.approve": {"manager"},
		"order.*":       {"clerk", "manager"},
	}}
	ctx := context.Background()
	clerk := kernel.Actor{OrgID: "org", Roles: []string{"clerk"}}

	require.NoError(t, policy.Authorize(ctx, clerk, kernel.NewActionType("order", kernel.VerbUpdate)))
	require.NoError(t, policy.Authorize(ctx, clerk, kernel.NewActionType("note", kernel.VerbUpdate)))
	assert.ErrorIs(t, policy.Authorize(ctx, clerk, kernel.NewActionType("order", kernel.VerbApprove)), kernel.ErrPolicyDenied)
}

package await_action

import (
	"context"
	"testing"

	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitActionFactory_Create(t *testing.T) {
	factory := NewAwaitActionFactory()
	assert.Equal(t, "await", factory.ID())

	tests := []struct {
		name    string
		config  map[string]any
		want    []string
		wantErr bool
	}{
		{name: "single status", config: map[string]any{"until": "approved"}, want: []string{"approved"}},
		{name: "yaml list", config: map[string]any{"until": []any{"approved", "rejected"}}, want: []string{"approved", "rejected"}},
		{name: "missing", config: map[string]any{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, err := factory.Create(tt.config)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUntilRequired)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, handler.(*AwaitAction).Until)
		})
	}
}

func TestAwaitAction_Execute(t *testing.T) {
	action := &AwaitAction{Until: []string{"approved"}}

	out, err := action.Execute(context.Background(), protocol.NodeInput{Entity: protocol.EntityView{Status: "submitted"}}, log.Discard())
	require.NoError(t, err)
	assert.True(t, out.Wait)

	out, err = action.Execute(context.Background(), protocol.NodeInput{Entity: protocol.EntityView{Status: "approved"}}, log.Discard())
	require.NoError(t, err)
	assert.False(t, out.Wait)
}

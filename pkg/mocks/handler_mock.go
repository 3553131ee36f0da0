package mocks

import (
	"context"
	"log/slog"

	"github.com/dukex/kernelflow/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockHandler is a mock implementation of protocol.Handler interface.
type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) Execute(ctx context.Context, input protocol.NodeInput, logger *slog.Logger) (protocol.NodeOutput, error) {
	args := m.Called(ctx, input)

	output, _ := args.Get(0).(protocol.NodeOutput)

	return output, args.Error(1)
}

// MockHandlerFactory is a mock implementation of protocol.HandlerFactory
// interface.
type MockHandlerFactory struct {
	mock.Mock
}

func (m *MockHandlerFactory) Create(config map[string]any) (protocol.Handler, error) { //nolint:ireturn
	args := m.Called(config)

	handler, _ := args.Get(0).(protocol.Handler)

	return handler, args.Error(1)
}

func (m *MockHandlerFactory) ID() string {
	args := m.Called()

	return args.String(0)
}

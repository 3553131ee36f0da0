package mocks

import (
	"context"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockSender is a mock implementation of outbox.Sender interface.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Deliver(ctx context.Context, effect models.SideEffect) error {
	args := m.Called(ctx, effect)

	return args.Error(0)
}

// MockEngineHandler is a mock implementation of outbox.EngineHandler interface.
type MockEngineHandler struct {
	mock.Mock
}

func (m *MockEngineHandler) HandleEngineEvent(ctx context.Context, eventID string, event models.EngineEvent) error {
	args := m.Called(ctx, eventID, event)

	return args.Error(0)
}

package mocks

import (
	"context"

	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence
// interface. WithinTx runs fn against the Tx returned by the expectation,
// or a nil Tx when none was given.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	args := m.Called(ctx)
	if err := args.Error(1); err != nil {
		return err
	}

	tx, _ := args.Get(0).(persistence.Tx)

	return fn(ctx, tx)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

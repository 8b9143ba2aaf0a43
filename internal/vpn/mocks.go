package vpn

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockConfigurator is a mock implementation of the Configurator interface.
type MockConfigurator struct {
	mock.Mock
}

func (m *MockConfigurator) Apply(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockConfigurator) Verify(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

package services

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockUnitManager is a mock implementation of the UnitManager interface.
type MockUnitManager struct {
	mock.Mock
}

func (m *MockUnitManager) StartUnit(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockUnitManager) StopUnit(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// mockConn is a mock systemd connection for SystemdManager tests.
type mockConn struct {
	mock.Mock
}

func (m *mockConn) StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	args := m.Called(ctx, name, mode, ch)
	return args.Int(0), args.Error(1)
}

func (m *mockConn) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	args := m.Called(ctx, name, mode, ch)
	return args.Int(0), args.Error(1)
}

func (m *mockConn) Close() {
	m.Called()
}

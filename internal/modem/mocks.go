package modem

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockControlClient is a mock implementation of the ControlClient interface.
type MockControlClient struct {
	mock.Mock
}

func (m *MockControlClient) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockControlClient) GetPowerMode(ctx context.Context) (OperationMode, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(OperationMode), args.Bool(1), args.Error(2)
}

func (m *MockControlClient) SetPowerMode(ctx context.Context, mode OperationMode) (OperationMode, error) {
	args := m.Called(ctx, mode)
	return args.Get(0).(OperationMode), args.Error(1)
}

func (m *MockControlClient) ModelID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockControlClient) Shutdown(ctx context.Context, releaseCache bool) error {
	args := m.Called(ctx, releaseCache)
	return args.Error(0)
}

// MockSessionClient is a mock implementation of the SessionClient interface.
type MockSessionClient struct {
	mock.Mock
}

func (m *MockSessionClient) GetAutoconnect(ctx context.Context) (AutoconnectSetting, AutoconnectRoamSetting, error) {
	args := m.Called(ctx)
	return args.Get(0).(AutoconnectSetting), args.Get(1).(AutoconnectRoamSetting), args.Error(2)
}

func (m *MockSessionClient) SetAutoconnect(ctx context.Context, ac AutoconnectSetting, roam AutoconnectRoamSetting) error {
	args := m.Called(ctx, ac, roam)
	return args.Error(0)
}

func (m *MockSessionClient) SetIPFamilyPreference(ctx context.Context, family IPFamily) error {
	args := m.Called(ctx, family)
	return args.Error(0)
}

func (m *MockSessionClient) StartSession(ctx context.Context, profileID uint32) (uint32, error) {
	args := m.Called(ctx, profileID)
	return args.Get(0).(uint32), args.Error(1)
}

func (m *MockSessionClient) StopSession(ctx context.Context, sessionID uint32) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockSessionClient) GetRuntimeSettings(ctx context.Context) (RuntimeSettings, error) {
	args := m.Called(ctx)
	return args.Get(0).(RuntimeSettings), args.Error(1)
}

func (m *MockSessionClient) GetConnectionStatus(ctx context.Context) (ConnectionStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(ConnectionStatus), args.Error(1)
}

func (m *MockSessionClient) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockSessionFactory is a mock implementation of the SessionFactory interface.
type MockSessionFactory struct {
	mock.Mock
}

func (m *MockSessionFactory) NewSession(ctx context.Context) (SessionClient, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(SessionClient), args.Error(1)
}

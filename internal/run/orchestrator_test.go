package run

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carrier.is/modemd/internal/clock"
	"carrier.is/modemd/internal/logging"
	"carrier.is/modemd/internal/modem"
	"carrier.is/modemd/internal/services"
	"carrier.is/modemd/internal/vpn"
)

// mockNetworkSession is a mock implementation of the NetworkSession
// interface.
type mockNetworkSession struct {
	mock.Mock
}

func (m *mockNetworkSession) ReloadLinkCache() error {
	return m.Called().Error(0)
}

func (m *mockNetworkSession) FlushAddresses() error {
	return m.Called().Error(0)
}

func (m *mockNetworkSession) EnsureAddress(family int, address net.IP, prefixLen int) error {
	return m.Called(family, address, prefixLen).Error(0)
}

func (m *mockNetworkSession) EnsureDefaultRoute(family int, local, gateway net.IP) error {
	return m.Called(family, local, gateway).Error(0)
}

func (m *mockNetworkSession) EnsureTunnelRoutes() error {
	return m.Called().Error(0)
}

func (m *mockNetworkSession) EnsureCellularState(wantUp bool) error {
	return m.Called(wantUp).Error(0)
}

func (m *mockNetworkSession) EnsureTunnelState(wantUp bool) error {
	return m.Called(wantUp).Error(0)
}

type fixture struct {
	net     *mockNetworkSession
	control *modem.MockControlClient
	factory *modem.MockSessionFactory
	units   *services.MockUnitManager
	vpn     *vpn.MockConfigurator
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		net:     new(mockNetworkSession),
		control: new(modem.MockControlClient),
		factory: new(modem.MockSessionFactory),
		units:   new(services.MockUnitManager),
		vpn:     new(vpn.MockConfigurator),
	}
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	cfg := Config{ProfileID: 3, Backoff: time.Millisecond, PollInterval: time.Millisecond}
	f.orch = New(f.net, f.control, f.factory, f.units, f.vpn,
		logger, clock.NewMockClock(time.Unix(1000, 0)), cfg)
	return f
}

func v6Settings() modem.RuntimeSettings {
	return modem.RuntimeSettings{
		Address:      net.ParseIP("2600:70fa::9"),
		Gateway:      net.ParseIP("2600:70fa::1"),
		PrefixLength: 64,
	}
}

func v4Settings() modem.RuntimeSettings {
	return modem.RuntimeSettings{
		Address:      net.ParseIP("100.71.1.23"),
		Gateway:      net.ParseIP("100.71.1.24"),
		PrefixLength: 28,
	}
}

// expectAutoconnectPin satisfies the one-time autoconnect check at the top
// of Run with a client that already matches the desired policy.
func (f *fixture) expectAutoconnectPin() *modem.MockSessionClient {
	ac := new(modem.MockSessionClient)
	ac.On("GetAutoconnect", mock.Anything).
		Return(modem.AutoconnectDisabled, modem.RoamHomeOnly, nil).Once()
	ac.On("Close", mock.Anything).Return(nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(ac, nil).Once()
	return ac
}

func (f *fixture) expectConvergedNetwork() {
	f.net.On("EnsureTunnelState", false).Return(nil)
	f.net.On("EnsureTunnelState", true).Return(nil)
	f.net.On("ReloadLinkCache").Return(nil)
	f.net.On("EnsureCellularState", true).Return(nil)
	f.net.On("EnsureCellularState", false).Return(nil)
	f.net.On("FlushAddresses").Return(nil)
	f.net.On("EnsureAddress", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.net.On("EnsureDefaultRoute", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.net.On("EnsureTunnelRoutes").Return(nil)
}

func (f *fixture) expectModemOnline() {
	f.control.On("Initialize", mock.Anything).Return(nil)
	f.control.On("GetPowerMode", mock.Anything).Return(modem.ModeOnline, false, nil)
	f.control.On("ModelID").Return("EM9191")
	f.control.On("Shutdown", mock.Anything, mock.Anything).Return(nil)
}

func (f *fixture) expectUnits() {
	f.units.On("StopUnit", mock.Anything, mock.Anything).Return(nil)
	f.units.On("StartUnit", mock.Anything, mock.Anything).Return(nil)
}

// newSessionClient builds a client whose session starts cleanly and stays
// connected until stopped.
func newSessionClient(family modem.IPFamily, id uint32, settings modem.RuntimeSettings) *modem.MockSessionClient {
	c := new(modem.MockSessionClient)
	c.On("SetIPFamilyPreference", mock.Anything, family).Return(nil)
	c.On("StartSession", mock.Anything, uint32(3)).Return(id, nil)
	c.On("GetRuntimeSettings", mock.Anything).Return(settings, nil)
	c.On("GetConnectionStatus", mock.Anything).Return(modem.StatusConnected, nil)
	c.On("StopSession", mock.Anything, id).Return(nil)
	c.On("Close", mock.Anything).Return(nil)
	return c
}

func TestRunCleanShutdownOnSignal(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.vpn.On("Apply", mock.Anything).Return(nil)
	f.vpn.On("Verify", mock.Anything).Return(nil)

	// An exit request must leave the context the unwind runs on alive;
	// every teardown call records the liveness it observed. All captures
	// happen on the Run goroutine.
	var unwindCtxErrs []error
	captureCtx := func(args mock.Arguments) {
		unwindCtxErrs = append(unwindCtxErrs, args.Get(0).(context.Context).Err())
	}

	f.control.On("Initialize", mock.Anything).Return(nil)
	f.control.On("GetPowerMode", mock.Anything).Return(modem.ModeOnline, false, nil)
	f.control.On("ModelID").Return("EM9191")
	f.control.On("Shutdown", mock.Anything, mock.Anything).Run(captureCtx).Return(nil)
	f.units.On("StartUnit", mock.Anything, mock.Anything).Return(nil)
	f.units.On("StopUnit", mock.Anything, mock.Anything).Run(captureCtx).Return(nil)

	c6 := new(modem.MockSessionClient)
	c6.On("SetIPFamilyPreference", mock.Anything, modem.IPv6).Return(nil)
	c6.On("StartSession", mock.Anything, uint32(3)).Return(uint32(7), nil)
	c6.On("GetRuntimeSettings", mock.Anything).Return(v6Settings(), nil)
	c6.On("GetConnectionStatus", mock.Anything).Return(modem.StatusConnected, nil)
	c6.On("StopSession", mock.Anything, uint32(7)).Run(captureCtx).Return(nil)
	c6.On("Close", mock.Anything).Return(nil)

	c4 := new(modem.MockSessionClient)
	c4.On("SetIPFamilyPreference", mock.Anything, modem.IPv4).Return(nil)
	c4.On("StartSession", mock.Anything, uint32(3)).Return(uint32(8), nil)
	c4.On("GetRuntimeSettings", mock.Anything).Return(v4Settings(), nil)
	c4.On("GetConnectionStatus", mock.Anything).
		Run(func(mock.Arguments) { f.orch.RequestExit() }).
		Return(modem.StatusConnected, nil)
	c4.On("StopSession", mock.Anything, uint32(8)).Run(captureCtx).Return(nil)
	c4.On("Close", mock.Anything).Return(nil)

	f.factory.On("NewSession", mock.Anything).Return(c6, nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(c4, nil).Once()

	err := f.orch.Run(context.Background())
	assert.NoError(t, err)
	assert.True(t, f.orch.ExitRequested())

	// Full bring-up happened and unwound in order.
	f.units.AssertCalled(t, "StartUnit", mock.Anything, services.UnitDNSResolver)
	f.units.AssertCalled(t, "StartUnit", mock.Anything, services.UnitTimeSync)
	c4.AssertCalled(t, "StopSession", mock.Anything, uint32(8))
	c6.AssertCalled(t, "StopSession", mock.Anything, uint32(7))
	f.net.AssertCalled(t, "EnsureTunnelRoutes")
	f.control.AssertCalled(t, "Shutdown", mock.Anything, true)

	// No teardown call saw a dead context.
	require.NotEmpty(t, unwindCtxErrs)
	for _, err := range unwindCtxErrs {
		assert.NoError(t, err)
	}
}

func TestRunSessionStartRejectedIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.expectModemOnline()
	f.expectUnits()

	ctx, cancel := context.WithCancel(context.Background())

	c6 := new(modem.MockSessionClient)
	c6.On("SetIPFamilyPreference", mock.Anything, modem.IPv6).Return(nil)
	c6.On("StartSession", mock.Anything, uint32(3)).
		Run(func(mock.Arguments) { cancel() }).
		Return(uint32(0), &modem.StartError{Err: assert.AnError}).Once()
	c6.On("Close", mock.Anything).Return(nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(c6, nil).Once()

	err := f.orch.Run(ctx)
	assert.Error(t, err)

	// A rejected start does not force exit; the loop ended because of the
	// canceled context.
	assert.False(t, f.orch.ExitRequested())
	c6.AssertNotCalled(t, "StopSession", mock.Anything, mock.Anything)
	f.net.AssertNotCalled(t, "EnsureAddress", mock.Anything, mock.Anything, mock.Anything)
	f.net.AssertCalled(t, "EnsureCellularState", false)
}

func TestRunIncompleteRuntimeSettingsIsFatal(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.expectModemOnline()
	f.expectUnits()

	// Gateway present but address absent: the session came up unusable.
	c6 := new(modem.MockSessionClient)
	c6.On("SetIPFamilyPreference", mock.Anything, modem.IPv6).Return(nil)
	c6.On("StartSession", mock.Anything, uint32(3)).Return(uint32(7), nil).Once()
	c6.On("GetRuntimeSettings", mock.Anything).
		Return(modem.RuntimeSettings{Gateway: net.ParseIP("2600:70fa::1")}, nil).Once()
	c6.On("StopSession", mock.Anything, uint32(7)).Return(nil).Once()
	c6.On("Close", mock.Anything).Return(nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(c6, nil).Once()

	err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, modem.ErrSettingsIncomplete)
	assert.True(t, f.orch.ExitRequested())

	// The session was still unwound, but no host configuration happened.
	c6.AssertCalled(t, "StopSession", mock.Anything, uint32(7))
	f.net.AssertNotCalled(t, "EnsureAddress", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunTunnelFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.expectModemOnline()
	f.expectUnits()

	ctx, cancel := context.WithCancel(context.Background())
	f.vpn.On("Apply", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(assert.AnError).Once()

	c6 := newSessionClient(modem.IPv6, 7, v6Settings())
	c4 := newSessionClient(modem.IPv4, 8, v4Settings())
	f.factory.On("NewSession", mock.Anything).Return(c6, nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(c4, nil).Once()

	err := f.orch.Run(ctx)
	assert.Error(t, err)
	assert.False(t, f.orch.ExitRequested())

	// DNS came up before the tunnel attempt; time sync never did. Both
	// sessions were unwound.
	f.units.AssertCalled(t, "StartUnit", mock.Anything, services.UnitDNSResolver)
	f.units.AssertNotCalled(t, "StartUnit", mock.Anything, services.UnitTimeSync)
	c4.AssertCalled(t, "StopSession", mock.Anything, uint32(8))
	c6.AssertCalled(t, "StopSession", mock.Anything, uint32(7))
}

func TestRunModemRefusesOnlineIsFatal(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.expectUnits()

	f.control.On("Initialize", mock.Anything).Return(nil).Once()
	f.control.On("GetPowerMode", mock.Anything).
		Return(modem.ModeLowPower, true, nil).Once()
	f.control.On("Shutdown", mock.Anything, true).Return(nil).Once()

	err := f.orch.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, f.orch.ExitRequested())

	// Only the autoconnect pin opened a data service.
	f.factory.AssertNumberOfCalls(t, "NewSession", 1)
	f.control.AssertExpectations(t)
}

func TestRunAutoconnectPinFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.net.On("EnsureTunnelState", false).Return(nil).Once()

	ac := new(modem.MockSessionClient)
	ac.On("GetAutoconnect", mock.Anything).
		Return(modem.AutoconnectInvalid, modem.RoamInvalid, assert.AnError).Once()
	ac.On("Close", mock.Anything).Return(nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(ac, nil).Once()

	err := f.orch.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, f.orch.ExitRequested())
	f.net.AssertNotCalled(t, "ReloadLinkCache")
}

func TestRunTeardownTailRunsAfterControlFailure(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.expectUnits()

	f.control.On("Initialize", mock.Anything).Return(assert.AnError).Once()

	err := f.orch.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, f.orch.ExitRequested())

	// Even though the modem never opened, the links were brought back down
	// and the services stopped.
	f.net.AssertCalled(t, "EnsureCellularState", false)
	f.net.AssertCalled(t, "EnsureTunnelState", false)
	f.units.AssertCalled(t, "StopUnit", mock.Anything, services.UnitTimeSync)
	f.units.AssertCalled(t, "StopUnit", mock.Anything, services.UnitDNSResolver)
}

func TestRunTeardownAbortsWhenLinkReloadFails(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.net.On("EnsureTunnelState", false).Return(nil).Once()
	f.net.On("ReloadLinkCache").Return(nil).Once()
	f.net.On("ReloadLinkCache").Return(assert.AnError)
	f.net.On("EnsureCellularState", true).Return(nil)
	f.net.On("FlushAddresses").Return(nil)
	f.units.On("StopUnit", mock.Anything, mock.Anything).Return(nil)

	f.control.On("Initialize", mock.Anything).Return(assert.AnError).Once()

	err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, f.orch.ExitRequested())

	// Without fresh link handles nothing further is unwound: no link-state
	// changes, and the services were only stopped at the head of the
	// attempt.
	f.net.AssertNotCalled(t, "EnsureCellularState", false)
	f.net.AssertNumberOfCalls(t, "EnsureTunnelState", 1)
	f.units.AssertNumberOfCalls(t, "StopUnit", 2)
}

func TestRunNetworkTeardownReconnects(t *testing.T) {
	f := newFixture(t)
	f.expectAutoconnectPin()
	f.expectConvergedNetwork()
	f.expectModemOnline()
	f.expectUnits()
	f.vpn.On("Apply", mock.Anything).Return(nil)
	f.vpn.On("Verify", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())

	// First attempt: the network drops the IPv4 session mid-monitor.
	c6 := newSessionClient(modem.IPv6, 7, v6Settings())
	c4 := new(modem.MockSessionClient)
	c4.On("SetIPFamilyPreference", mock.Anything, modem.IPv4).Return(nil)
	c4.On("StartSession", mock.Anything, uint32(3)).Return(uint32(8), nil)
	c4.On("GetRuntimeSettings", mock.Anything).Return(v4Settings(), nil)
	c4.On("GetConnectionStatus", mock.Anything).Return(modem.StatusConnected, nil).Once()
	c4.On("GetConnectionStatus", mock.Anything).Return(modem.StatusDisconnected, nil)
	c4.On("StopSession", mock.Anything, uint32(8)).
		Run(func(mock.Arguments) { cancel() }).Return(nil)
	c4.On("Close", mock.Anything).Return(nil)
	f.factory.On("NewSession", mock.Anything).Return(c6, nil).Once()
	f.factory.On("NewSession", mock.Anything).Return(c4, nil).Once()

	err := f.orch.Run(ctx)
	require.NoError(t, err)

	// The drop ended the monitor phase without forcing exit.
	assert.False(t, f.orch.ExitRequested())
	c4.AssertCalled(t, "StopSession", mock.Anything, uint32(8))
	c6.AssertCalled(t, "StopSession", mock.Anything, uint32(7))
}

// Package run drives the bring-up/monitor/teardown cycle that keeps the
// cellular uplink and the tunnel over it converged with the carrier's
// session state.
package run

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"carrier.is/modemd/internal/clock"
	"carrier.is/modemd/internal/logging"
	"carrier.is/modemd/internal/modem"
	"carrier.is/modemd/internal/services"
	"carrier.is/modemd/internal/vpn"
)

const (
	// DefaultProfileID is the carrier's 3GPP profile for the data sessions.
	DefaultProfileID uint32 = 3

	// DefaultBackoff is the pause between bring-up attempts.
	DefaultBackoff = 10 * time.Second

	// DefaultPollInterval is how often the monitor phase re-checks the
	// teardown flags and how often the watchers poll session status.
	DefaultPollInterval = time.Second
)

// severity classifies a failed step. Retryable failures abandon the
// current attempt and rely on the next iteration; fatal ones additionally
// request loop exit.
type severity int

const (
	severityRetryable severity = iota
	severityFatal
)

// NetworkSession is the slice of the netlink session the orchestrator
// drives. Implemented by *network.Session.
type NetworkSession interface {
	ReloadLinkCache() error
	FlushAddresses() error
	EnsureAddress(family int, address net.IP, prefixLen int) error
	EnsureDefaultRoute(family int, local, gateway net.IP) error
	EnsureTunnelRoutes() error
	EnsureCellularState(wantUp bool) error
	EnsureTunnelState(wantUp bool) error
}

// Config carries the orchestrator's tunables.
type Config struct {
	ProfileID    uint32
	Backoff      time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		ProfileID:    DefaultProfileID,
		Backoff:      DefaultBackoff,
		PollInterval: DefaultPollInterval,
	}
}

// Orchestrator owns the control flow. All collaborator calls happen on the
// goroutine that called Run; the only cross-goroutine state is the exit
// flag and the sessions' teardown flags.
type Orchestrator struct {
	net      NetworkSession
	control  modem.ControlClient
	sessions modem.SessionFactory
	units    services.UnitManager
	vpn      vpn.Configurator
	logger   *logging.Logger
	clk      clock.Clock
	cfg      Config

	exit     atomic.Bool
	exitCh   chan struct{}
	exitOnce sync.Once
}

// New wires an orchestrator from its collaborators.
func New(netSession NetworkSession, control modem.ControlClient, sessions modem.SessionFactory,
	units services.UnitManager, tunnel vpn.Configurator,
	logger *logging.Logger, clk clock.Clock, cfg Config) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if cfg.ProfileID == 0 {
		cfg.ProfileID = DefaultProfileID
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Orchestrator{
		net:      netSession,
		control:  control,
		sessions: sessions,
		units:    units,
		vpn:      tunnel,
		logger:   logger.WithComponent("run"),
		clk:      clk,
		cfg:      cfg,
		exitCh:   make(chan struct{}),
	}
}

// RequestExit asks the loop to stop after the current attempt unwinds.
// Safe to call from any goroutine. Signal handlers route through here so
// that in-flight collaborator calls, teardown included, are never
// interrupted; only the monitor poll and the backoff sleep wake early.
func (o *Orchestrator) RequestExit() {
	o.exit.Store(true)
	o.exitOnce.Do(func() { close(o.exitCh) })
}

// Run executes the convergence loop until an exit is requested, either by
// the context (signal) or by a fatal failure. The returned error is the
// status of the last attempt; nil means the loop ended cleanly.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.net.EnsureTunnelState(false); err != nil {
		return o.fail(severityFatal, err, "Failed to force tunnel down")
	}
	if err := o.ensureAutoconnectDisabled(ctx); err != nil {
		return o.fail(severityFatal, err, "Failed to pin modem autoconnect policy")
	}

	var status error
	for !o.exitRequested(ctx) {
		status = o.iterate(ctx)
		if o.exitRequested(ctx) {
			break
		}
		o.sleep(ctx, o.cfg.Backoff)
	}

	o.logger.Info("Convergence loop finished", "clean", status == nil)
	return status
}

// ExitRequested reports whether a fatal failure asked the loop to stop.
func (o *Orchestrator) ExitRequested() bool {
	return o.exit.Load()
}

// iterate runs one full bring-up/monitor/teardown cycle. The teardown tail
// always runs so a failed attempt never leaves links up or services
// running.
func (o *Orchestrator) iterate(ctx context.Context) error {
	if err := o.net.ReloadLinkCache(); err != nil {
		return o.fail(severityFatal, err, "Failed to reload link cache")
	}
	if err := o.units.StopUnit(ctx, services.UnitTimeSync); err != nil {
		return o.fail(severityFatal, err, "Failed to stop time sync")
	}
	if err := o.units.StopUnit(ctx, services.UnitDNSResolver); err != nil {
		return o.fail(severityFatal, err, "Failed to stop DNS resolver")
	}
	if err := o.net.EnsureCellularState(true); err != nil {
		return o.fail(severityFatal, err, "Failed to bring cellular link up")
	}
	if err := o.net.FlushAddresses(); err != nil {
		return o.fail(severityFatal, err, "Failed to flush cellular addresses")
	}

	status := o.withModemOnline(ctx)

	// Teardown tail. Link handles may be stale after a long session, so
	// refresh them before touching link state. Without usable handles
	// nothing further can be unwound.
	if err := o.net.ReloadLinkCache(); err != nil {
		return o.fail(severityFatal, err, "Failed to reload link cache for teardown")
	}
	if err := o.net.EnsureCellularState(false); err != nil {
		status = o.fail(severityFatal, err, "Failed to bring cellular link down")
	}
	if err := o.net.EnsureTunnelState(false); err != nil {
		status = o.fail(severityFatal, err, "Failed to bring tunnel down")
	}
	if err := o.units.StopUnit(ctx, services.UnitTimeSync); err != nil {
		status = o.fail(severityFatal, err, "Failed to stop time sync")
	}
	if err := o.units.StopUnit(ctx, services.UnitDNSResolver); err != nil {
		status = o.fail(severityFatal, err, "Failed to stop DNS resolver")
	}
	return status
}

// withModemOnline opens the modem control service, forces online mode, and
// runs the session bring-up inside that bracket. The control service is
// shut down on every path; the immutable-field cache is released only when
// this is the last iteration.
func (o *Orchestrator) withModemOnline(ctx context.Context) error {
	if err := o.control.Initialize(ctx); err != nil {
		return o.fail(severityFatal, err, "Failed to open modem control service")
	}

	var status error
	mode, err := modem.EnsurePowerMode(ctx, o.control, modem.ModeOnline)
	switch {
	case err != nil:
		status = o.fail(severityFatal, err, "Failed to bring modem online")
	case mode != modem.ModeOnline:
		status = o.fail(severityFatal,
			fmt.Errorf("modem is in mode %s", mode), "Modem refused online mode")
	default:
		o.logger.Info("Modem online", "model", o.control.ModelID())
		status = o.bringUpIPv6(ctx)
	}

	if err := o.control.Shutdown(ctx, o.exitRequested(ctx)); err != nil {
		status = o.fail(severityFatal, err, "Failed to close modem control service")
	}
	return status
}

// bringUpIPv6 opens the first data session. IPv6 comes up first; IPv4 is
// nested inside it so the unwind order is always v4 before v6.
func (o *Orchestrator) bringUpIPv6(ctx context.Context) error {
	client, err := o.sessions.NewSession(ctx)
	if err != nil {
		return o.fail(severityFatal, err, "Failed to open IPv6 data service")
	}
	s6 := modem.NewSession(client, modem.IPv6, o.cfg.ProfileID, o.logger)

	status := o.runSession(ctx, s6, o.bringUpIPv4)

	if err := client.Close(ctx); err != nil {
		status = o.fail(severityFatal, err, "Failed to close IPv6 data service")
	}
	return status
}

func (o *Orchestrator) bringUpIPv4(ctx context.Context, s6 *modem.Session) error {
	client, err := o.sessions.NewSession(ctx)
	if err != nil {
		return o.fail(severityFatal, err, "Failed to open IPv4 data service")
	}
	s4 := modem.NewSession(client, modem.IPv4, o.cfg.ProfileID, o.logger)

	status := o.runSession(ctx, s4, func(ctx context.Context, s4 *modem.Session) error {
		return o.connectAndMonitor(ctx, s4, s6)
	})

	if err := client.Close(ctx); err != nil {
		status = o.fail(severityFatal, err, "Failed to close IPv4 data service")
	}
	return status
}

// runSession brackets onUp between session start and stop. A rejected
// start is retryable; the carrier may simply not be ready yet. Stopping a
// session that is already gone is not a failure.
func (o *Orchestrator) runSession(ctx context.Context, s *modem.Session,
	onUp func(context.Context, *modem.Session) error) error {
	if err := s.Start(ctx); err != nil {
		return o.fail(severityRetryable, err, "Data session start rejected",
			"family", s.Family.String())
	}

	status := o.configureHost(ctx, s)
	if status == nil {
		status = onUp(ctx, s)
	}

	if err := s.Stop(ctx); err != nil && !errors.Is(err, modem.ErrNoEffect) {
		status = o.fail(severityFatal, err, "Failed to stop data session",
			"family", s.Family.String())
	}
	return status
}

// configureHost pulls the session's runtime settings and converges the
// host on them: one address per family plus the default route through the
// carrier gateway.
func (o *Orchestrator) configureHost(ctx context.Context, s *modem.Session) error {
	if err := s.FetchRuntimeSettings(ctx); err != nil {
		if errors.Is(err, modem.ErrSettingsIncomplete) {
			return o.fail(severityFatal, err, "Unusable runtime settings",
				"family", s.Family.String())
		}
		return o.fail(severityRetryable, err, "Failed to query runtime settings",
			"family", s.Family.String())
	}

	family := unix.AF_INET
	if s.Family == modem.IPv6 {
		family = unix.AF_INET6
	}

	if err := o.net.EnsureAddress(family, s.Settings.Address, s.Settings.PrefixLength); err != nil {
		return o.fail(severityFatal, err, "Failed to converge addresses",
			"family", s.Family.String())
	}
	if err := o.net.EnsureDefaultRoute(family, s.Settings.Address, s.Settings.Gateway); err != nil {
		return o.fail(severityFatal, err, "Failed to install default route",
			"family", s.Family.String())
	}
	return nil
}

// connectAndMonitor runs once both sessions are up and the host is
// configured: start the DNS resolver, bring the tunnel up, start time
// sync, then hold until a session drops or exit is requested.
func (o *Orchestrator) connectAndMonitor(ctx context.Context, s4, s6 *modem.Session) error {
	if err := o.units.StartUnit(ctx, services.UnitDNSResolver); err != nil {
		return o.fail(severityFatal, err, "Failed to start DNS resolver")
	}

	if err := o.bringUpTunnel(ctx); err != nil {
		return o.fail(severityRetryable, err, "Failed to bring up tunnel")
	}

	if err := o.units.StartUnit(ctx, services.UnitTimeSync); err != nil {
		return o.fail(severityFatal, err, "Failed to start time sync")
	}

	connectedAt := o.clk.Now()
	o.logger.Info("Uplink established")
	o.waitWhileUp(ctx, s4, s6)
	o.logger.Info("Leaving connected state", "uptime", o.clk.Since(connectedAt).String())
	return nil
}

// bringUpTunnel loads the tunnel configuration, brings the interface up,
// and installs the static routes over it. The wgctrl verification is
// advisory; a probe failure does not tear the attempt down.
func (o *Orchestrator) bringUpTunnel(ctx context.Context) error {
	if err := o.vpn.Apply(ctx); err != nil {
		return err
	}
	if err := o.net.EnsureTunnelState(true); err != nil {
		return err
	}
	if err := o.net.EnsureTunnelRoutes(); err != nil {
		return err
	}
	if err := o.vpn.Verify(ctx); err != nil {
		o.logger.Warn("Tunnel verification failed", "error", err)
	}
	return nil
}

// waitWhileUp polls the sessions' teardown flags while the watchers feed
// them from connection-status indications. Returns when either session is
// torn down by the network or exit is requested.
func (o *Orchestrator) waitWhileUp(ctx context.Context, s4, s6 *modem.Session) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go modem.Watch(wctx, s4, o.cfg.PollInterval)
	go modem.Watch(wctx, s6, o.cfg.PollInterval)

	for {
		if o.exitRequested(ctx) {
			return
		}
		if s4.TeardownRequested() || s6.TeardownRequested() {
			o.logger.Warn("Data session torn down by network; reconnecting")
			return
		}
		o.sleep(ctx, o.cfg.PollInterval)
	}
}

// ensureAutoconnectDisabled pins the modem's autoconnect policy so session
// lifecycle stays under our control.
func (o *Orchestrator) ensureAutoconnectDisabled(ctx context.Context) error {
	client, err := o.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	err = modem.EnsureAutoconnect(ctx, client, modem.AutoconnectDisabled, modem.RoamHomeOnly)
	if cerr := client.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// fail logs a failed step and, for fatal severity, requests loop exit. The
// original error is returned unchanged so callers can propagate it as the
// attempt's status.
func (o *Orchestrator) fail(sev severity, err error, msg string, fields ...any) error {
	fields = append(fields, "error", err)
	o.logger.Error(msg, fields...)
	if sev == severityFatal {
		o.RequestExit()
	}
	return err
}

func (o *Orchestrator) exitRequested(ctx context.Context) bool {
	return o.exit.Load() || ctx.Err() != nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-o.exitCh:
	case <-t.C:
	}
}

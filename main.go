// modemd keeps a WWAN modem's data sessions, the host's network
// configuration, and the VPN tunnel over the cellular uplink converged. It
// runs as a foreground daemon under systemd and exits only on SIGINT or an
// unrecoverable failure.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"carrier.is/modemd/internal/clock"
	"carrier.is/modemd/internal/cmdexec"
	"carrier.is/modemd/internal/logging"
	"carrier.is/modemd/internal/modem/qmi"
	"carrier.is/modemd/internal/network"
	"carrier.is/modemd/internal/run"
	"carrier.is/modemd/internal/services"
	"carrier.is/modemd/internal/vpn"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	debug := flag.Bool("debug", false, "enable debug logging")
	jsonLogs := flag.Bool("json", false, "emit logs as JSON")
	device := flag.String("device", qmi.DefaultDevice, "QMI control device")
	wgConfig := flag.String("wg-config", vpn.DefaultConfigPath, "WireGuard configuration file")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.JSON = *jsonLogs
	if *debug {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.New(logCfg)
	logging.SetDefault(logger)

	ctx := context.Background()

	logger.Info("Starting", "device", *device)

	netSession := network.NewSession(&network.RealNetlinker{}, logger)
	if err := netSession.Initialize(); err != nil {
		logger.Error("Failed to initialize netlink session", "error", err)
		return 1
	}
	defer netSession.Close()

	units, err := services.NewSystemdManager(ctx, logger)
	if err != nil {
		logger.Error("Failed to connect to systemd", "error", err)
		return 1
	}
	defer units.Close()

	exec := &cmdexec.RealCommandExecutor{}
	control := qmi.NewControl(exec, *device, logger)
	sessions := &qmi.Factory{Exec: exec, Device: *device, Logger: logger}
	tunnel := vpn.NewWireGuard(exec, network.TunnelInterface, *wgConfig, logger)

	orch := run.New(netSession, control, sessions, units, tunnel,
		logger, &clock.RealClock{}, run.DefaultConfig())

	// A signal only requests exit. In-flight modem, netlink, and systemd
	// calls run to completion so the unwind can finish; interrupting them
	// would strand half-configured state.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Signal received; shutting down", "signal", sig.String())
		orch.RequestExit()
	}()

	status := orch.Run(ctx)

	// Final unwind: strip the cellular interface and bring it down so
	// nothing routes over a link nobody is supervising.
	if err := netSession.FlushAddresses(); err != nil {
		logger.Error("Failed to flush addresses during shutdown", "error", err)
	}
	if err := netSession.ReloadLinkCache(); err != nil {
		logger.Error("Failed to reload links during shutdown", "error", err)
	} else if err := netSession.EnsureCellularState(false); err != nil {
		logger.Error("Failed to bring cellular link down during shutdown", "error", err)
	}

	if status != nil {
		logger.Error("Exited with failure", "error", status)
		return 1
	}
	logger.Info("Exited cleanly")
	return 0
}

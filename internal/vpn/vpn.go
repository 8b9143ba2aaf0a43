// Package vpn loads the WireGuard tunnel configuration onto the tunnel
// interface and verifies the device afterwards.
package vpn

import (
	"context"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl"

	"carrier.is/modemd/internal/cmdexec"
	"carrier.is/modemd/internal/logging"
)

// DefaultConfigPath is where the tunnel configuration lives on the host.
const DefaultConfigPath = "/etc/wireguard/wireguard.conf"

// Configurator applies and verifies the tunnel configuration.
type Configurator interface {
	// Apply loads the configuration file onto the tunnel interface.
	Apply(ctx context.Context) error

	// Verify checks that the tunnel device exists and has a peer.
	Verify(ctx context.Context) error
}

// WireGuard implements Configurator with the wg utility for configuration
// and a wgctrl probe for verification.
type WireGuard struct {
	exec       cmdexec.CommandExecutor
	iface      string
	configPath string
	logger     *logging.Logger
}

// NewWireGuard creates a configurator for the named interface.
func NewWireGuard(exec cmdexec.CommandExecutor, iface, configPath string, logger *logging.Logger) *WireGuard {
	if logger == nil {
		logger = logging.Default()
	}
	return &WireGuard{
		exec:       exec,
		iface:      iface,
		configPath: configPath,
		logger:     logger.WithComponent("vpn"),
	}
}

func (w *WireGuard) Apply(ctx context.Context) error {
	out, err := w.exec.RunCommand(ctx, "wg", "setconf", w.iface, w.configPath)
	if err != nil {
		w.logger.Error("Failed to load tunnel configuration",
			"interface", w.iface, "config", w.configPath, "output", out, "error", err)
		return fmt.Errorf("failed to configure %s: %w", w.iface, err)
	}
	w.logger.Info("Tunnel configuration loaded", "interface", w.iface)
	return nil
}

func (w *WireGuard) Verify(ctx context.Context) error {
	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("failed to open wireguard control: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(w.iface)
	if err != nil {
		return fmt.Errorf("failed to query device %s: %w", w.iface, err)
	}
	if len(dev.Peers) == 0 {
		return fmt.Errorf("device %s has no configured peers", w.iface)
	}
	w.logger.Debug("Tunnel device verified",
		"interface", w.iface, "peers", len(dev.Peers), "listen_port", dev.ListenPort)
	return nil
}

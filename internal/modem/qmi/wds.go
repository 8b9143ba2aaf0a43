package qmi

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"carrier.is/modemd/internal/cmdexec"
	"carrier.is/modemd/internal/logging"
	"carrier.is/modemd/internal/modem"
)

// WDS implements modem.SessionClient over the wireless data service. One
// WDS client drives one data session; the IP family preference is stored
// and folded into the session start request, which is where QMI binds a
// session to a family.
type WDS struct {
	client
	family modem.IPFamily
}

// NewWDS creates a data session client for the given device.
func NewWDS(exec cmdexec.CommandExecutor, device string, logger *logging.Logger) *WDS {
	if logger == nil {
		logger = logging.Default()
	}
	return &WDS{
		client: client{
			exec:   exec,
			device: device,
			logger: logger.WithComponent("qmi-wds"),
		},
		family: modem.IPv4,
	}
}

// open allocates the service client id up front so factory callers observe
// allocation failures at creation time rather than mid-sequence.
func (w *WDS) open(ctx context.Context) error {
	if _, err := w.run(ctx, true, "--wds-get-autoconnect-settings"); err != nil {
		return fmt.Errorf("failed to open data service: %w", err)
	}
	return nil
}

func (w *WDS) GetAutoconnect(ctx context.Context) (modem.AutoconnectSetting, modem.AutoconnectRoamSetting, error) {
	out, err := w.run(ctx, true, "--wds-get-autoconnect-settings")
	if err != nil {
		return modem.AutoconnectInvalid, modem.RoamInvalid,
			fmt.Errorf("failed to get autoconnect settings: %w", err)
	}

	ac := modem.AutoconnectInvalid
	if m := reAutoconnect.FindStringSubmatch(out); m != nil {
		switch m[1] {
		case "disabled":
			ac = modem.AutoconnectDisabled
		case "enabled":
			ac = modem.AutoconnectEnabled
		case "paused":
			ac = modem.AutoconnectPaused
		}
	}
	roam := modem.RoamInvalid
	if m := reRoaming.FindStringSubmatch(out); m != nil {
		switch m[1] {
		case "roaming-allowed":
			roam = modem.RoamAlways
		case "home-only":
			roam = modem.RoamHomeOnly
		}
	}
	return ac, roam, nil
}

func (w *WDS) SetAutoconnect(ctx context.Context, ac modem.AutoconnectSetting, roam modem.AutoconnectRoamSetting) error {
	arg := fmt.Sprintf("--wds-set-autoconnect-settings=%s,%s", ac, roam)
	if _, err := w.run(ctx, true, arg); err != nil {
		return fmt.Errorf("failed to set autoconnect settings: %w", err)
	}
	return nil
}

func (w *WDS) SetIPFamilyPreference(ctx context.Context, family modem.IPFamily) error {
	if family != modem.IPv4 && family != modem.IPv6 {
		return fmt.Errorf("unsupported ip family %d", family)
	}
	w.family = family
	return nil
}

func (w *WDS) StartSession(ctx context.Context, profileID uint32) (uint32, error) {
	arg := fmt.Sprintf("--wds-start-network=3gpp-profile=%d,ip-type=%d", profileID, w.family)
	out, err := w.run(ctx, true, arg)
	if err != nil {
		return 0, startError(out, err)
	}

	m := rePacketHandle.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no packet data handle in qmicli output")
	}
	handle, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad packet data handle %q: %w", m[1], err)
	}
	return uint32(handle), nil
}

func (w *WDS) StopSession(ctx context.Context, sessionID uint32) error {
	arg := fmt.Sprintf("--wds-stop-network=%d", sessionID)
	out, err := w.run(ctx, true, arg)
	if err != nil {
		if isNoEffect(out) {
			return modem.ErrNoEffect
		}
		return fmt.Errorf("failed to stop network: %w", err)
	}
	return nil
}

func (w *WDS) GetRuntimeSettings(ctx context.Context) (modem.RuntimeSettings, error) {
	out, err := w.run(ctx, true, "--wds-get-current-settings")
	if err != nil {
		return modem.RuntimeSettings{}, fmt.Errorf("failed to get current settings: %w", err)
	}
	if w.family == modem.IPv6 {
		return w.parseV6Settings(out), nil
	}
	return w.parseV4Settings(out), nil
}

func (w *WDS) GetConnectionStatus(ctx context.Context) (modem.ConnectionStatus, error) {
	out, err := w.run(ctx, true, "--wds-get-packet-service-status")
	if err != nil {
		return modem.StatusUnknown, fmt.Errorf("failed to get packet service status: %w", err)
	}

	m := reConnStatus.FindStringSubmatch(out)
	if m == nil {
		return modem.StatusUnknown, fmt.Errorf("no connection status in qmicli output")
	}
	switch m[1] {
	case "disconnected":
		return modem.StatusDisconnected, nil
	case "connected":
		return modem.StatusConnected, nil
	case "suspended":
		return modem.StatusSuspended, nil
	case "authenticating":
		return modem.StatusAuthenticating, nil
	}
	return modem.StatusUnknown, nil
}

func (w *WDS) Close(ctx context.Context) error {
	if err := w.release(ctx, "--wds-get-packet-service-status"); err != nil {
		return fmt.Errorf("failed to close data service: %w", err)
	}
	return nil
}

// parseV4Settings extracts the IPv4 assignment. The prefix length comes
// from the subnet mask; missing fields stay nil.
func (w *WDS) parseV4Settings(out string) modem.RuntimeSettings {
	var settings modem.RuntimeSettings
	if m := reV4Address.FindStringSubmatch(out); m != nil {
		settings.Address = net.ParseIP(m[1])
	}
	if m := reV4Gateway.FindStringSubmatch(out); m != nil {
		settings.Gateway = net.ParseIP(m[1])
	}
	if m := reV4Netmask.FindStringSubmatch(out); m != nil {
		if mask := net.ParseIP(m[1]); mask != nil {
			ones, _ := net.IPMask(mask.To4()).Size()
			settings.PrefixLength = ones
		}
	}
	return settings
}

// parseV6Settings extracts the IPv6 assignment. Both the address and the
// gateway lines carry a prefix length; when they disagree the
// address-supplied value wins and the conflict is logged.
func (w *WDS) parseV6Settings(out string) modem.RuntimeSettings {
	var settings modem.RuntimeSettings
	gwPrefix := -1

	if m := reV6Address.FindStringSubmatch(out); m != nil {
		settings.Address = net.ParseIP(m[1])
		settings.PrefixLength, _ = strconv.Atoi(m[2])
	}
	if m := reV6Gateway.FindStringSubmatch(out); m != nil {
		settings.Gateway = net.ParseIP(m[1])
		gwPrefix, _ = strconv.Atoi(m[2])
	}

	if settings.Address != nil && gwPrefix >= 0 && gwPrefix != settings.PrefixLength {
		w.logger.Warn("IPv6 prefix length mismatch between address and gateway",
			"address_prefix", settings.PrefixLength, "gateway_prefix", gwPrefix)
	}
	return settings
}

// startError turns a failed session start into a modem.StartError carrying
// whatever reason fields qmicli printed.
func startError(out string, err error) error {
	se := &modem.StartError{Err: err}
	if m := reEndReason.FindStringSubmatch(out); m != nil {
		if v, perr := strconv.ParseUint(m[1], 10, 32); perr == nil {
			reason := uint32(v)
			se.Reason = &reason
		}
	}
	if m := reVerboseReason.FindStringSubmatch(out); m != nil {
		t, terr := strconv.ParseUint(m[1], 10, 32)
		r, rerr := strconv.ParseUint(m[2], 10, 32)
		if terr == nil && rerr == nil {
			vt, vr := uint32(t), uint32(r)
			se.VerboseReasonType = &vt
			se.VerboseReason = &vr
		}
	}
	return se
}

// Factory allocates WDS clients, one per data session.
type Factory struct {
	Exec   cmdexec.CommandExecutor
	Device string
	Logger *logging.Logger
}

// NewSession opens a fresh data service client. The service client id is
// allocated eagerly so a modem that refuses new clients fails here.
func (f *Factory) NewSession(ctx context.Context) (modem.SessionClient, error) {
	w := NewWDS(f.Exec, f.Device, f.Logger)
	if err := w.open(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Package modem defines the contracts for the modem control and data
// session collaborators, plus the shared enumerations and session state
// the orchestration loop drives them through. The wire protocol behind
// these interfaces is out of scope; see the qmi subpackage for the
// concrete transport.
package modem

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// OperationMode is the modem's operating (power) mode.
type OperationMode uint8

const (
	ModeOnline             OperationMode = 0
	ModeLowPower           OperationMode = 1
	ModeFactoryTest        OperationMode = 2
	ModeOffline            OperationMode = 3
	ModeResetting          OperationMode = 4
	ModePowerOff           OperationMode = 5
	ModePersistentLowPower OperationMode = 6
	ModeOnlyLowPower       OperationMode = 7
	ModeInvalid            OperationMode = 255
)

var operationModeNames = []string{
	"online",
	"low-power",
	"factory-test",
	"offline",
	"resetting",
	"power-off",
	"persistent-low-power",
	"mode-only-low-power",
}

// String returns the mode's wire name, or "invalid" for unknown values.
func (m OperationMode) String() string {
	if int(m) >= len(operationModeNames) {
		return "invalid"
	}
	return operationModeNames[m]
}

// ParseOperationMode maps a wire name back to an OperationMode.
func ParseOperationMode(s string) OperationMode {
	for i, name := range operationModeNames {
		if s == name {
			return OperationMode(i)
		}
	}
	return ModeInvalid
}

// AutoconnectSetting is the modem-side automatic session policy.
type AutoconnectSetting uint8

const (
	AutoconnectDisabled AutoconnectSetting = 0
	AutoconnectEnabled  AutoconnectSetting = 1
	AutoconnectPaused   AutoconnectSetting = 2
	AutoconnectInvalid  AutoconnectSetting = 255
)

// String returns the setting's wire name.
func (a AutoconnectSetting) String() string {
	switch a {
	case AutoconnectDisabled:
		return "disabled"
	case AutoconnectEnabled:
		return "enabled"
	case AutoconnectPaused:
		return "paused"
	}
	return "invalid"
}

// AutoconnectRoamSetting is the roaming policy for autoconnect.
type AutoconnectRoamSetting uint8

const (
	RoamAlways   AutoconnectRoamSetting = 0
	RoamHomeOnly AutoconnectRoamSetting = 1
	RoamInvalid  AutoconnectRoamSetting = 255
)

// String returns the setting's wire name.
func (r AutoconnectRoamSetting) String() string {
	switch r {
	case RoamAlways:
		return "roaming-allowed"
	case RoamHomeOnly:
		return "home-only"
	}
	return "invalid"
}

// IPFamily selects the address family for a data session.
type IPFamily uint8

const (
	IPv4 IPFamily = 4
	IPv6 IPFamily = 6
)

// String returns "ipv4" or "ipv6".
func (f IPFamily) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// RuntimeSettings is the address configuration the carrier network assigned
// to a live data session. Address and Gateway are nil when the network did
// not supply them; absence is data, not an error.
type RuntimeSettings struct {
	Address      net.IP
	Gateway      net.IP
	PrefixLength int
}

// ConnectionStatus is the data session's packet-service state.
type ConnectionStatus uint8

const (
	StatusUnknown        ConnectionStatus = 0
	StatusDisconnected   ConnectionStatus = 1
	StatusConnected      ConnectionStatus = 2
	StatusSuspended      ConnectionStatus = 3
	StatusAuthenticating ConnectionStatus = 4
)

// String returns a display name for the status.
func (c ConnectionStatus) String() string {
	switch c {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnected:
		return "CONNECTED"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusAuthenticating:
		return "AUTHENTICATING"
	}
	return "INVALID"
}

var (
	// ErrNoEffect indicates an operation targeted a session that is already
	// gone; stopping such a session is not a failure.
	ErrNoEffect = errors.New("operation had no effect")

	// ErrModeUnchanged indicates a power-mode set was accepted but a
	// follow-up read did not observe the requested mode.
	ErrModeUnchanged = errors.New("power mode set did not take effect")

	// ErrSettingsIncomplete indicates a started session reported runtime
	// settings without an address or gateway; the session is unusable.
	ErrSettingsIncomplete = errors.New("runtime settings missing address or gateway")
)

// StartError carries the failure reason fields a rejected session start may
// include. Reason fields are nil when the network did not supply them.
type StartError struct {
	Err               error
	Reason            *uint32
	VerboseReasonType *uint32
	VerboseReason     *uint32
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start data session: %v", e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ControlClient is the modem control collaborator (power management).
type ControlClient interface {
	// Initialize allocates the control service handles and caches
	// immutable device fields (model identifier) on first use.
	Initialize(ctx context.Context) error

	// GetPowerMode returns the current mode and whether it is
	// hardware-controlled (and therefore not settable).
	GetPowerMode(ctx context.Context) (mode OperationMode, hardwareControlled bool, err error)

	// SetPowerMode requests a mode change and returns the mode observed by
	// a follow-up read. It does not judge whether the change took effect.
	SetPowerMode(ctx context.Context, mode OperationMode) (OperationMode, error)

	// ModelID returns the cached model identifier, if known.
	ModelID() string

	// Shutdown releases the control service handles. Cached immutable
	// fields are kept unless releaseCache is set.
	Shutdown(ctx context.Context, releaseCache bool) error
}

// SessionClient is the data session collaborator for one IP family.
type SessionClient interface {
	GetAutoconnect(ctx context.Context) (AutoconnectSetting, AutoconnectRoamSetting, error)
	SetAutoconnect(ctx context.Context, ac AutoconnectSetting, roam AutoconnectRoamSetting) error

	// SetIPFamilyPreference selects the family for the next session start.
	SetIPFamilyPreference(ctx context.Context, family IPFamily) error

	// StartSession starts a data session for the given carrier profile and
	// returns its id. On rejection the error is a *StartError when the
	// network supplied failure reasons.
	StartSession(ctx context.Context, profileID uint32) (uint32, error)

	// StopSession stops a running session. Returns ErrNoEffect when the
	// session is already gone.
	StopSession(ctx context.Context, sessionID uint32) error

	GetRuntimeSettings(ctx context.Context) (RuntimeSettings, error)

	// GetConnectionStatus reports the packet-service state; used by the
	// session watcher to synthesize teardown indications.
	GetConnectionStatus(ctx context.Context) (ConnectionStatus, error)

	// Close releases the session service handle.
	Close(ctx context.Context) error
}

// SessionFactory allocates a SessionClient bound to a fresh service handle.
type SessionFactory interface {
	NewSession(ctx context.Context) (SessionClient, error)
}

// EnsurePowerMode drives the modem to the requested mode with a
// get-then-conditionally-set pattern: if the current mode already matches,
// or the mode is hardware-controlled, no set is issued and the current mode
// is returned. Otherwise the mode is set and read back; a set that does not
// change the observed mode fails with ErrModeUnchanged.
func EnsurePowerMode(ctx context.Context, c ControlClient, want OperationMode) (OperationMode, error) {
	current, hwControlled, err := c.GetPowerMode(ctx)
	if err != nil {
		return ModeInvalid, fmt.Errorf("failed to query power mode: %w", err)
	}
	if current == want || hwControlled {
		return current, nil
	}

	observed, err := c.SetPowerMode(ctx, want)
	if err != nil {
		return ModeInvalid, fmt.Errorf("failed to set power mode: %w", err)
	}
	if observed != want {
		return observed, fmt.Errorf("%w: requested %s, observed %s", ErrModeUnchanged, want, observed)
	}
	return observed, nil
}

// EnsureAutoconnect writes the autoconnect policy only if the current
// settings differ from the desired ones.
func EnsureAutoconnect(ctx context.Context, c SessionClient, ac AutoconnectSetting, roam AutoconnectRoamSetting) error {
	currentAC, currentRoam, err := c.GetAutoconnect(ctx)
	if err != nil {
		return fmt.Errorf("failed to query autoconnect settings: %w", err)
	}
	if currentAC == ac && currentRoam == roam {
		return nil
	}
	if err := c.SetAutoconnect(ctx, ac, roam); err != nil {
		return fmt.Errorf("failed to set autoconnect settings: %w", err)
	}
	return nil
}

package modem

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"carrier.is/modemd/internal/logging"
)

// Self-initiated disconnect markers. A stop we issued ourselves reports
// end reason 2 (client initiated), or verbose reason type 3 with reason
// 2000; such indications must not trigger a teardown.
const (
	endReasonClientInitiated        = 2
	verboseReasonTypeClientInternal = 3
	verboseReasonClientEndedCall    = 2000
)

// Indication is a connection-status event delivered outside the control
// flow, either pushed by the modem service or synthesized by the watcher.
// Reason fields are nil when absent.
type Indication struct {
	Status                  ConnectionStatus
	ReconfigurationRequired bool
	EndReason               *uint16
	VerboseReasonType       *uint32
	VerboseReason           *uint32
}

// Session is the per-family data session state. The control goroutine owns
// every field except the teardown flag and the session id: the indication
// path reads the id and writes the flag, so both are atomic.
type Session struct {
	Client   SessionClient
	Family   IPFamily
	Profile  uint32
	Settings RuntimeSettings

	id       atomic.Uint32
	teardown atomic.Bool
	logger   *logging.Logger
}

// NewSession wraps a client as an unstarted session for one family.
func NewSession(client SessionClient, family IPFamily, profile uint32, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	return &Session{
		Client:  client,
		Family:  family,
		Profile: profile,
		logger:  logger.WithComponent("modem"),
	}
}

// TeardownRequested reports whether an indication marked this session as
// torn down by the network.
func (s *Session) TeardownRequested() bool {
	return s.teardown.Load()
}

// ID returns the running session's id, or zero when no session is up.
func (s *Session) ID() uint32 {
	return s.id.Load()
}

// Start selects the family preference and starts the data session,
// recording its id. Failure reasons supplied by the network are logged.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Client.SetIPFamilyPreference(ctx, s.Family); err != nil {
		return fmt.Errorf("failed to set %s family preference: %w", s.Family, err)
	}

	id, err := s.Client.StartSession(ctx, s.Profile)
	if err != nil {
		s.logStartFailure(err)
		return err
	}

	s.id.Store(id)
	s.teardown.Store(false)
	s.logger.Info("Data session started",
		"family", s.Family.String(), "profile", s.Profile, "session", id)
	return nil
}

// Stop tears the session down and clears its id. ErrNoEffect from the
// client means the session was already gone and is passed through for the
// caller to ignore.
func (s *Session) Stop(ctx context.Context) error {
	id := s.id.Swap(0)
	if id == 0 {
		return nil
	}
	if err := s.Client.StopSession(ctx, id); err != nil {
		return fmt.Errorf("failed to stop %s data session: %w", s.Family, err)
	}
	s.logger.Info("Data session stopped", "family", s.Family.String())
	return nil
}

// FetchRuntimeSettings queries the network-assigned configuration and
// stores it on the session. An answer without both address and gateway
// fails with ErrSettingsIncomplete.
func (s *Session) FetchRuntimeSettings(ctx context.Context) error {
	settings, err := s.Client.GetRuntimeSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to query %s runtime settings: %w", s.Family, err)
	}
	if settings.Address == nil || settings.Gateway == nil {
		return fmt.Errorf("%w (%s: address=%v gateway=%v)",
			ErrSettingsIncomplete, s.Family, settings.Address, settings.Gateway)
	}

	s.Settings = settings
	s.logger.Info("Runtime settings received",
		"family", s.Family.String(),
		"address", settings.Address.String(),
		"prefix", settings.PrefixLength,
		"gateway", settings.Gateway.String())
	return nil
}

// HandleIndication processes one connection-status event. A disconnect
// that we did not initiate ourselves marks the session for teardown; the
// control goroutine observes the flag on its next poll.
func (s *Session) HandleIndication(ind Indication) {
	s.logger.Info("Connection status indication",
		"family", s.Family.String(),
		"status", ind.Status.String(),
		"reconfiguration_required", ind.ReconfigurationRequired)

	if ind.EndReason != nil {
		s.logger.Info("Call end reason", "family", s.Family.String(), "reason", *ind.EndReason)
	}
	if ind.VerboseReasonType != nil && ind.VerboseReason != nil {
		s.logger.Info("Verbose call end reason",
			"family", s.Family.String(),
			"type", *ind.VerboseReasonType, "reason", *ind.VerboseReason)
	}

	if ind.Status != StatusDisconnected || s.id.Load() == 0 {
		return
	}
	if ind.EndReason != nil && *ind.EndReason == endReasonClientInitiated {
		return
	}
	if ind.VerboseReasonType != nil && ind.VerboseReason != nil &&
		*ind.VerboseReasonType == verboseReasonTypeClientInternal &&
		*ind.VerboseReason == verboseReasonClientEndedCall {
		return
	}

	s.logger.Warn("Network tore down data session", "family", s.Family.String())
	s.teardown.Store(true)
}

func (s *Session) logStartFailure(err error) {
	var se *StartError
	if !errors.As(err, &se) {
		s.logger.Error("Failed to start data session",
			"family", s.Family.String(), "error", err)
		return
	}
	fields := []any{"family", s.Family.String(), "error", se.Err}
	if se.Reason != nil {
		fields = append(fields, "call_end_reason", *se.Reason)
	}
	if se.VerboseReasonType != nil && se.VerboseReason != nil {
		fields = append(fields, "verbose_reason_type", *se.VerboseReasonType,
			"verbose_reason", *se.VerboseReason)
	}
	s.logger.Error("Failed to start data session", fields...)
}

// Watch polls the session's packet-service status until the context is
// canceled, synthesizing a disconnect indication when the session drops.
// Poll errors are logged and do not stop the watcher; a transient query
// failure is not evidence the session is gone.
func Watch(ctx context.Context, s *Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := s.Client.GetConnectionStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("Connection status poll failed",
				"family", s.Family.String(), "error", err)
			continue
		}
		if status == StatusDisconnected && !s.TeardownRequested() {
			s.HandleIndication(Indication{Status: StatusDisconnected})
		}
	}
}

// Package services starts and stops the host services whose lifecycle is
// tied to the cellular uplink, via the systemd D-Bus API.
package services

import (
	"context"
	"fmt"

	sd "github.com/coreos/go-systemd/v22/dbus"

	"carrier.is/modemd/internal/logging"
)

// Units managed around the uplink. Time sync and DNS resolution are only
// useful while the link can carry them.
const (
	UnitTimeSync    = "chrony.service"
	UnitDNSResolver = "unbound.service"
)

// UnitManager starts and stops systemd units and waits for the job result.
type UnitManager interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
}

// systemdConn is the slice of the systemd D-Bus connection we use.
type systemdConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// SystemdManager implements UnitManager over the system D-Bus.
type SystemdManager struct {
	conn   systemdConn
	logger *logging.Logger
}

// NewSystemdManager connects to the system bus.
func NewSystemdManager(ctx context.Context, logger *logging.Logger) (*SystemdManager, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &SystemdManager{
		conn:   conn,
		logger: logger.WithComponent("services"),
	}, nil
}

// NewSystemdManagerWithConn creates a manager over an existing connection.
func NewSystemdManagerWithConn(conn systemdConn, logger *logging.Logger) *SystemdManager {
	if logger == nil {
		logger = logging.Default()
	}
	return &SystemdManager{
		conn:   conn,
		logger: logger.WithComponent("services"),
	}
}

// StartUnit starts a unit in replace mode and waits for the job to finish.
func (m *SystemdManager) StartUnit(ctx context.Context, name string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StartUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return m.waitJob(ctx, name, "start", ch)
}

// StopUnit stops a unit in replace mode and waits for the job to finish.
func (m *SystemdManager) StopUnit(ctx context.Context, name string) error {
	ch := make(chan string, 1)
	if _, err := m.conn.StopUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return m.waitJob(ctx, name, "stop", ch)
}

// Close releases the D-Bus connection.
func (m *SystemdManager) Close() {
	m.conn.Close()
}

func (m *SystemdManager) waitJob(ctx context.Context, name, op string, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s of %s finished with result %q", op, name, result)
		}
		m.logger.Debug("Unit job finished", "unit", name, "op", op)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s of %s interrupted: %w", op, name, ctx.Err())
	}
}

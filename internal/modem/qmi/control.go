package qmi

import (
	"context"
	"fmt"

	"carrier.is/modemd/internal/cmdexec"
	"carrier.is/modemd/internal/logging"
	"carrier.is/modemd/internal/modem"
)

// Control implements modem.ControlClient over the device management
// service. The model identifier is immutable for the life of the device, so
// it is queried once and cached across Shutdown/Initialize cycles.
type Control struct {
	client
	modelID string
}

// NewControl creates an uninitialized control client for the given device.
func NewControl(exec cmdexec.CommandExecutor, device string, logger *logging.Logger) *Control {
	if logger == nil {
		logger = logging.Default()
	}
	return &Control{
		client: client{
			exec:   exec,
			device: device,
			logger: logger.WithComponent("qmi-dms"),
		},
	}
}

func (c *Control) Initialize(ctx context.Context) error {
	out, err := c.run(ctx, true, "--dms-get-model")
	if err != nil {
		return fmt.Errorf("failed to open control service: %w", err)
	}
	if c.modelID == "" {
		if m := reModel.FindStringSubmatch(out); m != nil {
			c.modelID = m[1]
			c.logger.Info("Modem model identified", "model", c.modelID)
		}
	}
	return nil
}

func (c *Control) GetPowerMode(ctx context.Context) (modem.OperationMode, bool, error) {
	out, err := c.run(ctx, true, "--dms-get-operating-mode")
	if err != nil {
		return modem.ModeInvalid, false, fmt.Errorf("failed to get operating mode: %w", err)
	}

	m := reMode.FindStringSubmatch(out)
	if m == nil {
		return modem.ModeInvalid, false, fmt.Errorf("no operating mode in qmicli output")
	}
	mode := modem.ParseOperationMode(m[1])

	hwControlled := false
	if hw := reHWRestricted.FindStringSubmatch(out); hw != nil {
		hwControlled = hw[1] == "yes"
	}
	return mode, hwControlled, nil
}

func (c *Control) SetPowerMode(ctx context.Context, mode modem.OperationMode) (modem.OperationMode, error) {
	if _, err := c.run(ctx, true, "--dms-set-operating-mode="+mode.String()); err != nil {
		return modem.ModeInvalid, fmt.Errorf("failed to set operating mode %s: %w", mode, err)
	}

	observed, _, err := c.GetPowerMode(ctx)
	if err != nil {
		return modem.ModeInvalid, err
	}
	return observed, nil
}

func (c *Control) ModelID() string {
	return c.modelID
}

func (c *Control) Shutdown(ctx context.Context, releaseCache bool) error {
	err := c.release(ctx, "--dms-get-operating-mode")
	if releaseCache {
		c.modelID = ""
	}
	if err != nil {
		return fmt.Errorf("failed to close control service: %w", err)
	}
	return nil
}

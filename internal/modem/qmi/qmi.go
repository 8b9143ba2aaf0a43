// Package qmi implements the modem control and data session contracts on
// top of the qmicli utility, which speaks QMI to the WWAN control device.
// Each client holds one allocated client id (CID) for its service so the
// modem-side handle survives across invocations, mirroring a long-lived
// service connection.
package qmi

import (
	"context"
	"regexp"
	"strings"

	"carrier.is/modemd/internal/cmdexec"
	"carrier.is/modemd/internal/logging"
)

const (
	// DefaultDevice is the QMI control node exposed by the WWAN driver.
	DefaultDevice = "/dev/wwan0qmi0"

	qmicliBinary = "qmicli"
)

var (
	reCID           = regexp.MustCompile(`CID: '(\d+)'`)
	reModel         = regexp.MustCompile(`Model: '([^']+)'`)
	reMode          = regexp.MustCompile(`Mode: '([a-z-]+)'`)
	reHWRestricted  = regexp.MustCompile(`HW restricted: '(yes|no)'`)
	rePacketHandle  = regexp.MustCompile(`Packet data handle: '(\d+)'`)
	reAutoconnect   = regexp.MustCompile(`Status: '([a-z-]+)'`)
	reRoaming       = regexp.MustCompile(`Roaming: '([a-z-]+)'`)
	reConnStatus    = regexp.MustCompile(`Connection status: '([a-z-]+)'`)
	reEndReason     = regexp.MustCompile(`call end reason \((\d+)\)`)
	reVerboseReason = regexp.MustCompile(`verbose call end reason \((\d+),(\d+)\)`)

	reV4Address = regexp.MustCompile(`IPv4 address: ([0-9.]+)`)
	reV4Netmask = regexp.MustCompile(`IPv4 subnet mask: ([0-9.]+)`)
	reV4Gateway = regexp.MustCompile(`IPv4 gateway address: ([0-9.]+)`)
	reV6Address = regexp.MustCompile(`IPv6 address: ([0-9a-fA-F:]+)/(\d+)`)
	reV6Gateway = regexp.MustCompile(`IPv6 gateway address: ([0-9a-fA-F:]+)/(\d+)`)
)

// client is the shared qmicli invocation plumbing. The CID is captured from
// the first call made with keepCID and appended to every later call.
type client struct {
	exec   cmdexec.CommandExecutor
	device string
	logger *logging.Logger
	cid    string
}

// run invokes qmicli against the client's device. With keepCID the modem is
// asked not to release the allocated client id, and a newly reported CID is
// captured for reuse. The raw output is returned even on failure so callers
// can extract error details from it.
func (c *client) run(ctx context.Context, keepCID bool, args ...string) (string, error) {
	full := make([]string, 0, len(args)+3)
	full = append(full, "-d", c.device)
	full = append(full, args...)
	if c.cid != "" {
		full = append(full, "--client-cid="+c.cid)
	}
	if keepCID {
		full = append(full, "--client-no-release-cid")
	}

	out, err := c.exec.RunCommand(ctx, qmicliBinary, full...)
	if err == nil && keepCID && c.cid == "" {
		if m := reCID.FindStringSubmatch(out); m != nil {
			c.cid = m[1]
		}
	}
	return out, err
}

// release lets the modem reclaim the CID by issuing a harmless query
// without the no-release flag. probe names the qmicli action to use.
func (c *client) release(ctx context.Context, probe string) error {
	if c.cid == "" {
		return nil
	}
	_, err := c.run(ctx, false, probe)
	c.cid = ""
	return err
}

func isNoEffect(out string) bool {
	return strings.Contains(out, "'NoEffect'")
}

package network

import (
	"fmt"
	"net"
)

// ensureLinkState brings a link administratively up or down. If the flags
// on the cached handle already match the desired state, no kernel request
// is issued. No other link attribute is touched.
func (s *Session) ensureLinkState(handle *LinkHandle, wantUp bool) error {
	isUp := handle.Link.Attrs().Flags&net.FlagUp != 0
	if isUp == wantUp {
		return nil
	}

	var err error
	if wantUp {
		err = s.nl.LinkSetUp(handle.Link)
	} else {
		err = s.nl.LinkSetDown(handle.Link)
	}
	if err != nil {
		s.logger.Error("Failed to change link state",
			"interface", handle.Name, "up", wantUp, "error", err)
		return fmt.Errorf("failed to set %s state: %w", handle.Name, err)
	}
	return nil
}

// EnsureCellularState brings the cellular link up or down, idempotently.
func (s *Session) EnsureCellularState(wantUp bool) error {
	return s.ensureLinkState(&s.cellular4, wantUp)
}

// EnsureTunnelState brings the tunnel link up or down, idempotently.
func (s *Session) EnsureTunnelState(wantUp bool) error {
	return s.ensureLinkState(&s.tunnel, wantUp)
}

package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// EnsureAddress converges the cellular interface's address set for one
// family on exactly (address, prefixLen): every other non-link-scope
// address is deleted, and the desired one is added if absent. Per-item
// failures are logged and do not stop processing of the remaining items;
// the last error encountered is returned. Calling it twice with identical
// arguments is a no-op the second time.
//
// The address cache must have been refilled (ReloadAddressCache) since the
// last change to the interface.
func (s *Session) EnsureAddress(family int, address net.IP, prefixLen int) error {
	addrs, lastErr := s.collectNonLinkAddrs(family)

	handle := s.cellularHandle(family)
	found := false
	for i := range addrs {
		if addrMatches(&addrs[i], address, prefixLen) {
			found = true
			continue
		}
		if err := s.nl.AddrDel(handle.Link, &addrs[i]); err != nil {
			s.logger.Error("Failed to delete stray address",
				"interface", handle.Name, "address", addrs[i].IPNet.String(), "error", err)
			lastErr = fmt.Errorf("failed to delete address %s: %w", addrs[i].IPNet.String(), err)
		}
	}

	if !found {
		if err := s.addAddress(family, address, prefixLen); err != nil {
			return err
		}
	}

	if lastErr == nil {
		bits := 32
		if family == unix.AF_INET6 {
			bits = 128
		}
		s.setAddrCache(family, []netlink.Addr{{
			IPNet: &net.IPNet{IP: address, Mask: net.CIDRMask(prefixLen, bits)},
			Scope: unix.RT_SCOPE_UNIVERSE,
		}})
	}
	return lastErr
}

// FlushAddresses removes every non-link-scope address from the cellular
// interface, both families. The address cache is refilled first.
func (s *Session) FlushAddresses() error {
	if err := s.ReloadAddressCache(); err != nil {
		return err
	}

	var lastErr error
	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		addrs, err := s.collectNonLinkAddrs(family)
		if err != nil {
			lastErr = err
		}
		handle := s.cellularHandle(family)
		var kept []netlink.Addr
		for i := range addrs {
			if err := s.nl.AddrDel(handle.Link, &addrs[i]); err != nil {
				s.logger.Error("Failed to flush address",
					"interface", handle.Name, "address", addrs[i].IPNet.String(), "error", err)
				lastErr = fmt.Errorf("failed to delete address %s: %w", addrs[i].IPNet.String(), err)
				kept = append(kept, addrs[i])
			}
		}
		s.setAddrCache(family, kept)
	}
	return lastErr
}

// collectNonLinkAddrs returns the cached non-link-scope addresses for a
// family, bounded at maxAddrs. Overflow returns the bounded list along
// with ErrAddrOverflow; the caller still converges what was collected.
func (s *Session) collectNonLinkAddrs(family int) ([]netlink.Addr, error) {
	cache := s.addrs4
	if family == unix.AF_INET6 {
		cache = s.addrs6
	}

	collected := make([]netlink.Addr, 0, len(cache))
	total := 0
	for _, a := range cache {
		if a.Scope == unix.RT_SCOPE_LINK {
			continue
		}
		total++
		if len(collected) < maxAddrs {
			collected = append(collected, a)
		}
	}

	if total > maxAddrs {
		s.logger.Error("Address enumeration overflow",
			"interface", CellularInterface, "count", total, "max", maxAddrs)
		return collected, fmt.Errorf("%w: %d > %d", ErrAddrOverflow, total, maxAddrs)
	}
	return collected, nil
}

// addAddress overwrites the family's address skeleton in place and submits
// it. The skeleton object is reused across calls; only its address bytes
// and prefix length change.
func (s *Session) addAddress(family int, address net.IP, prefixLen int) error {
	skel := s.cellularAddr4
	bits := 32
	if family == unix.AF_INET6 {
		skel = s.cellularAddr6
		bits = 128
	}
	skel.IPNet.IP = address
	skel.IPNet.Mask = net.CIDRMask(prefixLen, bits)

	handle := s.cellularHandle(family)
	if err := s.nl.AddrAdd(handle.Link, skel); err != nil {
		s.logger.Error("Failed to add address",
			"interface", handle.Name, "address", skel.IPNet.String(), "error", err)
		return fmt.Errorf("failed to add address %s: %w", skel.IPNet.String(), err)
	}
	return nil
}

func addrMatches(a *netlink.Addr, address net.IP, prefixLen int) bool {
	if a.IPNet == nil {
		return false
	}
	ones, _ := a.IPNet.Mask.Size()
	return ones == prefixLen && a.IPNet.IP.Equal(address)
}

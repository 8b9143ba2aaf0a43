package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"carrier.is/modemd/internal/logging"
)

// LinkHandle is a resolved kernel link for one address family. The cellular
// interface is resolved once per family; both handles must agree on the
// kernel index. Handles go stale whenever the interface is recreated and
// must be re-resolved through ReloadLinkCache.
type LinkHandle struct {
	Name   string
	Family int
	Link   netlink.Link
	Index  int
}

// Session owns the netlink access path and every long-lived kernel-facing
// object: the three link handles, the cellular address cache, and the
// pre-allocated address/route/next-hop skeletons that the convergence
// operations mutate in place. All access happens on the control goroutine.
type Session struct {
	nl     Netlinker
	logger *logging.Logger

	cellular4 LinkHandle
	cellular6 LinkHandle
	tunnel    LinkHandle

	// Address cache for the cellular interface. Refilled explicitly via
	// ReloadAddressCache; never updated behind our back.
	addrs4 []netlink.Addr
	addrs6 []netlink.Addr

	// Skeletons, allocated once at Initialize and reused for every
	// convergence call.
	cellularNexthop *nexthop
	defaultRoute4   *netlink.Route
	defaultRoute6   *netlink.Route
	cellularAddr4   *netlink.Addr
	cellularAddr6   *netlink.Addr
	tunnelRoute     *netlink.Route
}

// NewSession creates a Session over the given Netlinker. Call Initialize
// before use.
func NewSession(nl Netlinker, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	return &Session{
		nl:     nl,
		logger: logger.WithComponent("netlink"),
	}
}

// Initialize resolves the cellular and tunnel links, verifies the cellular
// handles agree on an index, fills the address cache, and pre-allocates the
// skeleton objects. On failure the session is left zeroed; Close remains
// safe to call.
func (s *Session) Initialize() error {
	if err := s.resolveLinks(); err != nil {
		s.reset()
		return err
	}

	if err := s.ReloadAddressCache(); err != nil {
		s.reset()
		return err
	}

	s.cellularNexthop = &nexthop{ifindex: s.cellular4.Index}

	s.defaultRoute4 = newDefaultRouteSkeleton(unix.AF_INET)
	s.defaultRoute6 = newDefaultRouteSkeleton(unix.AF_INET6)

	s.cellularAddr4 = &netlink.Addr{
		IPNet: &net.IPNet{},
		Scope: unix.RT_SCOPE_UNIVERSE,
	}
	s.cellularAddr6 = &netlink.Addr{
		IPNet: &net.IPNet{},
		Scope: unix.RT_SCOPE_UNIVERSE,
	}

	s.tunnelRoute = &netlink.Route{
		Scope:     netlink.SCOPE_UNIVERSE,
		Protocol:  unix.RTPROT_STATIC,
		Table:     unix.RT_TABLE_MAIN,
		Type:      unix.RTN_UNICAST,
		Src:       tunnelSelf,
		Gw:        tunnelGateway,
		LinkIndex: s.tunnel.Index,
	}

	return nil
}

// ReloadLinkCache re-resolves all three link handles from the kernel and
// re-binds the address filter and the cellular next-hop to the (possibly
// new) cellular index. Must be called after any interface recreation:
// kernel indices are not stable across such events.
func (s *Session) ReloadLinkCache() error {
	// Drop stale handles before re-resolving.
	s.cellular4 = LinkHandle{}
	s.cellular6 = LinkHandle{}
	s.tunnel = LinkHandle{}

	if err := s.resolveLinks(); err != nil {
		return err
	}

	if s.cellularNexthop != nil {
		s.cellularNexthop.ifindex = s.cellular4.Index
	}
	if s.tunnelRoute != nil {
		s.tunnelRoute.LinkIndex = s.tunnel.Index
	}
	return nil
}

// ReloadAddressCache refills the cellular address cache from the kernel.
// Required before any convergence operation that reasons about installed
// addresses.
func (s *Session) ReloadAddressCache() error {
	addrs4, err := s.nl.AddrList(s.cellular4.Link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("failed to list IPv4 addresses on %s: %w", s.cellular4.Name, err)
	}
	addrs6, err := s.nl.AddrList(s.cellular6.Link, unix.AF_INET6)
	if err != nil {
		return fmt.Errorf("failed to list IPv6 addresses on %s: %w", s.cellular6.Name, err)
	}
	s.addrs4 = addrs4
	s.addrs6 = addrs6
	return nil
}

// Close releases every owned object in reverse order of acquisition. Safe
// on a partially-initialized session.
func (s *Session) Close() {
	if s.cellularNexthop != nil && s.cellularNexthop.attached {
		// Should never happen: every attach is paired with a deferred
		// detach. Clear it anyway so nothing survives shutdown.
		s.cellularNexthop.gw = nil
		s.cellularNexthop.attached = false
	}
	s.reset()
}

func (s *Session) reset() {
	s.tunnelRoute = nil
	s.cellularAddr6 = nil
	s.cellularAddr4 = nil
	s.defaultRoute6 = nil
	s.defaultRoute4 = nil
	s.cellularNexthop = nil
	s.addrs6 = nil
	s.addrs4 = nil
	s.tunnel = LinkHandle{}
	s.cellular6 = LinkHandle{}
	s.cellular4 = LinkHandle{}
}

// resolveLinks fills the three link handles and checks the cellular index
// invariant. The cellular link is looked up once per family: the two
// lookups straddling an interface recreation will disagree on the index,
// which is exactly the drift this check exists to catch.
func (s *Session) resolveLinks() error {
	cell4, err := s.lookupLink(CellularInterface)
	if err != nil {
		return err
	}
	cell6, err := s.lookupLink(CellularInterface)
	if err != nil {
		return err
	}
	tun, err := s.lookupLink(TunnelInterface)
	if err != nil {
		return err
	}

	if cell4.Attrs().Index != cell6.Attrs().Index {
		return fmt.Errorf("%w: %d != %d", ErrIndexMismatch,
			cell4.Attrs().Index, cell6.Attrs().Index)
	}

	s.cellular4 = LinkHandle{
		Name:   CellularInterface,
		Family: unix.AF_INET,
		Link:   cell4,
		Index:  cell4.Attrs().Index,
	}
	s.cellular6 = LinkHandle{
		Name:   CellularInterface,
		Family: unix.AF_INET6,
		Link:   cell6,
		Index:  cell6.Attrs().Index,
	}
	s.tunnel = LinkHandle{
		Name:   TunnelInterface,
		Family: unix.AF_INET,
		Link:   tun,
		Index:  tun.Attrs().Index,
	}
	return nil
}

func (s *Session) lookupLink(name string) (netlink.Link, error) {
	link, err := s.nl.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceMissing, name, err)
	}
	return link, nil
}

// CellularIndex returns the kernel index shared by the cellular handles.
func (s *Session) CellularIndex() int {
	return s.cellular4.Index
}

// TunnelIndex returns the tunnel interface's kernel index.
func (s *Session) TunnelIndex() int {
	return s.tunnel.Index
}

func newDefaultRouteSkeleton(family int) *netlink.Route {
	bits := 32
	if family == unix.AF_INET6 {
		bits = 128
	}
	return &netlink.Route{
		Family:   family,
		Dst:      &net.IPNet{IP: zeroIP(family), Mask: net.CIDRMask(0, bits)},
		Scope:    netlink.SCOPE_UNIVERSE,
		Protocol: unix.RTPROT_STATIC,
		Table:    unix.RT_TABLE_MAIN,
		Type:     unix.RTN_UNICAST,
	}
}

func zeroIP(family int) net.IP {
	if family == unix.AF_INET6 {
		return net.IPv6zero
	}
	return net.IPv4zero
}

// setAddrCache overwrites one family's cached address list after a
// convergence operation changed the interface, keeping the cache coherent
// without a kernel round trip.
func (s *Session) setAddrCache(family int, addrs []netlink.Addr) {
	if family == unix.AF_INET6 {
		s.addrs6 = addrs
		return
	}
	s.addrs4 = addrs
}

func (s *Session) cellularHandle(family int) *LinkHandle {
	if family == unix.AF_INET6 {
		return &s.cellular6
	}
	return &s.cellular4
}

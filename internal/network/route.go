package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// nexthop is the reusable next-hop skeleton shared by both default-route
// skeletons. It is attached to a route only for the duration of a single
// RouteReplace submission; outside an in-flight call it is detached from
// every route and its gateway is cleared, so the one object can be reused
// for every convergence call and torn down exactly once.
type nexthop struct {
	ifindex  int
	gw       net.IP
	attached bool
}

// attach binds the next-hop to a route and returns the matching detach.
// The caller must defer the detach so the cleared-gateway invariant holds
// on every exit path, error paths included.
func (nh *nexthop) attach(route *netlink.Route, gw net.IP) func() {
	nh.gw = gw
	nh.attached = true
	route.Gw = gw
	route.LinkIndex = nh.ifindex
	return func() {
		route.Gw = nil
		route.LinkIndex = 0
		nh.gw = nil
		nh.attached = false
	}
}

// EnsureDefaultRoute installs or replaces the family's default route with
// the session-derived preferred source and gateway. The shared next-hop is
// attached for the submission only and detached again whether or not the
// submission succeeded.
func (s *Session) EnsureDefaultRoute(family int, local, gateway net.IP) error {
	route := s.defaultRoute4
	if family == unix.AF_INET6 {
		route = s.defaultRoute6
	}

	route.Src = local
	detach := s.cellularNexthop.attach(route, gateway)
	defer detach()

	if err := s.nl.RouteReplace(route); err != nil {
		s.logger.Error("Failed to install default route",
			"family", familyString(family), "src", local, "gateway", gateway, "error", err)
		return fmt.Errorf("failed to replace default route: %w", err)
	}
	return nil
}

// EnsureTunnelRoutes installs the two static destinations reachable over
// the tunnel: the peer host route and the operations /24. One route
// skeleton is submitted twice with its destination overwritten between
// submissions, both with create-or-replace semantics. The first failure
// aborts without attempting the second.
func (s *Session) EnsureTunnelRoutes() error {
	s.tunnelRoute.Dst = &tunnelPeerDst
	if err := s.nl.RouteReplace(s.tunnelRoute); err != nil {
		s.logger.Error("Failed to install tunnel peer route",
			"dst", tunnelPeerDst.String(), "error", err)
		return fmt.Errorf("failed to replace tunnel route %s: %w", tunnelPeerDst.String(), err)
	}

	s.tunnelRoute.Dst = &tunnelSubnetDst
	if err := s.nl.RouteReplace(s.tunnelRoute); err != nil {
		s.logger.Error("Failed to install tunnel subnet route",
			"dst", tunnelSubnetDst.String(), "error", err)
		return fmt.Errorf("failed to replace tunnel route %s: %w", tunnelSubnetDst.String(), err)
	}
	return nil
}

// NexthopDetached reports whether the shared next-hop is currently
// detached with a cleared gateway. True whenever no route submission is in
// flight.
func (s *Session) NexthopDetached() bool {
	return s.cellularNexthop != nil && !s.cellularNexthop.attached && s.cellularNexthop.gw == nil
}

func familyString(family int) string {
	if family == unix.AF_INET6 {
		return "ipv6"
	}
	return "ipv4"
}

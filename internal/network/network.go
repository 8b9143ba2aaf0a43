// Package network drives the kernel's view of the cellular and tunnel
// interfaces through rtnetlink: link state, address convergence, and the
// default/static routes derived from a live data session.
package network

import (
	"errors"

	"github.com/vishvananda/netlink"
)

// Netlinker is an interface that abstracts netlink interactions.
// This allows for mocking netlink calls during unit testing.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error

	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error

	RouteReplace(route *netlink.Route) error
}

var (
	// ErrInterfaceMissing indicates a required interface could not be resolved.
	ErrInterfaceMissing = errors.New("required interface missing")

	// ErrIndexMismatch indicates the cellular interface's two family handles
	// resolved to different kernel indices.
	ErrIndexMismatch = errors.New("cellular ifindex mismatch between families")

	// ErrAddrOverflow indicates the interface carried more addresses than the
	// bounded enumeration allows.
	ErrAddrOverflow = errors.New("too many addresses on interface")
)

package network

import "net"

const (
	// CellularInterface is the host interface backed by the WWAN modem.
	CellularInterface = "mhi_hwip0"

	// TunnelInterface is the WireGuard interface for the restricted path.
	TunnelInterface = "wg0"

	// maxAddrs bounds address enumeration on the cellular interface. More
	// addresses than this is treated as an error, not silently truncated.
	maxAddrs = 126
)

var (
	// tunnelGateway is the WireGuard peer's inner address, used as the
	// next-hop gateway for the static tunnel routes.
	tunnelGateway = net.IPv4(10, 10, 1, 1)

	// tunnelSelf is our own address inside the tunnel, used as the
	// preferred source for the static tunnel routes.
	tunnelSelf = net.IPv4(10, 10, 1, 2)

	// tunnelPeerDst is the single host reachable over the tunnel.
	tunnelPeerDst = net.IPNet{IP: net.IPv4(10, 10, 2, 2), Mask: net.CIDRMask(32, 32)}

	// tunnelSubnetDst is the operations network reachable over the tunnel.
	tunnelSubnetDst = net.IPNet{IP: net.IPv4(10, 10, 3, 0), Mask: net.CIDRMask(24, 32)}
)

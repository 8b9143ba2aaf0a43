package network

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func addrMatcher(cidr string) interface{} {
	return mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet != nil && a.IPNet.String() == cidr
	})
}

func seedV4Cache(s *Session, cidrs ...string) {
	addrs := make([]netlink.Addr, 0, len(cidrs))
	for _, c := range cidrs {
		ip, ipnet, _ := net.ParseCIDR(c)
		ipnet.IP = ip
		addrs = append(addrs, netlink.Addr{IPNet: ipnet, Scope: unix.RT_SCOPE_UNIVERSE})
	}
	s.addrs4 = addrs
}

func TestEnsureAddressConvergesOnDesired(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)
	seedV4Cache(s, "10.0.0.5/24", "10.0.0.9/28")

	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.5/24")).Return(nil).Once()
	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.9/28")).Return(nil).Once()
	nl.On("AddrAdd", s.cellular4.Link, addrMatcher("10.0.0.7/24")).Return(nil).Once()

	err := s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.7"), 24)
	assert.NoError(t, err)
	nl.AssertExpectations(t)
}

func TestEnsureAddressIsIdempotent(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)

	nl.On("AddrAdd", s.cellular4.Link, addrMatcher("10.0.0.7/24")).Return(nil).Once()

	require.NoError(t, s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.7"), 24))

	// Second call with identical arguments must not touch the kernel.
	require.NoError(t, s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.7"), 24))
	nl.AssertExpectations(t)
	nl.AssertNumberOfCalls(t, "AddrAdd", 1)
	nl.AssertNotCalled(t, "AddrDel", mock.Anything, mock.Anything)
}

func TestEnsureAddressKeepsDesiredAmongStrays(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)
	seedV4Cache(s, "10.0.0.7/24", "10.0.0.9/28")

	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.9/28")).Return(nil).Once()

	err := s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.7"), 24)
	assert.NoError(t, err)
	nl.AssertExpectations(t)
	nl.AssertNotCalled(t, "AddrAdd", mock.Anything, mock.Anything)
}

func TestEnsureAddressSkipsLinkScope(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)
	ip, ipnet, _ := net.ParseCIDR("fe80::1/64")
	ipnet.IP = ip
	s.addrs6 = []netlink.Addr{{IPNet: ipnet, Scope: unix.RT_SCOPE_LINK}}

	nl.On("AddrAdd", s.cellular6.Link, addrMatcher("2600:70fa::9/64")).Return(nil).Once()

	err := s.EnsureAddress(unix.AF_INET6, net.ParseIP("2600:70fa::9"), 64)
	assert.NoError(t, err)
	nl.AssertExpectations(t)
	nl.AssertNotCalled(t, "AddrDel", mock.Anything, mock.Anything)
}

func TestEnsureAddressDeleteFailureContinues(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)
	seedV4Cache(s, "10.0.0.5/24", "10.0.0.9/28")

	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.5/24")).Return(assert.AnError).Once()
	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.9/28")).Return(nil).Once()
	nl.On("AddrAdd", s.cellular4.Link, addrMatcher("10.0.0.7/24")).Return(nil).Once()

	// The failed delete is reported, but the remaining items were still
	// processed and the desired address was still added.
	err := s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.7"), 24)
	assert.Error(t, err)
	nl.AssertExpectations(t)
}

func TestEnsureAddressOverflow(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)

	cidrs := make([]string, maxAddrs+2)
	for i := range cidrs {
		cidrs[i] = fmt.Sprintf("10.0.%d.%d/32", i/250, i%250+1)
	}
	seedV4Cache(s, cidrs...)

	nl.On("AddrDel", s.cellular4.Link, mock.Anything).Return(nil).Times(maxAddrs)
	nl.On("AddrAdd", s.cellular4.Link, addrMatcher("10.0.0.250/24")).Return(nil).Once()

	err := s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.250"), 24)
	assert.ErrorIs(t, err, ErrAddrOverflow)
	nl.AssertExpectations(t)
}

func TestFlushAddressesDeletesBothFamilies(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)

	v4 := []netlink.Addr{
		{IPNet: mustParseCIDR(t, "10.0.0.5/24"), Scope: unix.RT_SCOPE_UNIVERSE},
	}
	v6 := []netlink.Addr{
		{IPNet: mustParseCIDR(t, "2600:70fa::9/64"), Scope: unix.RT_SCOPE_UNIVERSE},
		{IPNet: mustParseCIDR(t, "fe80::1/64"), Scope: unix.RT_SCOPE_LINK},
	}
	nl.On("AddrList", s.cellular4.Link, unix.AF_INET).Return(v4, nil).Once()
	nl.On("AddrList", s.cellular6.Link, unix.AF_INET6).Return(v6, nil).Once()

	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.5/24")).Return(nil).Once()
	nl.On("AddrDel", s.cellular6.Link, addrMatcher("2600:70fa::9/64")).Return(nil).Once()

	require.NoError(t, s.FlushAddresses())
	assert.Empty(t, s.addrs4)
	assert.Empty(t, s.addrs6)
	nl.AssertExpectations(t)
}

func TestFlushThenEnsureDoesNotRedelete(t *testing.T) {
	s, nl := newInitializedSession(t, 3, 7)

	v4 := []netlink.Addr{
		{IPNet: mustParseCIDR(t, "10.0.0.5/24"), Scope: unix.RT_SCOPE_UNIVERSE},
	}
	nl.On("AddrList", s.cellular4.Link, unix.AF_INET).Return(v4, nil).Once()
	nl.On("AddrList", s.cellular6.Link, unix.AF_INET6).Return([]netlink.Addr{}, nil).Once()
	nl.On("AddrDel", s.cellular4.Link, addrMatcher("10.0.0.5/24")).Return(nil).Once()
	require.NoError(t, s.FlushAddresses())

	// The flush already removed 10.0.0.5; convergence right after must only
	// add the new address.
	nl.On("AddrAdd", s.cellular4.Link, addrMatcher("10.0.0.7/24")).Return(nil).Once()
	require.NoError(t, s.EnsureAddress(unix.AF_INET, net.ParseIP("10.0.0.7"), 24))
	nl.AssertExpectations(t)
	nl.AssertNumberOfCalls(t, "AddrDel", 1)
}

package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// purebootPublicIPInterface names the interface whose first IPv4 address
// is used as the public IP when set.
const purebootPublicIPInterface = "PUREBOOT_PUBLIC_IP_INTERFACE"

// detectPublicIPv4 picks the address boot clients can reach this host on.
// Precedence: the interface named in the environment, then the interface
// holding the default route, then the first global unicast IPv4.
func detectPublicIPv4() netip.Addr {
	if netint := os.Getenv(purebootPublicIPInterface); netint != "" {
		if ip := ipByInterface(netint); ip.IsValid() {
			return ip
		}
	}

	if ip, err := publicIPv4ByDefaultGateway(); err == nil {
		return ip
	}

	ip, err := firstGlobalUnicastIPv4()
	if err != nil {
		return netip.Addr{}
	}
	return ip
}

// ipByInterface returns the first IPv4 address on the named network interface.
func ipByInterface(name string) netip.Addr {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return netip.AddrFrom4([4]byte(v4))
		}
	}

	return netip.Addr{}
}

func firstGlobalUnicastIPv4() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unable to auto-detect public IPv4: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil || !v4.IsGlobalUnicast() {
			continue
		}
		return netip.AddrFrom4([4]byte(v4)), nil
	}

	return netip.Addr{}, errors.New("unable to auto-detect public IPv4")
}

// publicIPv4ByDefaultGateway returns the first IPv4 address of the
// interface carrying the default route.
func publicIPv4ByDefaultGateway() (netip.Addr, error) {
	routes, err := netlink.RouteList(nil, unix.AF_INET)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list routes: %w", err)
	}

	for _, route := range routes {
		isDefault := route.Dst == nil || route.Dst.IP.Equal(net.IPv4(0, 0, 0, 0)) && route.Gw != nil
		if !isDefault {
			continue
		}
		iface, err := net.InterfaceByIndex(route.LinkIndex)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("failed to get interface by index: %w", err)
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return netip.Addr{}, fmt.Errorf("failed to get addresses for interface %v: %w", iface.Name, err)
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				return netip.AddrFrom4([4]byte(v4)), nil
			}
		}
	}

	return netip.Addr{}, errors.New("no default gateway found")
}

package main

import (
	"errors"
	"net"
	"net/netip"
)

var errNoHostIP = errors.New("no routable IPv4 address found")

// detectHostIP returns the first IPv4 address of the host that is neither
// loopback nor link-local. It is used as the SIP identity when
// public_address is not configured.
func detectHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	ip, ok := pickHostIP(addrs)
	if !ok {
		return "", errNoHostIP
	}
	return ip.String(), nil
}

func pickHostIP(addrs []net.Addr) (netip.Addr, bool) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is4() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip, true
	}
	return netip.Addr{}, false
}

// Package tls manages the certificate material for the rendezvous server's
// TLS listeners and the CA trust used by relay agents that dial them.
package tls

import (
	"net"
	"slices"
)

// LANAddrs lists the IPv4 addresses of up, non-loopback interfaces.
func LANAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				addrs = append(addrs, ip4.String())
			}
		}
	}
	return addrs, nil
}

// CertHosts returns the names a server certificate should cover: loopback,
// every LAN address and any extra names, without duplicates.
func CertHosts(extra ...string) ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	lan, err := LANAddrs()
	hosts = append(hosts, lan...)
	for _, h := range extra {
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	return hosts, err
}

// sameHosts compares two host lists ignoring order.
func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

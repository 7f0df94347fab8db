package server

import (
	"fmt"
	"net"
)

// ParseTrustedNetworks parses a slice of CIDR strings into a slice of *net.IPNet
// Automatically adds /32 for IPv4 and /128 for IPv6 addresses without subnet notation
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", cidr)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// IsTrustedAddr reports whether the IP of addr lies in one of nets.
func IsTrustedAddr(addr net.Addr, nets []*net.IPNet) bool {
	if addr == nil || len(nets) == 0 {
		return false
	}
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		host, _ := GetHostPortFromAddr(addr)
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return false
	}
	for _, network := range nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IsTrustedIP is IsTrustedAddr for a bare IP string.
func IsTrustedIP(ip string, nets []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range nets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// DefaultTrustedNetworks returns the default trusted proxy networks:
// loopback, RFC1918 and the IPv6 local ranges.
func DefaultTrustedNetworks() []string {
	return []string{
		"127.0.0.0/8",
		"::1/128",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",
		"fe80::/10",
	}
}

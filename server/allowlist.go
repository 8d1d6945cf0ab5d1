// Package server holds plumbing shared by the protocol servers: the
// connection allow-list and network address parsing.
package server

import (
	"fmt"
	"net"

	"github.com/Will-gabia/mailgate/helpers"
)

// AllowList decides which source addresses may open a gateway connection.
// Entries are exact IPs or CIDR blocks. An empty list rejects everyone,
// which keeps a misconfigured gateway closed instead of open.
type AllowList struct {
	networks []*net.IPNet
}

// NewAllowList parses a list of IPs and CIDR blocks. Plain IPs get a /32
// (or /128) subnet.
func NewAllowList(entries []string) (*AllowList, error) {
	var networks []*net.IPNet
	for _, entry := range entries {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid allowed IP %q: not a valid IP address or CIDR", entry)
			}
			var withSubnet string
			if ip.To4() != nil {
				withSubnet = entry + "/32"
			} else {
				withSubnet = entry + "/128"
			}
			_, network, err = net.ParseCIDR(withSubnet)
			if err != nil {
				return nil, fmt.Errorf("failed to parse corrected CIDR %q: %w", withSubnet, err)
			}
		}
		networks = append(networks, network)
	}
	return &AllowList{networks: networks}, nil
}

// Allowed reports whether the source address may connect. IPv6-mapped IPv4
// forms are collapsed before matching.
func (a *AllowList) Allowed(addr string) bool {
	ip := net.ParseIP(helpers.NormalizeIP(addr))
	if ip == nil {
		return false
	}
	for _, network := range a.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// RemoteIP extracts the bare IP from a net.Addr, with IPv6-mapped IPv4
// forms normalized.
func RemoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return helpers.NormalizeIP(a.IP.String())
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return helpers.NormalizeIP(addr.String())
		}
		return helpers.NormalizeIP(host)
	}
}

// Package netaddr enumerates LAN addresses of this machine and classifies hosts
// as loopback or local.
package netaddr

import (
	"net"
	"net/url"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// IsLoopbackHost reports whether host can only be reached from this machine.
// Only these names qualify for relaxed TLS verification.
func IsLoopbackHost(host string) bool {
	switch strings.ToLower(strings.Trim(host, "[]")) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// IsLocalHost reports whether host names a listener on this machine,
// including the wildcard bind addresses.
func IsLocalHost(host string) bool {
	if IsLoopbackHost(host) {
		return true
	}
	switch strings.Trim(host, "[]") {
	case "0.0.0.0", "::":
		return true
	}
	return false
}

// LANIPv4 lists the IPv4 addresses of up, non-loopback interfaces,
// skipping link-local ranges. Errors yield an empty list.
func LANIPv4() []string {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return []string{}
	}
	return lanIPv4(ifaces)
}

func lanIPv4(ifaces psnet.InterfaceStatList) []string {
	result := []string{}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil {
				continue
			}
			v4 := ip.To4()
			if v4 == nil || v4.IsLoopback() || v4.IsLinkLocalUnicast() {
				continue
			}
			result = append(result, v4.String())
		}
	}
	return result
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// RewriteHost returns rawURL with its loopback host replaced by ip.
// Non-loopback or unparsable URLs are returned as "".
func RewriteHost(rawURL, ip string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || !IsLocalHost(u.Hostname()) {
		return ""
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ip, port)
	} else {
		u.Host = ip
	}
	return u.String()
}

// LANVariants rewrites each local URL for every LAN address.
func LANVariants(urls []string, ips []string) []string {
	result := []string{}
	for _, raw := range urls {
		for _, ip := range ips {
			if rewritten := RewriteHost(raw, ip); rewritten != "" {
				result = append(result, rewritten)
			}
		}
	}
	return result
}

// Copyright 2025 James Ross
// Package fetchguard implements the SSRF-safe outbound HTTP surface exposed
// to plugin JS as the synchronous fetch() global: a URL policy check, a
// bounded concurrency admission gate, and a DNS-pinning transport.
package fetchguard

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// ErrURLRejected means the URL failed the pre-DNS policy check: wrong
// scheme, or a literal IP address in a disallowed range.
var ErrURLRejected = errors.New("fetchguard: url rejected by policy")

// CheckURL validates scheme and, if the host is a literal IP, its range.
// Hostnames are deferred to DNS-pin validation in client.go since their
// safety can only be judged after resolution.
func CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Join(ErrURLRejected, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, ErrURLRejected
	}
	host := u.Hostname()
	if host == "" {
		return nil, ErrURLRejected
	}
	if hasForbiddenSuffix(host) {
		return nil, ErrURLRejected
	}
	if ip := net.ParseIP(host); ip != nil {
		if IsForbiddenIP(ip) {
			return nil, ErrURLRejected
		}
	}
	return u, nil
}

func hasForbiddenSuffix(host string) bool {
	h := strings.ToLower(host)
	if strings.HasSuffix(h, ".local") || strings.HasSuffix(h, ".internal") || strings.HasSuffix(h, ".localhost") {
		return true
	}
	return strings.Contains(h, "169.254.")
}

// IsForbiddenIP implements the deny-list from the fetch policy: private,
// loopback, link-local, CGNAT, documentation, benchmarking, multicast,
// broadcast, unspecified, reserved, IPv4-mapped-private, ULA, site-local,
// Teredo, and discard-only ranges.
func IsForbiddenIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return isForbiddenIPv4(ip4)
	}
	return isForbiddenIPv6(ip)
}

func isForbiddenIPv4(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	b := ip.To4()
	switch {
	case b[0] == 0: // 0.0.0.0/8
		return true
	case b[0] == 100 && b[1] >= 64 && b[1] <= 127: // 100.64.0.0/10 CGNAT
		return true
	case b[0] == 192 && b[1] == 0 && b[2] == 2: // 192.0.2.0/24 TEST-NET-1
		return true
	case b[0] == 198 && b[1] == 51 && b[2] == 100: // 198.51.100.0/24 TEST-NET-2
		return true
	case b[0] == 203 && b[1] == 0 && b[2] == 113: // 203.0.113.0/24 TEST-NET-3
		return true
	case b[0] == 198 && b[1] >= 18 && b[1] <= 19: // 198.18.0.0/15 benchmarking
		return true
	case b[0] >= 240: // 240.0.0.0/4 reserved
		return true
	case b[0] == 255 && b[1] == 255 && b[2] == 255 && b[3] == 255: // broadcast
		return true
	}
	return false
}

func isForbiddenIPv6(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return isForbiddenIPv4(ip4)
	}
	if ip[0]&0xfe == 0xfc { // fc00::/7 ULA
		return true
	}
	if ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 { // fec0::/10 site-local
		return true
	}
	if ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x00 && ip[3] == 0x00 { // 2001:0::/32 Teredo
		return true
	}
	if ip[0] == 0x01 && ip[1] == 0x00 {
		allZero := true
		for i := 2; i < 8; i++ {
			if ip[i] != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return true // 100::/64
		}
	}
	return false
}

package enrich

import (
	"net"
	"strings"
)

// FallbackIP is returned when no resolver succeeds.
const FallbackIP = "0.0.0.0"

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

// IsPrivateIP reports loopback and RFC1918 addresses.
// Params: ip textual address (IPv4, IPv6, or "localhost").
// Returns: true for loopback, 10/8, 172.16/12, 192.168/16.
func IsPrivateIP(ip string) bool {
	value := strings.TrimSpace(ip)
	if strings.EqualFold(value, "localhost") {
		return true
	}
	parsed := net.ParseIP(value)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(values ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		_, block, err := net.ParseCIDR(value)
		if err != nil {
			panic(err)
		}
		out = append(out, block)
	}
	return out
}

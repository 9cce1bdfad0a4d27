package util

import (
	"net/http"
	"net/netip"
	"strings"
)

// ipv6BucketBits is the prefix a single IPv6 client is assumed to own.
const ipv6BucketBits = 64

// TrustedProxies is the set of proxy prefixes whose forwarding headers are
// believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or bare IP entries. No entries means no
// proxy is trusted and it returns nil.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

// Contains reports whether addr falls inside a trusted prefix.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address. Forwarding headers count only when
// the direct peer is a trusted proxy; the chain is walked right to left to the
// first untrusted hop.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	addr, ok := clientAddr(r, trusted)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return addr.String()
}

// ClientBucket is the rate limit key for the caller: the address for IPv4
// and its /64 for IPv6, since one IPv6 host can rotate through a whole /64.
func ClientBucket(r *http.Request, trusted *TrustedProxies) string {
	addr, ok := clientAddr(r, trusted)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if addr.Is4() {
		return addr.String()
	}
	p, err := addr.Prefix(ipv6BucketBits)
	if err != nil {
		return addr.String()
	}
	return p.String()
}

func clientAddr(r *http.Request, trusted *TrustedProxies) (netip.Addr, bool) {
	remote, ok := parseRemoteAddr(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if !trusted.Contains(remote) {
		return remote, true
	}

	if chain := parseForwardedFor(r.Header.Get("X-Forwarded-For")); len(chain) > 0 {
		chain = append(chain, remote)
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.Contains(chain[i]) {
				return chain[i], true
			}
		}
		return chain[0], true
	}
	if realIP, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return realIP, true
	}
	return remote, true
}

func parseForwardedFor(raw string) []netip.Addr {
	parts := strings.Split(raw, ",")
	out := make([]netip.Addr, 0, len(parts))
	for _, part := range parts {
		if addr, ok := parseAddr(part); ok {
			out = append(out, addr)
		}
	}
	return out
}

func parseRemoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	return parseAddr(raw)
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

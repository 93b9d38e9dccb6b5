// Package clientip resolves the originating client address of a request.
//
// Forwarding headers are only believed when the connecting peer is a trusted
// proxy. Anything else a client sends about its own address is ignored.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Unknown is hashed in place of an address when no source is usable.
const Unknown = "unknown"

// maxLen bounds any candidate value; the longest textual IPv6 with zone and
// port fits comfortably.
const maxLen = 64

// DefaultTrusted covers loopback and private networks, where a reverse proxy
// normally sits.
var DefaultTrusted = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

type Resolver struct {
	trusted []netip.Prefix
	header  string
}

// New returns a resolver trusting the given proxy networks. header names a
// single-value header set by the edge (for example CF-Connecting-IP); when
// empty the right-most untrusted X-Forwarded-For hop is used, then the
// Forwarded header.
func New(trusted []netip.Prefix, header string) *Resolver {
	return &Resolver{trusted: trusted, header: http.CanonicalHeaderKey(strings.TrimSpace(header))}
}

// ParsePrefixes accepts CIDRs and bare addresses.
func ParsePrefixes(vals []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not an address or CIDR", v)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Resolve returns the client address for r. An untrusted peer is the client.
// Behind a trusted peer the configured header, or the forwarding chain, is
// consulted; the peer itself is the fallback.
func (rv *Resolver) Resolve(r *http.Request) string {
	peer, ok := plausible(r.RemoteAddr)
	if !ok {
		return Unknown
	}
	if !rv.trusts(peer) {
		return peer.String()
	}

	switch rv.header {
	case "", "X-Forwarded-For":
		if a, ok := rv.fromChain(xffHops(r.Header.Values("X-Forwarded-For"))); ok {
			return a.String()
		}
		if rv.header == "" {
			if a, ok := rv.fromChain(forwardedHops(r.Header.Values("Forwarded"))); ok {
				return a.String()
			}
		}
	case "Forwarded":
		if a, ok := rv.fromChain(forwardedHops(r.Header.Values("Forwarded"))); ok {
			return a.String()
		}
	default:
		if a, ok := plausible(strings.TrimSpace(r.Header.Get(rv.header))); ok {
			return a.String()
		}
	}
	return peer.String()
}

func (rv *Resolver) trusts(a netip.Addr) bool {
	for _, p := range rv.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// fromChain walks hops from the nearest proxy outwards and returns the first
// untrusted address. Only that hop was written by a proxy we trust; anything
// further left is client-controlled.
func (rv *Resolver) fromChain(hops []string) (netip.Addr, bool) {
	var last netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		a, ok := plausible(hops[i])
		if !ok {
			return netip.Addr{}, false
		}
		if !rv.trusts(a) {
			return a, true
		}
		last = a
	}
	return last, last.IsValid()
}

func xffHops(lines []string) []string {
	var hops []string
	for _, line := range lines {
		for _, h := range strings.Split(line, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}
	return hops
}

// forwardedHops extracts the for= parameter of every Forwarded element.
func forwardedHops(lines []string) []string {
	var hops []string
	for _, line := range lines {
		for _, elem := range strings.Split(line, ",") {
			hop := ""
			for _, pair := range strings.Split(elem, ";") {
				k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
				if ok && strings.EqualFold(k, "for") {
					hop = strings.Trim(strings.TrimSpace(val), `"`)
				}
			}
			if hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func plausible(v string) (netip.Addr, bool) {
	if v == "" || len(v) > maxLen {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(v); err == nil {
		return ap.Addr().Unmap(), true
	}
	if host, _, err := net.SplitHostPort(v); err == nil {
		v = host
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

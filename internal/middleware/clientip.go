package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// ClientIPExtractor resolves the address a request really came from.
// Forwarding headers are only believed when the direct peer is one of
// gateway.trustedProxies; with none configured the peer address is used.
type ClientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor parses trusted proxies given as CIDRs or single
// addresses. Unparseable entries are skipped; the config validator
// reports them.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	e := &ClientIPExtractor{trusted: make([]netip.Prefix, 0, len(trustedProxies))}
	for _, entry := range trustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			e.trusted = append(e.trusted, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			e.trusted = append(e.trusted, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return e
}

// Extract returns the client address of r without a port. Behind trusted
// proxies X-Forwarded-For is walked from the right and the first hop that
// is not a trusted proxy wins; X-Real-IP is used when no X-Forwarded-For
// is present.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if e == nil || len(e.trusted) == 0 || !e.trustedAddr(peer) {
		return peer
	}

	hops := r.Header.Values(HeaderXForwardedFor)
	if len(hops) == 0 {
		if realIP, ok := parseAddr(r.Header.Get(HeaderXRealIP)); ok {
			return realIP.String()
		}
		return peer
	}

	chain := strings.Split(strings.Join(hops, ","), ",")
	for i := len(chain) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(chain[i])
		if hop == "" || e.trustedAddr(hop) {
			continue
		}
		addr, ok := parseAddr(hop)
		if !ok {
			// A forged or garbled hop ends the walk.
			return peer
		}
		return addr.String()
	}
	return peer
}

func (e *ClientIPExtractor) trustedAddr(s string) bool {
	addr, ok := parseAddr(s)
	if !ok {
		return false
	}
	for _, prefix := range e.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// ClientIP resolves the client address once and stores it in the request
// context for rate limiting, ip-hash balancing and X-Forwarded-For.
func ClientIP(extractor *ClientIPExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractor.Extract(r)
			next.ServeHTTP(w, r.WithContext(util.ContextWithClientIP(r.Context(), ip)))
		})
	}
}

package middleware

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/svcgw/internal/config"
)

// Defaults for fields left empty in gateway.cors.
var (
	defaultCORSOrigins = []string{"*"}
	defaultCORSMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
	}
	defaultCORSHeaders = []string{
		HeaderOrigin, "Content-Type", "Accept", HeaderAuthorization, HeaderXRequestID,
	}
	defaultCORSExpose = []string{HeaderXRequestID, HeaderRetryAfter}
)

// corsPolicy is gateway.cors with header values joined once.
type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]struct{}
	suffixes    []string // ".example.com" for "*.example.com"
	methods     string
	headers     string
	expose      string
	maxAge      string
	credentials bool
}

func newCORSPolicy(cfg *config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]struct{}),
		methods:     strings.Join(orDefault(cfg.AllowMethods, defaultCORSMethods), ", "),
		headers:     strings.Join(orDefault(cfg.AllowHeaders, defaultCORSHeaders), ", "),
		expose:      strings.Join(orDefault(cfg.ExposeHeaders, defaultCORSExpose), ", "),
		credentials: cfg.AllowCredentials,
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}

	for _, origin := range orDefault(cfg.AllowOrigins, defaultCORSOrigins) {
		switch {
		case origin == "*":
			p.anyOrigin = true
		case strings.HasPrefix(origin, "*."):
			p.suffixes = append(p.suffixes, origin[1:])
		default:
			p.origins[origin] = struct{}{}
		}
	}
	return p
}

func orDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

func (p *corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	if _, ok := p.origins[origin]; ok {
		return true
	}
	return slices.ContainsFunc(p.suffixes, func(suffix string) bool {
		return matchWildcardOrigin(origin, "*"+suffix)
	})
}

// matchWildcardOrigin reports whether the host of origin is a strict
// subdomain of pattern "*.domain". Scheme and port are ignored.
func matchWildcardOrigin(origin, pattern string) bool {
	suffix, ok := strings.CutPrefix(pattern, "*")
	if !ok || !strings.HasPrefix(suffix, ".") {
		return false
	}

	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
}

func (p *corsPolicy) apply(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", HeaderOrigin)
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.headers)
	h.Set("Access-Control-Expose-Headers", p.expose)
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

// CORSFromConfig returns the CORS middleware for gateway.cors. Requests
// from an allowed origin get the CORS headers echoing that origin; a
// preflight (OPTIONS with Access-Control-Request-Method) is answered with
// 204 and never reaches a backend. A nil config disables CORS and returns
// nil, which Chain skips.
func CORSFromConfig(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		return nil
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get(HeaderOrigin)
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if policy.allows(origin) {
				policy.apply(w.Header(), origin)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

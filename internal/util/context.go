package util

import (
	"context"
	"sync"
)

type ctxKey string

const (
	ctxKeyRequestMeta ctxKey = "request_meta"
	ctxKeyClientIP    ctxKey = "client_ip"
)

// RequestMeta carries values resolved deep in the handler chain back to
// the outer middleware that created it.
type RequestMeta struct {
	mu       sync.RWMutex
	service  string
	version  string
	instance string
}

// SetService records the resolved service name.
func (m *RequestMeta) SetService(service string) {
	m.mu.Lock()
	m.service = service
	m.mu.Unlock()
}

// Service returns the resolved service name, or "".
func (m *RequestMeta) Service() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.service
}

// SetVersion records the API version of the request.
func (m *RequestMeta) SetVersion(version string) {
	m.mu.Lock()
	m.version = version
	m.mu.Unlock()
}

// Version returns the API version of the request, or "".
func (m *RequestMeta) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// SetInstance records the instance that served the request.
func (m *RequestMeta) SetInstance(instance string) {
	m.mu.Lock()
	m.instance = instance
	m.mu.Unlock()
}

// Instance returns the instance that served the request, or "".
func (m *RequestMeta) Instance() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instance
}

// EnsureRequestMeta returns ctx carrying a RequestMeta, reusing an
// existing one when present.
func EnsureRequestMeta(ctx context.Context) (context.Context, *RequestMeta) {
	if meta := RequestMetaFromContext(ctx); meta != nil {
		return ctx, meta
	}
	meta := &RequestMeta{}
	return context.WithValue(ctx, ctxKeyRequestMeta, meta), meta
}

// RequestMetaFromContext returns the RequestMeta in ctx, or nil.
func RequestMetaFromContext(ctx context.Context) *RequestMeta {
	if v, ok := ctx.Value(ctxKeyRequestMeta).(*RequestMeta); ok {
		return v
	}
	return nil
}

// ContextWithClientIP adds the resolved client IP to the context.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// ClientIPFromContext extracts the resolved client IP from context.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyClientIP).(string); ok {
		return v
	}
	return ""
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// Sentinel errors.
var (
	// ErrMissingToken indicates the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken indicates the token was rejected.
	ErrInvalidToken = errors.New("invalid token")

	// ErrVerifierUnavailable indicates the remote verifier could not be
	// reached or is short-circuited.
	ErrVerifierUnavailable = errors.New("token verifier unavailable")
)

// Failure reasons used in metrics.
const (
	ReasonMissing     = "missing_token"
	ReasonInvalid     = "invalid_token"
	ReasonUnavailable = "verifier_unavailable"
)

// Reason maps an authentication error to a metrics label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ReasonMissing
	case errors.Is(err, ErrVerifierUnavailable):
		return ReasonUnavailable
	default:
		return ReasonInvalid
	}
}

// Identity is the authenticated caller.
type Identity struct {
	Subject  string         `json:"sub"`
	Email    string         `json:"email,omitempty"`
	Role     string         `json:"role,omitempty"`
	TenantID string         `json:"tenantId,omitempty"`
	Claims   map[string]any `json:"-"`
}

// Authenticator verifies a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*Identity, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// allowAll accepts every request, with or without a token.
type allowAll struct{}

func (allowAll) Authenticate(context.Context, string) (*Identity, error) {
	return &Identity{Subject: "anonymous"}, nil
}

// AllowAll returns an Authenticator that accepts everything.
func AllowAll() Authenticator {
	return allowAll{}
}

// IsAllowAll reports whether a is the pass-through authenticator.
func IsAllowAll(a Authenticator) bool {
	_, ok := a.(allowAll)
	return ok
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Option configures authenticators built by New.
type Option func(*options)

type options struct {
	logger     observability.Logger
	httpClient *http.Client
	onState    func(from, to string)
}

// WithLogger sets the authenticator logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient sets the client of the remote verifier.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithBreakerStateCallback is called when the remote verifier breaker
// changes state.
func WithBreakerStateCallback(fn func(from, to string)) Option {
	return func(o *options) {
		o.onState = fn
	}
}

// New builds the authenticator selected by cfg.Mode.
func New(cfg config.AuthConfig, opts ...Option) (Authenticator, error) {
	o := &options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	switch cfg.Mode {
	case "", config.AuthModeNone:
		return AllowAll(), nil
	case config.AuthModeJWT:
		v, err := NewJWTVerifier(cfg.JWT)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return v, nil
	case config.AuthModeRemote:
		v, err := NewRemoteVerifier(cfg.Remote, o)
		if err != nil {
			return nil, fmt.Errorf("remote verifier: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type identityKey struct{}

// ContextWithIdentity stores the authenticated identity in ctx.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

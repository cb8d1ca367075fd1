package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/svcgw/internal/config"
)

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

// JWTVerifier verifies tokens locally.
type JWTVerifier struct {
	parseOpts []jwt.ParseOption
}

// NewJWTVerifier builds a verifier from a shared secret or an RSA/EC
// public key in PEM form. The algorithm defaults to HS256 for secrets and
// RS256 for public keys.
func NewJWTVerifier(cfg config.JWTConfig) (*JWTVerifier, error) {
	var (
		key        any
		defaultAlg jwa.SignatureAlgorithm
	)

	switch {
	case cfg.PublicKeyFile != "":
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		k, err := jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		key = k
		defaultAlg = jwa.RS256
	case cfg.Secret != "":
		key = []byte(cfg.Secret)
		defaultAlg = jwa.HS256
	default:
		return nil, errors.New("either secret or publicKeyFile is required")
	}

	alg := defaultAlg
	if cfg.Algorithm != "" {
		if err := alg.Accept(cfg.Algorithm); err != nil {
			return nil, fmt.Errorf("algorithm: %w", err)
		}
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTVerifier{parseOpts: opts}, nil
}

// Authenticate implements Authenticator.
func (v *JWTVerifier) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	tok, err := jwt.Parse([]byte(token), v.parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if tok.Subject() == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	claims := tok.PrivateClaims()
	return &Identity{
		Subject:  tok.Subject(),
		Email:    stringClaim(claims, "email"),
		Role:     stringClaim(claims, "role"),
		TenantID: stringClaim(claims, "tenantId"),
		Claims:   claims,
	}, nil
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

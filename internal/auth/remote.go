package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

const (
	// maxVerifyResponseBytes bounds the verify response read into memory.
	maxVerifyResponseBytes = 64 << 10

	remoteBreakerFailures = 5
	remoteBreakerTimeout  = 10 * time.Second
)

// verification is a cached verify outcome. Rejections are cached too so
// a flood of bad tokens does not reach the auth service.
type verification struct {
	identity *Identity
	valid    bool
}

// RemoteVerifier delegates token verification to the auth service.
type RemoteVerifier struct {
	verifyURL string
	timeout   time.Duration
	client    *http.Client
	cache     *otter.Cache[string, verification]
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
}

// NewRemoteVerifier builds a verifier calling GET cfg.VerifyURL with the
// caller's bearer token.
func NewRemoteVerifier(cfg config.RemoteAuthConfig, o *options) (*RemoteVerifier, error) {
	if cfg.VerifyURL == "" {
		return nil, errors.New("verifyURL is required")
	}
	if o == nil {
		o = &options{logger: observability.NopLogger()}
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultRemoteAuthTimeout
	}
	ttl := cfg.CacheTTL.Duration()
	if ttl <= 0 {
		ttl = config.DefaultRemoteAuthCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = config.DefaultRemoteAuthCacheSize
	}

	cache, err := otter.New(&otter.Options[string, verification]{
		MaximumSize:      size,
		ExpiryCalculator: otter.ExpiryWriting[string, verification](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("build verification cache: %w", err)
	}

	client := o.httpClient
	if client == nil {
		client = &http.Client{}
	}

	v := &RemoteVerifier{
		verifyURL: cfg.VerifyURL,
		timeout:   timeout,
		client:    client,
		cache:     cache,
		logger:    o.logger,
	}

	v.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "auth-verifier",
		Timeout: remoteBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= remoteBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			v.logger.Warn("auth verifier breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if o.onState != nil {
				o.onState(from.String(), to.String())
			}
		},
	})

	return v, nil
}

// Authenticate implements Authenticator.
func (v *RemoteVerifier) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	key := cacheKey(token)
	if cached, ok := v.cache.GetIfPresent(key); ok {
		if !cached.valid {
			return nil, ErrInvalidToken
		}
		return cached.identity, nil
	}

	result, err := v.breaker.Execute(func() (interface{}, error) {
		res, err := v.verify(ctx, token)
		return res, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
		}
		return nil, err
	}

	res := result.(verification)
	v.cache.Set(key, res)
	if !res.valid {
		return nil, ErrInvalidToken
	}
	return res.identity, nil
}

// verify performs one verify call. Only transport failures and server
// errors are returned as errors so the breaker ignores rejected tokens.
func (v *RemoteVerifier) verify(ctx context.Context, token string) (verification, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, http.NoBody)
	if err != nil {
		return verification{}, fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return verification{}, fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyResponseBytes))
	if err != nil {
		return verification{}, fmt.Errorf("%w: read response: %w", ErrVerifierUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return verification{}, fmt.Errorf("%w: status %d", ErrVerifierUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return verification{valid: false}, nil
	}

	return parseVerifyResponse(body), nil
}

// parseVerifyResponse reads {"valid": true, "user": {...}}. A 200 response
// without a valid field counts as valid.
func parseVerifyResponse(body []byte) verification {
	if !gjson.ValidBytes(body) {
		return verification{valid: false}
	}
	doc := gjson.ParseBytes(body)

	if valid := doc.Get("valid"); valid.Exists() && !valid.Bool() {
		return verification{valid: false}
	}

	user := doc.Get("user")
	id := &Identity{
		Subject:  firstString(user, "id", "sub"),
		Email:    user.Get("email").String(),
		Role:     user.Get("role").String(),
		TenantID: firstString(user, "tenantId", "tenant_id"),
	}
	if id.Subject == "" {
		id.Subject = doc.Get("sub").String()
	}
	if m, ok := user.Value().(map[string]interface{}); ok {
		id.Claims = m
	}
	return verification{identity: id, valid: true}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// cacheKey avoids keeping raw tokens as map keys.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/config"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

type testClaims struct {
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	jwt.RegisteredClaims
}

func validClaims() testClaims {
	return testClaims{
		Email:    "user@example.com",
		Role:     "manager",
		TenantID: "tenant-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "svcgw-auth",
			Audience:  jwt.ClaimStrings{"svcgw"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func signHS256(t *testing.T, claims testClaims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestJWTVerifier_HS256(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier(config.JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), signHS256(t, validClaims(), testSecret))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)
	assert.Equal(t, "user@example.com", id.Email)
	assert.Equal(t, "manager", id.Role)
	assert.Equal(t, "tenant-1", id.TenantID)
}

func TestJWTVerifier_Rejections(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier(config.JWTConfig{
		Secret:   testSecret,
		Issuer:   "svcgw-auth",
		Audience: "svcgw",
	})
	require.NoError(t, err)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"other"}

	noSubject := validClaims()
	noSubject.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong secret", token: signHS256(t, validClaims(), "another-secret-another-secret-xx")},
		{name: "expired", token: signHS256(t, expired, testSecret)},
		{name: "wrong issuer", token: signHS256(t, wrongIssuer, testSecret)},
		{name: "wrong audience", token: signHS256(t, wrongAudience, testSecret)},
		{name: "no subject", token: signHS256(t, noSubject, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Authenticate(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestJWTVerifier_RS256PublicKey(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "public.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := NewJWTVerifier(config.JWTConfig{PublicKeyFile: path})
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(key)
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)

	_, err = v.Authenticate(context.Background(), signHS256(t, validClaims(), testSecret))
	assert.ErrorIs(t, err, ErrInvalidToken, "algorithm is pinned to the key")
}

func TestNewJWTVerifier_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewJWTVerifier(config.JWTConfig{})
	assert.Error(t, err)

	_, err = NewJWTVerifier(config.JWTConfig{PublicKeyFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)

	_, err = NewJWTVerifier(config.JWTConfig{Secret: testSecret, Algorithm: "XX999"})
	assert.Error(t, err)
}

package caller_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fedresolve/pkg/caller"
	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/resolver"
)

var secret = []byte(strings.Repeat("k", 32))

func sign(t *testing.T, method jwt.SigningMethod, key any, claims caller.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func claims(role string, expiry time.Duration) caller.Claims {
	now := time.Now()
	return caller.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "analyst-7",
			Issuer:    "fedresolve-test",
			ID:        "req-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		Role: role,
	}
}

func TestParseFlags(t *testing.T) {
	f := caller.ParseFlags(" beta, show_credit_limits ,!legacy,,")
	assert.True(t, f.IsEnabled("beta"))
	assert.True(t, f.IsEnabled("show_credit_limits"))
	assert.False(t, f.IsEnabled("legacy"))
	assert.False(t, f.IsEnabled("unknown"))
	assert.Equal(t, []string{"beta", "show_credit_limits"}, f.Names())
}

func TestContextRoundTrip(t *testing.T) {
	c := caller.Context{Role: "manager"}.EnsureRequestID()
	require.NotEmpty(t, c.RequestID)
	assert.Equal(t, c.RequestID, c.EnsureRequestID().RequestID, "existing ids are kept")

	ctx := caller.WithContext(context.Background(), c)
	got, ok := caller.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, c, got)

	_, ok = caller.FromContext(context.Background())
	assert.False(t, ok)
}

func TestFromToken_HMAC(t *testing.T) {
	v, err := caller.NewHMACVerifier(secret, caller.WithIssuer("fedresolve-test"))
	require.NoError(t, err)

	cl := claims("manager", time.Hour)
	cl.Flags = []string{"show_credit_limits"}
	cl.Mode = "all"
	cl.Strategy = "majority"

	c, err := v.FromToken(sign(t, jwt.SigningMethodHS256, secret, cl))
	require.NoError(t, err)
	assert.Equal(t, "manager", c.Role)
	assert.Equal(t, resolver.ModeAll, c.Mode)
	assert.Equal(t, conflict.Majority, c.Strategy)
	assert.Equal(t, "req-1", c.RequestID)
	assert.True(t, c.Flags.IsEnabled("show_credit_limits"))
}

func TestFromToken_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v, err := caller.NewEd25519Verifier(pub)
	require.NoError(t, err)

	c, err := v.FromToken(sign(t, jwt.SigningMethodEdDSA, priv, claims("user", time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "user", c.Role)
	assert.Equal(t, resolver.ModeFirstSuccess, c.Mode)
	assert.Empty(t, c.Strategy)
}

func TestFromToken_Rejects(t *testing.T) {
	v, err := caller.NewHMACVerifier(secret, caller.WithIssuer("fedresolve-test"))
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	badMode := claims("user", time.Hour)
	badMode.Mode = "sometimes"
	wrongIssuer := claims("user", time.Hour)
	wrongIssuer.Issuer = "elsewhere"
	noExpiry := claims("user", time.Hour)
	noExpiry.ExpiresAt = nil

	tokens := map[string]string{
		"expired":       sign(t, jwt.SigningMethodHS256, secret, claims("user", -time.Minute)),
		"no role":       sign(t, jwt.SigningMethodHS256, secret, claims("", time.Hour)),
		"wrong secret":  sign(t, jwt.SigningMethodHS256, []byte(strings.Repeat("x", 32)), claims("user", time.Hour)),
		"wrong method":  sign(t, jwt.SigningMethodEdDSA, otherPriv, claims("user", time.Hour)),
		"bad mode":      sign(t, jwt.SigningMethodHS256, secret, badMode),
		"wrong issuer":  sign(t, jwt.SigningMethodHS256, secret, wrongIssuer),
		"no expiry":     sign(t, jwt.SigningMethodHS256, secret, noExpiry),
		"not a token":   "definitely.not.a-token",
		"empty":         "",
	}
	for name, tok := range tokens {
		t.Run(name, func(t *testing.T) {
			_, err := v.FromToken(tok)
			assert.ErrorIs(t, err, caller.ErrInvalidToken)
		})
	}

	var nilVerifier *caller.TokenVerifier
	_, err = nilVerifier.FromToken("x")
	assert.ErrorIs(t, err, caller.ErrInvalidToken)
}

func TestNewVerifier_KeyChecks(t *testing.T) {
	_, err := caller.NewHMACVerifier([]byte("short"))
	assert.Error(t, err)
	_, err = caller.NewEd25519Verifier(ed25519.PublicKey{1, 2, 3})
	assert.Error(t, err)
}

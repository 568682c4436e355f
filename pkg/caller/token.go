package caller

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/resolver"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// claim checks.
var ErrInvalidToken = errors.New("invalid caller token")

// Claims are the JWT claims mapped into a Context.
type Claims struct {
	jwt.RegisteredClaims
	Role     string   `json:"role"`
	Flags    []string `json:"flags,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
}

// TokenVerifier validates caller tokens signed with one key.
type TokenVerifier struct {
	key      any
	methods  []string
	issuer   string
	audience string
	leeway   time.Duration
}

// VerifierOption configures a TokenVerifier.
type VerifierOption func(*TokenVerifier)

// WithIssuer requires the iss claim.
func WithIssuer(iss string) VerifierOption {
	return func(v *TokenVerifier) { v.issuer = iss }
}

// WithAudience requires the aud claim.
func WithAudience(aud string) VerifierOption {
	return func(v *TokenVerifier) { v.audience = aud }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *TokenVerifier) { v.leeway = d }
}

// NewHMACVerifier verifies HS256 tokens.
func NewHMACVerifier(secret []byte, opts ...VerifierOption) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("HMAC secret must be at least 32 bytes, got %d", len(secret))
	}
	return newVerifier(append([]byte(nil), secret...), []string{jwt.SigningMethodHS256.Alg()}, opts), nil
}

// NewEd25519Verifier verifies EdDSA tokens.
func NewEd25519Verifier(pub ed25519.PublicKey, opts ...VerifierOption) (*TokenVerifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return newVerifier(pub, []string{jwt.SigningMethodEdDSA.Alg()}, opts), nil
}

func newVerifier(key any, methods []string, opts []VerifierOption) *TokenVerifier {
	v := &TokenVerifier{key: key, methods: methods}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// FromToken validates tokenStr and maps its claims into a Context. The
// token must carry a role; flags become StaticFlags.
func (v *TokenVerifier) FromToken(tokenStr string) (Context, error) {
	if v == nil {
		return Context{}, fmt.Errorf("%w: verifier not configured", ErrInvalidToken)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Context{}, ErrInvalidToken
	}
	if claims.Role == "" {
		return Context{}, fmt.Errorf("%w: role claim is required", ErrInvalidToken)
	}

	mode, err := resolver.ParseMode(claims.Mode)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var strategy conflict.Strategy
	if claims.Strategy != "" {
		if strategy, err = conflict.ParseStrategy(claims.Strategy); err != nil {
			return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	flags := StaticFlags{}
	for _, f := range claims.Flags {
		flags[f] = true
	}
	return Context{
		Role:      claims.Role,
		Flags:     flags,
		Mode:      mode,
		Strategy:  strategy,
		RequestID: claims.ID,
	}, nil
}

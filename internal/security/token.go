package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTTL is the fixed lifetime of a session and of the token bound to it.
// There is no refresh: an expired token always means a new login.
const SessionTTL = 7 * 24 * time.Hour

const tokenIssuer = "clinicdesk"

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidPayload = errors.New("invalid token payload")
	// ErrMissingSigningSecret is a configuration error: the process must not
	// start without a signing secret.
	ErrMissingSigningSecret = errors.New("token signing secret is not configured")
)

// Claims are the application claims carried by a session token.
type Claims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Tenant    string `json:"tenant"`
}

type tokenClaims struct {
	Claims
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type TokenOption func(*TokenIssuer)

// WithTokenClock overrides the clock used for iat/exp and for validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(t *TokenIssuer) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTokenIssuer(secret string, opts ...TokenOption) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSigningSecret
	}
	issuer := &TokenIssuer{
		secret: []byte(secret),
		ttl:    SessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// Issue signs claims with a fixed SessionTTL expiry.
func (t *TokenIssuer) Issue(claims Claims) (string, time.Time, error) {
	now := t.now()
	expiresAt := jwt.NewNumericDate(now.Add(t.ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Claims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expiresAt,
		},
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, expiresAt.Time, nil
}

// Verify checks signature and expiry and that the session, user and tenant
// claims are present. It knows nothing about session state.
func (t *TokenIssuer) Verify(tokenStr string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if err := tc.Claims.validate(); err != nil {
		return Claims{}, err
	}
	return tc.Claims, nil
}

func (c Claims) validate() error {
	switch {
	case strings.TrimSpace(c.SessionID) == "":
		return fmt.Errorf("%w: missing sid", ErrInvalidPayload)
	case strings.TrimSpace(c.UserID) == "":
		return fmt.Errorf("%w: missing uid", ErrInvalidPayload)
	case strings.TrimSpace(c.Tenant) == "":
		return fmt.Errorf("%w: missing tenant", ErrInvalidPayload)
	}
	return nil
}

// Complete reports whether the claims identify a session, user and tenant.
func (c Claims) Complete() bool {
	return c.validate() == nil
}

// DigestToken returns the hex SHA-256 digest stored in place of a token.
func DigestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DigestsEqual compares two token digests in constant time.
func DigestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

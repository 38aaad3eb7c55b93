// Package identity verifies tokens issued by the external identity provider
// (Google). Signed ID tokens are checked against the provider's published
// keys; opaque access tokens are exchanged at the userinfo endpoint.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultHTTPTimeout = 5 * time.Second
)

var DefaultIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

var DefaultOpaquePrefixes = []string{"ya29."}

var (
	ErrUnsupportedToken    = errors.New("identity: unsupported token format")
	ErrInvalidIDToken      = errors.New("identity: invalid id token")
	ErrMissingEmail        = errors.New("identity: token carries no email")
	ErrEmailNotVerified    = errors.New("identity: provider email is not verified")
	ErrUserInfoRejected    = errors.New("identity: userinfo request rejected")
	ErrProviderUnavailable = errors.New("identity: provider unavailable")
)

// Identity is what the provider vouches for.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

type Config struct {
	JWKSURL        string
	UserInfoURL    string
	Issuers        []string
	ClientID       string
	OpaquePrefixes []string
}

type Verifier struct {
	cfg    Config
	client *http.Client
	keys   *keySet
	now    func() time.Time
}

type Option func(*Verifier)

func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		if client != nil {
			v.client = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("identity: client id is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = DefaultJWKSURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = DefaultUserInfoURL
	}
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = DefaultIssuers
	}
	if len(cfg.OpaquePrefixes) == 0 {
		cfg.OpaquePrefixes = DefaultOpaquePrefixes
	}

	v := &Verifier{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.keys = newKeySet(cfg.JWKSURL, v.client, v.now)
	return v, nil
}

// Verify picks exactly one path by the token's shape and returns the
// identity it proves.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	switch {
	case v.isOpaque(token):
		return v.fetchUserInfo(ctx, token)
	case looksLikeJWT(token):
		return v.verifyIDToken(ctx, token)
	default:
		return Identity{}, ErrUnsupportedToken
	}
}

type idTokenClaims struct {
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
	jwt.RegisteredClaims
}

func (v *Verifier) verifyIDToken(ctx context.Context, raw string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(raw, &idTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	claims, ok := parsed.Claims.(*idTokenClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidIDToken
	}
	if !slices.Contains(v.cfg.Issuers, claims.Issuer) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIDToken, claims.Issuer)
	}
	return identityFrom(claims.Subject, claims.Email, claims.Name, claims.EmailVerified)
}

type userInfo struct {
	Subject       string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Name          string   `json:"name"`
}

func (v *Verifier) fetchUserInfo(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.UserInfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: userinfo: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("%w: status %d", ErrUserInfoRejected, resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Identity{}, fmt.Errorf("%w: decode: %v", ErrUserInfoRejected, err)
	}
	return identityFrom(info.Subject, info.Email, info.Name, info.EmailVerified)
}

func identityFrom(subject, email, name string, verified flexBool) (Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Identity{}, ErrMissingEmail
	}
	if verified.set && !verified.value {
		return Identity{}, ErrEmailNotVerified
	}
	return Identity{Subject: subject, Email: email, Name: strings.TrimSpace(name)}, nil
}

func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" || strings.IndexFunc(part, notBase64URL) >= 0 {
			return false
		}
	}
	return true
}

func notBase64URL(r rune) bool {
	return !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
}

func (v *Verifier) isOpaque(token string) bool {
	for _, prefix := range v.cfg.OpaquePrefixes {
		if prefix != "" && strings.HasPrefix(token, prefix) && len(token) > len(prefix) {
			return true
		}
	}
	return false
}

// flexBool accepts true, false, "true" and "false"; providers are not
// consistent about the type of email_verified.
type flexBool struct {
	set   bool
	value bool
}

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = flexBool{set: true, value: true}
	case "false":
		*b = flexBool{set: true, value: false}
	case "null", "":
		*b = flexBool{}
	default:
		return fmt.Errorf("email_verified: unexpected value %s", data)
	}
	return nil
}

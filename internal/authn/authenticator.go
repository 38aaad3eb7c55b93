// Package authn runs the per-request authentication state machine: bearer
// token, signature, session ledger, principal, tenant membership and, for
// tenant-scoped paths, the tenant catalog.
package authn

import (
	"context"
	"errors"
	"strings"
	"time"

	"clinicdesk/internal/models"
	"clinicdesk/internal/repository"
	"clinicdesk/internal/security"
	"clinicdesk/internal/tenant"
)

// DefaultTenantPrefix marks routes that operate on tenant data.
const DefaultTenantPrefix = "/api/v1/tenant/"

type TokenVerifier interface {
	Verify(token string) (security.Claims, error)
}

type SessionFinder interface {
	Find(ctx context.Context, sessionID string) (models.Session, error)
}

type UserFinder interface {
	FindActiveByID(ctx context.Context, id string) (models.User, error)
}

type TenantGate interface {
	AssertExists(ctx context.Context, raw string) (string, error)
}

// Request is the part of an inbound request the authenticator looks at.
// Client supplied tenant hints are deliberately absent.
type Request struct {
	Authorization string
	Path          string
}

// Principal is what downstream handlers see of the caller.
type Principal struct {
	UserID    string          `json:"userId"`
	Email     string          `json:"email"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone"`
	Role      models.UserRole `json:"role"`
	SessionID string          `json:"sessionId"`
	Tenant    string          `json:"tenant"`
}

type Authenticator struct {
	tokens   TokenVerifier
	sessions SessionFinder
	users    UserFinder
	gate     TenantGate
	now      func() time.Time
	prefixes []string
}

type Option func(*Authenticator)

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithTenantPrefixes replaces the path prefixes that trigger the catalog
// check. Blank prefixes are ignored.
func WithTenantPrefixes(prefixes ...string) Option {
	return func(a *Authenticator) {
		var kept []string
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			a.prefixes = kept
		}
	}
}

func New(tokens TokenVerifier, sessions SessionFinder, users UserFinder, gate TenantGate, opts ...Option) *Authenticator {
	a := &Authenticator{
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		gate:     gate,
		now:      time.Now,
		prefixes: []string{DefaultTenantPrefix},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate runs every check in order and stops at the first failure,
// which is always a *Rejection. It only reads state.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (Principal, error) {
	raw, ok := BearerToken(req.Authorization)
	if !ok {
		return Principal{}, reject(ReasonMissingToken, nil)
	}

	claims, err := a.tokens.Verify(raw)
	if err != nil {
		if errors.Is(err, security.ErrInvalidPayload) {
			return Principal{}, reject(ReasonInvalidPayload, err)
		}
		return Principal{}, reject(ReasonInvalidToken, err)
	}
	if !claims.Complete() {
		return Principal{}, reject(ReasonInvalidPayload, security.ErrInvalidPayload)
	}

	digest := security.DigestToken(raw)
	session, err := a.sessions.Find(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return Principal{}, reject(ReasonSessionNotFound, err)
		}
		return Principal{}, reject(ReasonStoreUnavailable, err)
	}
	if session.UserID != claims.UserID {
		return Principal{}, reject(ReasonSessionNotFound, errors.New("session belongs to another user"))
	}

	if session.Revoked() || session.TokenDigest == "" || !security.DigestsEqual(digest, session.TokenDigest) {
		return Principal{}, reject(ReasonSessionRevoked, nil)
	}

	if !a.now().Before(session.ExpiresAt) {
		return Principal{}, reject(ReasonSessionExpired, nil)
	}

	user, err := a.users.FindActiveByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return Principal{}, reject(ReasonUserNotFound, err)
		}
		return Principal{}, reject(ReasonStoreUnavailable, err)
	}

	slug := tenant.Fold(claims.Tenant)
	if !user.HasCompany(slug) {
		return Principal{}, reject(ReasonTenantNoLongerAllowed, nil)
	}

	principal := Principal{
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Phone:     user.Phone,
		Role:      user.Role,
		SessionID: session.ID,
		Tenant:    slug,
	}

	if a.tenantScoped(req.Path) {
		name, err := a.checkTenant(ctx, user, principal.Tenant)
		if err != nil {
			return Principal{}, err
		}
		principal.Tenant = name
	}

	return principal, nil
}

func (a *Authenticator) checkTenant(ctx context.Context, user models.User, slug string) (string, error) {
	if slug == "" {
		return "", reject(ReasonSchemaRequired, nil)
	}
	if !user.HasCompany(slug) {
		return "", reject(ReasonUserNotAllowedForSchema, nil)
	}

	name, err := a.gate.AssertExists(ctx, slug)
	switch {
	case err == nil:
		return name, nil
	case errors.Is(err, tenant.ErrInvalidInput):
		return "", reject(ReasonInvalidTenant, err)
	case errors.Is(err, tenant.ErrNotFound):
		return "", reject(ReasonTenantNotFound, err)
	default:
		return "", reject(ReasonCatalogUnavailable, err)
	}
}

func (a *Authenticator) tenantScoped(path string) bool {
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"clinicdesk/internal/authn"
	"clinicdesk/internal/events"
	"clinicdesk/internal/identity"
	"clinicdesk/internal/ids"
	"clinicdesk/internal/metrics"
	"clinicdesk/internal/models"
	"clinicdesk/internal/repository"
	"clinicdesk/internal/security"
	"clinicdesk/internal/tenant"
	"clinicdesk/internal/verification"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrEmailNotVerified       = errors.New("email not verified")
	ErrVerificationRequired   = errors.New("verification required")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrTenantForbidden        = errors.New("tenant not allowed for user")
	ErrNoTenant               = errors.New("user has no tenant")
	ErrCannotRevokeCurrent    = errors.New("use logout to end the current session")
	ErrIdentityDisabled       = errors.New("identity provider login is not configured")
)

const minPasswordLength = 8

// bindTimeout bounds the digest bind, which runs detached from the request.
const bindTimeout = 5 * time.Second

type UserStore interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindActiveByID(ctx context.Context, id string) (models.User, error)
	Create(ctx context.Context, user models.User) error
	Restore(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id string, passwordHash []byte) error
	MarkEmailVerified(ctx context.Context, id string) error
	AddCompany(ctx context.Context, id string, slug string) error
	RemoveCompany(ctx context.Context, id string, slug string) error
}

type SessionStore interface {
	Create(ctx context.Context, userID, ip, userAgent string, expiresAt time.Time) (models.Session, error)
	BindDigest(ctx context.Context, sessionID string, digest string) error
	Find(ctx context.Context, sessionID string) (models.Session, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllExcept(ctx context.Context, userID string, exceptSessionID string) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]models.SessionSummary, error)
}

type TokenIssuer interface {
	Issue(claims security.Claims) (string, time.Time, error)
}

type TenantGate interface {
	AssertExists(ctx context.Context, raw string) (string, error)
}

type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

type AuthService struct {
	users      UserStore
	sessions   SessionStore
	tokens     TokenIssuer
	gate       TenantGate
	masterKey  *security.MasterKey
	identities IdentityVerifier
	confirmer  verification.Confirmer
	publisher  events.Publisher
	bcryptCost int
	now        func() time.Time
	log        zerolog.Logger
}

type Option func(*AuthService)

// WithMasterKey enables the support override key.
func WithMasterKey(key *security.MasterKey) Option {
	return func(s *AuthService) { s.masterKey = key }
}

func WithIdentityVerifier(v IdentityVerifier) Option {
	return func(s *AuthService) { s.identities = v }
}

func WithConfirmer(c verification.Confirmer) Option {
	return func(s *AuthService) { s.confirmer = c }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *AuthService) { s.publisher = p }
}

func WithBcryptCost(cost int) Option {
	return func(s *AuthService) { s.bcryptCost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewAuthService(
	users UserStore,
	sessions SessionStore,
	tokens TokenIssuer,
	gate TenantGate,
	log zerolog.Logger,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		gate:       gate,
		bcryptCost: security.DefaultBcryptCost,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientInfo is captured on the session at issuance.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type AuthResult struct {
	Token     string
	ExpiresAt time.Time
	Tenant    string
	SessionID string
	User      models.User
}

type LoginInput struct {
	Email    string
	Password string
	// Schema is optional; the user's first tenant is used when empty.
	Schema string
	Client ClientInfo
}

// Login checks the password against the user's digest and, failing that,
// against the master key. Either match grants access.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return AuthResult{}, ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	if !user.Active() {
		return AuthResult{}, ErrInvalidCredentials
	}

	ok, err := security.VerifyPassword(input.Password, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("stored password digest unusable")
	}
	viaMasterKey := false
	if !ok && s.masterKey.Matches(input.Password) {
		ok, viaMasterKey = true, true
	}
	if !ok {
		return AuthResult{}, ErrInvalidCredentials
	}

	if !user.EmailVerified {
		return AuthResult{}, ErrEmailNotVerified
	}

	tenantName, err := s.resolveTenant(ctx, user, input.Schema)
	if err != nil {
		return AuthResult{}, err
	}

	method := "password"
	if viaMasterKey {
		method = "master_key"
	}
	result, err := s.issueSession(ctx, user, tenantName, method, input.Client)
	if err != nil {
		return AuthResult{}, err
	}

	event := events.Event{Type: events.TypeLogin}
	if viaMasterKey {
		s.log.Warn().
			Str("user_id", user.ID).
			Str("tenant", tenantName).
			Str("ip", input.Client.IPAddress).
			Msg("master key login")
		event.Type = events.TypeMasterKeyLogin
		event.Detail = map[string]string{"email": user.Email}
	}
	s.publish(ctx, event, result, input.Client)
	return result, nil
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Phone    string
	Schema   string
	Client   ClientInfo
}

// Register creates the user, or restores a soft-deleted one, once the email
// has been confirmed through the verification flow.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (AuthResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || strings.TrimSpace(input.Schema) == "" {
		return AuthResult{}, fmt.Errorf("%w: email and schema are required", ErrInvalidRequest)
	}
	if len(input.Password) < minPasswordLength {
		return AuthResult{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}

	if err := s.requireConfirmed(ctx, email, verification.PurposeRegister); err != nil {
		return AuthResult{}, err
	}

	tenantName, err := s.gate.AssertExists(ctx, input.Schema)
	if err != nil {
		return AuthResult{}, err
	}

	passwordHash, err := security.HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return AuthResult{}, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil && user.Active():
		return AuthResult{}, ErrEmailAlreadyRegistered
	case err == nil:
		if err := s.restore(ctx, user.ID, passwordHash, tenantName); err != nil {
			return AuthResult{}, err
		}
		s.log.Info().Str("user_id", user.ID).Msg("restored soft-deleted user on registration")
	case errors.Is(err, repository.ErrUserNotFound):
		user = models.User{
			ID:            ids.New(),
			Email:         email,
			Name:          strings.TrimSpace(input.Name),
			Phone:         strings.TrimSpace(input.Phone),
			Role:          models.UserRolePatient,
			PasswordHash:  passwordHash,
			EmailVerified: true,
			Companies:     []string{tenantName},
		}
		if err := s.users.Create(ctx, user); err != nil {
			return AuthResult{}, err
		}
	default:
		return AuthResult{}, err
	}

	user, err = s.users.FindActiveByID(ctx, user.ID)
	if err != nil {
		return AuthResult{}, err
	}

	result, err := s.issueSession(ctx, user, tenantName, "register", input.Client)
	if err != nil {
		return AuthResult{}, err
	}
	s.consumeConfirmation(ctx, email, verification.PurposeRegister)
	s.publish(ctx, events.Event{Type: events.TypeLogin, Detail: map[string]string{"method": "register"}}, result, input.Client)
	return result, nil
}

func (s *AuthService) restore(ctx context.Context, userID string, passwordHash []byte, tenantName string) error {
	if err := s.users.Restore(ctx, userID); err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, passwordHash); err != nil {
		return err
	}
	if err := s.users.MarkEmailVerified(ctx, userID); err != nil {
		return err
	}
	return s.users.AddCompany(ctx, userID, tenantName)
}

type IdentityLoginInput struct {
	Token string
	// Schema is required the first time an identity signs in.
	Schema string
	Client ClientInfo
}

// LoginWithIdentity signs in with a token from the external identity
// provider, creating the user on first sight.
func (s *AuthService) LoginWithIdentity(ctx context.Context, input IdentityLoginInput) (AuthResult, error) {
	if s.identities == nil {
		return AuthResult{}, ErrIdentityDisabled
	}
	id, err := s.identities.Verify(ctx, input.Token)
	if err != nil {
		return AuthResult{}, err
	}

	user, err := s.users.FindByEmail(ctx, id.Email)
	switch {
	case err == nil:
		if !user.Active() {
			if err := s.users.Restore(ctx, user.ID); err != nil {
				return AuthResult{}, err
			}
		}
		if !user.EmailVerified {
			if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
				return AuthResult{}, err
			}
		}
	case errors.Is(err, repository.ErrUserNotFound):
		if strings.TrimSpace(input.Schema) == "" {
			return AuthResult{}, ErrNoTenant
		}
		tenantName, err := s.gate.AssertExists(ctx, input.Schema)
		if err != nil {
			return AuthResult{}, err
		}
		user = models.User{
			ID:            ids.New(),
			Email:         id.Email,
			Name:          id.Name,
			Role:          models.UserRolePatient,
			EmailVerified: true,
			Companies:     []string{tenantName},
		}
		if err := s.users.Create(ctx, user); err != nil {
			return AuthResult{}, err
		}
	default:
		return AuthResult{}, err
	}

	user, err = s.users.FindActiveByID(ctx, user.ID)
	if err != nil {
		return AuthResult{}, err
	}

	tenantName, err := s.resolveTenant(ctx, user, input.Schema)
	if err != nil {
		return AuthResult{}, err
	}
	result, err := s.issueSession(ctx, user, tenantName, "identity", input.Client)
	if err != nil {
		return AuthResult{}, err
	}
	s.publish(ctx, events.Event{Type: events.TypeLogin, Detail: map[string]string{"method": "identity"}}, result, input.Client)
	return result, nil
}

type ResetPasswordInput struct {
	Email       string
	NewPassword string
	Schema      string
	Client      ClientInfo
}

// ResetPassword replaces the password digest, ends every existing session
// and issues a fresh one.
func (s *AuthService) ResetPassword(ctx context.Context, input ResetPasswordInput) (AuthResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" {
		return AuthResult{}, fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	if len(input.NewPassword) < minPasswordLength {
		return AuthResult{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}
	if err := s.requireConfirmed(ctx, email, verification.PurposePasswordReset); err != nil {
		return AuthResult{}, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	if !user.Active() {
		return AuthResult{}, ErrInvalidCredentials
	}

	// Nothing is changed until the target tenant is known to be usable.
	tenantName, err := s.resolveTenant(ctx, user, input.Schema)
	if err != nil {
		return AuthResult{}, err
	}

	passwordHash, err := security.HashPassword(input.NewPassword, s.bcryptCost)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, passwordHash); err != nil {
		return AuthResult{}, err
	}
	revoked, err := s.sessions.RevokeAllExcept(ctx, user.ID, "")
	if err != nil {
		return AuthResult{}, err
	}

	result, err := s.issueSession(ctx, user, tenantName, "password_reset", input.Client)
	if err != nil {
		return AuthResult{}, err
	}
	s.consumeConfirmation(ctx, email, verification.PurposePasswordReset)
	s.publish(ctx, events.Event{
		Type:   events.TypePasswordReset,
		Detail: map[string]string{"revoked": fmt.Sprint(revoked)},
	}, result, input.Client)
	return result, nil
}

// Logout revokes the caller's current session.
func (s *AuthService) Logout(ctx context.Context, principal authn.Principal) error {
	if err := s.sessions.Revoke(ctx, principal.SessionID); err != nil {
		return err
	}
	s.publishFor(ctx, events.Event{Type: events.TypeLogout}, principal)
	return nil
}

// LogoutAll revokes every other session of the caller and returns how many
// were revoked.
func (s *AuthService) LogoutAll(ctx context.Context, principal authn.Principal) (int64, error) {
	n, err := s.sessions.RevokeAllExcept(ctx, principal.UserID, principal.SessionID)
	if err != nil {
		return 0, err
	}
	s.publishFor(ctx, events.Event{
		Type:   events.TypeLogoutAll,
		Detail: map[string]string{"revoked": fmt.Sprint(n)},
	}, principal)
	return n, nil
}

// RevokeSession ends one of the caller's other sessions. Sessions of other
// users are reported as not found.
func (s *AuthService) RevokeSession(ctx context.Context, principal authn.Principal, sessionID string) error {
	if sessionID == principal.SessionID {
		return ErrCannotRevokeCurrent
	}
	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != principal.UserID {
		return repository.ErrSessionNotFound
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.publishFor(ctx, events.Event{
		Type:   events.TypeSessionRevoked,
		Detail: map[string]string{"revokedSessionId": sessionID},
	}, principal)
	return nil
}

func (s *AuthService) ListSessions(ctx context.Context, principal authn.Principal) ([]models.SessionSummary, error) {
	return s.sessions.ListByUser(ctx, principal.UserID)
}

// SwitchTenant issues a session for another tenant of the caller and ends the
// current one.
func (s *AuthService) SwitchTenant(ctx context.Context, principal authn.Principal, schema string, client ClientInfo) (AuthResult, error) {
	if strings.TrimSpace(schema) == "" {
		return AuthResult{}, fmt.Errorf("%w: schema is required", ErrInvalidRequest)
	}
	user, err := s.users.FindActiveByID(ctx, principal.UserID)
	if err != nil {
		return AuthResult{}, err
	}
	tenantName, err := s.resolveTenant(ctx, user, schema)
	if err != nil {
		return AuthResult{}, err
	}
	result, err := s.issueSession(ctx, user, tenantName, "switch_tenant", client)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.sessions.Revoke(ctx, principal.SessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", principal.SessionID).Msg("revoke previous session after tenant switch failed")
	}
	s.publish(ctx, events.Event{
		Type:   events.TypeLogin,
		Detail: map[string]string{"method": "switch_tenant", "from": principal.Tenant},
	}, result, client)
	return result, nil
}

// GrantTenant gives userID access to the caller's tenant.
func (s *AuthService) GrantTenant(ctx context.Context, principal authn.Principal, userID string) error {
	if err := s.users.AddCompany(ctx, userID, principal.Tenant); err != nil {
		return err
	}
	s.publishFor(ctx, events.Event{
		Type:   events.TypeTenantGranted,
		Detail: map[string]string{"targetUserId": userID},
	}, principal)
	return nil
}

// RevokeTenant removes the caller's tenant from userID. Tokens already issued
// to that user for the tenant stop working on their next request.
func (s *AuthService) RevokeTenant(ctx context.Context, principal authn.Principal, userID string) error {
	if err := s.users.RemoveCompany(ctx, userID, principal.Tenant); err != nil {
		return err
	}
	s.publishFor(ctx, events.Event{
		Type:   events.TypeTenantRevoked,
		Detail: map[string]string{"targetUserId": userID},
	}, principal)
	return nil
}

// resolveTenant picks the tenant a new session is bound to. An explicit
// schema must be one of the user's tenants; otherwise the first one is used.
func (s *AuthService) resolveTenant(ctx context.Context, user models.User, schema string) (string, error) {
	if strings.TrimSpace(schema) == "" {
		if len(user.Companies) == 0 {
			return "", ErrNoTenant
		}
		schema = user.Companies[0]
	} else {
		name, err := tenant.Normalize(schema)
		if err != nil {
			return "", err
		}
		if !user.HasCompany(name) {
			return "", ErrTenantForbidden
		}
		schema = name
	}
	return s.gate.AssertExists(ctx, schema)
}

// issueSession runs the two-step protocol: the session row is created first
// because the token is signed over its id, then the token digest is bound.
func (s *AuthService) issueSession(ctx context.Context, user models.User, tenantName, method string, client ClientInfo) (AuthResult, error) {
	session, err := s.sessions.Create(ctx, user.ID, client.IPAddress, client.UserAgent, s.now().Add(security.SessionTTL))
	if err != nil {
		return AuthResult{}, fmt.Errorf("create session: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(security.Claims{
		SessionID: session.ID,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		Tenant:    tenantName,
	})
	if err != nil {
		s.abandonSession(ctx, session.ID)
		return AuthResult{}, fmt.Errorf("issue token: %w", err)
	}

	bindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bindTimeout)
	defer cancel()
	if err := s.sessions.BindDigest(bindCtx, session.ID, security.DigestToken(token)); err != nil {
		s.abandonSession(ctx, session.ID)
		return AuthResult{}, fmt.Errorf("bind session digest: %w", err)
	}

	metrics.SessionIssued(method)
	return AuthResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Tenant:    tenantName,
		SessionID: session.ID,
		User:      user,
	}, nil
}

// abandonSession tombstones a half-created session so it can never be bound.
func (s *AuthService) abandonSession(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bindTimeout)
	defer cancel()
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("abandon session failed")
	}
}

func (s *AuthService) requireConfirmed(ctx context.Context, email string, purpose verification.Purpose) error {
	if s.confirmer == nil {
		return ErrVerificationRequired
	}
	ok, err := s.confirmer.Confirmed(ctx, email, purpose)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVerificationRequired
	}
	return nil
}

func (s *AuthService) consumeConfirmation(ctx context.Context, email string, purpose verification.Purpose) {
	if err := s.confirmer.Consume(ctx, email, purpose); err != nil {
		s.log.Warn().Err(err).Str("purpose", string(purpose)).Msg("consume verification failed")
	}
}

func (s *AuthService) publish(ctx context.Context, event events.Event, result AuthResult, client ClientInfo) {
	event.UserID = result.User.ID
	event.SessionID = result.SessionID
	event.Tenant = result.Tenant
	event.IPAddress = client.IPAddress
	s.emit(ctx, event)
}

func (s *AuthService) publishFor(ctx context.Context, event events.Event, principal authn.Principal) {
	event.UserID = principal.UserID
	event.SessionID = principal.SessionID
	event.Tenant = principal.Tenant
	s.emit(ctx, event)
}

// emit is best effort: audit delivery never fails the request.
func (s *AuthService) emit(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event", string(event.Type)).Msg("publish audit event failed")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Package memstore holds in-memory stand-ins for the pgx repositories. They
// follow the same not-found and tombstone rules so service and middleware
// tests exercise real behaviour without a database.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"clinicdesk/internal/ids"
	"clinicdesk/internal/models"
	"clinicdesk/internal/repository"
)

type Users struct {
	mu   sync.Mutex
	byID map[string]models.User
	Err  error
}

func NewUsers() *Users {
	return &Users{byID: make(map[string]models.User)}
}

// Put stores user as-is, overwriting any user with the same id.
func (s *Users) Put(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Companies = slices.Clone(user.Companies)
	s.byID[user.ID] = user
}

func (s *Users) Create(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	if user.Companies == nil {
		user.Companies = []string{}
	}
	s.byID[user.ID] = user
	return nil
}

func (s *Users) FindByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return models.User{}, s.Err
	}
	for _, u := range s.byID {
		if u.Email == email {
			return clone(u), nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (s *Users) FindActiveByID(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return models.User{}, s.Err
	}
	u, ok := s.byID[id]
	if !ok || !u.Active() {
		return models.User{}, repository.ErrUserNotFound
	}
	return clone(u), nil
}

func (s *Users) Restore(_ context.Context, id string) error {
	return s.update(id, false, func(u *models.User) { u.DeletedAt = nil })
}

func (s *Users) UpdatePassword(_ context.Context, id string, passwordHash []byte) error {
	return s.update(id, true, func(u *models.User) { u.PasswordHash = passwordHash })
}

func (s *Users) MarkEmailVerified(_ context.Context, id string) error {
	return s.update(id, true, func(u *models.User) { u.EmailVerified = true })
}

func (s *Users) AddCompany(_ context.Context, id string, slug string) error {
	return s.update(id, true, func(u *models.User) {
		if !slices.Contains(u.Companies, slug) {
			u.Companies = append(u.Companies, slug)
		}
	})
}

func (s *Users) RemoveCompany(_ context.Context, id string, slug string) error {
	return s.update(id, true, func(u *models.User) {
		u.Companies = slices.DeleteFunc(u.Companies, func(c string) bool { return c == slug })
	})
}

// SoftDelete marks the user deleted, as an out-of-band admin action would.
func (s *Users) SoftDelete(id string) {
	now := time.Now()
	_ = s.update(id, false, func(u *models.User) { u.DeletedAt = &now })
}

func (s *Users) update(id string, activeOnly bool, fn func(*models.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.byID[id]
	if !ok || (activeOnly && !u.Active()) {
		return repository.ErrUserNotFound
	}
	u.Companies = slices.Clone(u.Companies)
	fn(&u)
	u.UpdatedAt = time.Now()
	s.byID[id] = u
	return nil
}

func clone(u models.User) models.User {
	u.Companies = slices.Clone(u.Companies)
	u.PasswordHash = slices.Clone(u.PasswordHash)
	return u
}

type Sessions struct {
	mu   sync.Mutex
	byID map[string]models.Session
	seq  int
	Now  func() time.Time
	Err  error
}

func NewSessions() *Sessions {
	return &Sessions{byID: make(map[string]models.Session), Now: time.Now}
}

func (s *Sessions) Create(_ context.Context, userID, ip, userAgent string, expiresAt time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return models.Session{}, s.Err
	}
	// CreatedAt is nudged forward so listings have a stable order.
	s.seq++
	session := models.Session{
		ID:        ids.New(),
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: s.Now().Add(time.Duration(s.seq) * time.Microsecond),
		ExpiresAt: expiresAt,
	}
	s.byID[session.ID] = session
	return session, nil
}

func (s *Sessions) BindDigest(_ context.Context, sessionID string, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	session, ok := s.byID[sessionID]
	if !ok || session.Revoked() {
		return repository.ErrSessionNotFound
	}
	session.TokenDigest = digest
	s.byID[sessionID] = session
	return nil
}

func (s *Sessions) Find(_ context.Context, sessionID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return models.Session{}, s.Err
	}
	session, ok := s.byID[sessionID]
	if !ok {
		return models.Session{}, repository.ErrSessionNotFound
	}
	return session, nil
}

func (s *Sessions) Revoke(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	session, ok := s.byID[sessionID]
	if !ok {
		return repository.ErrSessionNotFound
	}
	s.tombstone(&session)
	s.byID[sessionID] = session
	return nil
}

func (s *Sessions) RevokeAllExcept(_ context.Context, userID string, exceptSessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, session := range s.byID {
		if session.UserID != userID || id == exceptSessionID || session.Revoked() {
			continue
		}
		s.tombstone(&session)
		s.byID[id] = session
		n++
	}
	return n, nil
}

func (s *Sessions) ListByUser(_ context.Context, userID string) ([]models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	cutoff := s.Now().Add(-repository.RevokedListingWindow)
	var out []models.SessionSummary
	for _, session := range s.byID {
		if session.UserID != userID {
			continue
		}
		if session.DeletedAt != nil && !session.DeletedAt.After(cutoff) {
			continue
		}
		out = append(out, models.SessionSummary{
			ID:        session.ID,
			UserID:    session.UserID,
			IPAddress: session.IPAddress,
			UserAgent: session.UserAgent,
			CreatedAt: session.CreatedAt,
			ExpiresAt: session.ExpiresAt,
			RevokedAt: session.DeletedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Live returns the sessions of userID that are not revoked.
func (s *Sessions) Live(userID string) []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.byID {
		if session.UserID == userID && !session.Revoked() {
			out = append(out, session)
		}
	}
	return out
}

// Expire moves the expiry of a session, for tests that need a dead session.
func (s *Sessions) Expire(sessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.byID[sessionID]; ok {
		session.ExpiresAt = at
		s.byID[sessionID] = session
	}
}

func (s *Sessions) tombstone(session *models.Session) {
	if session.DeletedAt == nil {
		now := s.Now()
		session.DeletedAt = &now
	}
	session.TokenDigest = ""
}

// Catalog is a fixed set of schemas.
type Catalog struct {
	mu      sync.Mutex
	schemas map[string]struct{}
	calls   int
	Err     error
}

func NewCatalog(schemas ...string) *Catalog {
	c := &Catalog{schemas: make(map[string]struct{})}
	for _, s := range schemas {
		c.schemas[strings.ToLower(s)] = struct{}{}
	}
	return c
}

func (c *Catalog) Add(schema string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[strings.ToLower(schema)] = struct{}{}
}

func (c *Catalog) SchemaExists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.Err != nil {
		return false, c.Err
	}
	_, ok := c.schemas[name]
	return ok, nil
}

// Calls reports how many lookups reached the catalog.
func (c *Catalog) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

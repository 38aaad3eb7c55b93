package models

import (
	"slices"
	"strings"
	"time"
)

type UserRole string

const (
	UserRoleAdmin        UserRole = "ADMIN"
	UserRoleDoctor       UserRole = "DOCTOR"
	UserRolePatient      UserRole = "PATIENT"
	UserRoleReceptionist UserRole = "RECEPTIONIST"
	UserRoleNurse        UserRole = "NURSE"
)

type User struct {
	ID            string
	Email         string
	Name          string
	Phone         string
	Role          UserRole
	PasswordHash  []byte
	EmailVerified bool
	// Companies holds the lowercase tenant slugs the user may operate in.
	Companies []string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (u User) Active() bool {
	return u.DeletedAt == nil
}

// HasCompany reports whether slug is in the user's tenant set. The comparison
// folds case and surrounding whitespace on both sides.
func (u User) HasCompany(slug string) bool {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return false
	}
	return slices.ContainsFunc(u.Companies, func(c string) bool {
		return strings.ToLower(strings.TrimSpace(c)) == slug
	})
}

// Session is one login instance. TokenDigest is empty until the token minted
// for the session has been bound, and is cleared again on revocation.
type Session struct {
	ID          string
	UserID      string
	TokenDigest string
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	DeletedAt   *time.Time
}

func (s Session) Revoked() bool {
	return s.DeletedAt != nil
}

// SessionSummary is the listing projection of a session. It never carries the
// token digest.
type SessionSummary struct {
	ID        string
	UserID    string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

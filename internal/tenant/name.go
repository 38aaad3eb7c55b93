// Package tenant validates tenant (schema) names and gates them against the
// catalog of schemas that actually exist.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength is the Postgres identifier limit.
const MaxNameLength = 63

var (
	ErrInvalidInput       = errors.New("tenant: invalid input")
	ErrNotFound           = errors.New("tenant: not found")
	ErrCatalogUnavailable = errors.New("tenant: catalog unavailable")
)

// Only names that never need quoting are accepted.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reservedNames = map[string]struct{}{
	"public":             {},
	"information_schema": {},
	"pg_catalog":         {},
	"pg_toast":           {},
}

// Normalize validates raw as a tenant identifier and returns its canonical
// lowercase form. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: tenant name is empty", ErrInvalidInput)
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: tenant name longer than %d characters", ErrInvalidInput, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: tenant name %q contains unsupported characters", ErrInvalidInput, name)
	}

	name = strings.ToLower(name)
	if _, ok := reservedNames[name]; ok {
		return "", fmt.Errorf("%w: tenant name %q is reserved", ErrInvalidInput, name)
	}
	return name, nil
}

// Fold lowercases and trims a tenant slug without validating it. Membership
// checks compare folded slugs.
func Fold(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

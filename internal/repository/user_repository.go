package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"clinicdesk/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

const userColumns = `id, email, name, phone, role, password_hash, email_verified, companies, created_at, updated_at, deleted_at`

type UserRepository struct {
	db DB
}

func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user models.User) error {
	const query = `
		INSERT INTO users (
			id, email, name, phone, role, password_hash, email_verified, companies, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW()
		)
	`

	companies := user.Companies
	if companies == nil {
		companies = []string{}
	}
	_, err := r.db.Exec(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.Phone,
		user.Role,
		user.PasswordHash,
		user.EmailVerified,
		companies,
	)
	return err
}

// FindByEmail returns the user with the given email, soft-deleted or not.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRow(ctx, query, email))
}

// FindActiveByID returns the user only when it is not soft-deleted.
func (r *UserRepository) FindActiveByID(ctx context.Context, id string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

func (r *UserRepository) Restore(ctx context.Context, id string) error {
	const query = `UPDATE users SET deleted_at = NULL, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id string, passwordHash []byte) error {
	const query = `
		UPDATE users SET password_hash = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	return r.execOne(ctx, query, id, passwordHash)
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, id string) error {
	const query = `
		UPDATE users SET email_verified = TRUE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	return r.execOne(ctx, query, id)
}

// AddCompany grants a tenant slug; granting one the user already has is a no-op.
func (r *UserRepository) AddCompany(ctx context.Context, id string, slug string) error {
	const query = `
		UPDATE users
		SET companies = CASE WHEN $2 = ANY(companies) THEN companies ELSE array_append(companies, $2) END,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	return r.execOne(ctx, query, id, slug)
}

func (r *UserRepository) RemoveCompany(ctx context.Context, id string, slug string) error {
	const query = `
		UPDATE users SET companies = array_remove(companies, $2), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	return r.execOne(ctx, query, id, slug)
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...any) error {
	cmd, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Phone,
		&user.Role,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.Companies,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

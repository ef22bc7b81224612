package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/apilens/backend/internal/domain/auth"
	"github.com/apilens/backend/internal/domain/user"
)

var _ user.Repo = (*UserRepo)(nil)

type UserRepo struct{ db *DB }

func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const (
	qUserInsert = `
INSERT INTO users (id, email, password_hash, email_verified, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
RETURNING created_at, updated_at;`

	qUserColumns = `id, email, password_hash, email_verified, is_active, last_login_at, created_at, updated_at`

	qUserByID = `
SELECT ` + qUserColumns + ` FROM users WHERE id = $1;`

	qUserByEmail = `
SELECT ` + qUserColumns + ` FROM users WHERE email = $1;`

	qUserSetPassword = `
UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1;`

	qUserSetVerified = `
UPDATE users SET email_verified = $2, updated_at = NOW() WHERE id = $1;`

	qUserSetActive = `
UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1;`

	qUserSetLastLogin = `
UPDATE users SET last_login_at = $2, updated_at = NOW() WHERE id = $1;`
)

func (r *UserRepo) Create(ctx context.Context, u *user.User) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := r.db.querier(ctx).QueryRow(ctx, qUserInsert,
		u.ID, u.Email, u.PasswordHash, u.EmailVerified, u.IsActive).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var u user.User
	if err := scanUser(r.db.querier(ctx).QueryRow(ctx, qUserByID, id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var u user.User
	if err := scanUser(r.db.querier(ctx).QueryRow(ctx, qUserByEmail, email), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.exec(ctx, qUserSetPassword, id, passwordHash)
}

func (r *UserRepo) SetEmailVerified(ctx context.Context, id uuid.UUID, verified bool) error {
	return r.exec(ctx, qUserSetVerified, id, verified)
}

func (r *UserRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.exec(ctx, qUserSetActive, id, active)
}

func (r *UserRepo) SetLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, qUserSetLastLogin, id, at)
}

func (r *UserRepo) exec(ctx context.Context, sql string, args ...any) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row, out *user.User) error {
	if err := row.Scan(&out.ID, &out.Email, &out.PasswordHash, &out.EmailVerified,
		&out.IsActive, &out.LastLoginAt, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.ErrNotFound
		}
		return fmt.Errorf("scan user: %w", err)
	}
	return nil
}

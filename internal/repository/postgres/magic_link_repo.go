package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/apilens/backend/internal/domain/auth"
)

var _ auth.MagicLinkRepo = (*MagicLinkRepo)(nil)

type MagicLinkRepo struct{ db *DB }

func NewMagicLinkRepo(db *DB) *MagicLinkRepo { return &MagicLinkRepo{db: db} }

const (
	qMLInsert = `
INSERT INTO magic_link_tokens (id, email, token_hash, expires_at, is_used, ip_address, created_at)
VALUES ($1, $2, $3, $4, FALSE, $5, $6);`

	qMLByHash = `
SELECT id, email, token_hash, expires_at, is_used, ip_address, created_at
FROM magic_link_tokens
WHERE token_hash = $1
LIMIT 1;`

	qMLMarkUsed = `
UPDATE magic_link_tokens SET is_used = TRUE
WHERE id = $1 AND is_used = FALSE;`

	qMLCountRecent = `
SELECT COUNT(*) FROM magic_link_tokens
WHERE email = $1 AND created_at >= $2;`

	qMLDeleteExpired = `
DELETE FROM magic_link_tokens WHERE expires_at <= $1;`
)

func (r *MagicLinkRepo) Create(ctx context.Context, t *auth.MagicLinkToken) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.querier(ctx).Exec(ctx, qMLInsert,
		t.ID, t.Email, t.TokenHash, t.ExpiresAt, t.IPAddress, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert magic link: %w", err)
	}
	return nil
}

func (r *MagicLinkRepo) FindByHash(ctx context.Context, tokenHash string) (*auth.MagicLinkToken, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var t auth.MagicLinkToken
	err := r.db.querier(ctx).QueryRow(ctx, qMLByHash, tokenHash).
		Scan(&t.ID, &t.Email, &t.TokenHash, &t.ExpiresAt, &t.Used, &t.IPAddress, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("find magic link: %w", err)
	}
	return &t, nil
}

func (r *MagicLinkRepo) MarkUsed(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qMLMarkUsed, id)
	if err != nil {
		return false, fmt.Errorf("mark used: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MagicLinkRepo) CountRecentForEmail(ctx context.Context, email string, since time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := r.db.querier(ctx).QueryRow(ctx, qMLCountRecent, email, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent magic links: %w", err)
	}
	return n, nil
}

func (r *MagicLinkRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qMLDeleteExpired, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired magic links: %w", err)
	}
	return tag.RowsAffected(), nil
}

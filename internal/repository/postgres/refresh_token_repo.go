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

var _ auth.RefreshTokenRepo = (*RefreshTokenRepo)(nil)

type RefreshTokenRepo struct{ db *DB }

func NewRefreshTokenRepo(db *DB) *RefreshTokenRepo { return &RefreshTokenRepo{db: db} }

const (
	qRTInsert = `
INSERT INTO refresh_tokens (id, user_id, token_hash, token_family, expires_at, is_revoked,
                            device_info, ip_address, location, last_used_at, created_at)
VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8, $9, $10);`

	qRTColumns = `id, user_id, token_hash, token_family, expires_at, is_revoked,
       device_info, ip_address, location, last_used_at, created_at`

	qRTByHash = `
SELECT ` + qRTColumns + `
FROM refresh_tokens
WHERE token_hash = $1
LIMIT 1;`

	qRTMarkRevoked = `
UPDATE refresh_tokens SET is_revoked = TRUE
WHERE id = $1 AND is_revoked = FALSE;`

	qRTRevokeFamily = `
UPDATE refresh_tokens SET is_revoked = TRUE
WHERE token_family = $1 AND is_revoked = FALSE;`

	qRTRevokeByID = `
UPDATE refresh_tokens SET is_revoked = TRUE
WHERE id = $1 AND user_id = $2 AND is_revoked = FALSE;`

	qRTRevokeAll = `
UPDATE refresh_tokens SET is_revoked = TRUE
WHERE user_id = $1 AND is_revoked = FALSE;`

	qRTRevokeDevice = `
UPDATE refresh_tokens SET is_revoked = TRUE
WHERE user_id = $1 AND device_info = $2 AND is_revoked = FALSE AND expires_at > NOW();`

	qRTRevokeIP = `
UPDATE refresh_tokens SET is_revoked = TRUE
WHERE user_id = $1 AND ip_address = $2 AND is_revoked = FALSE AND expires_at > NOW();`

	qRTActiveForUser = `
SELECT ` + qRTColumns + `
FROM refresh_tokens
WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > NOW()
ORDER BY last_used_at DESC;`

	qRTAlive = `
SELECT EXISTS (
  SELECT 1 FROM refresh_tokens
  WHERE token_hash = $1 AND is_revoked = FALSE AND expires_at > $2
);`

	qRTTouchFamily = `
UPDATE refresh_tokens SET last_used_at = $2
WHERE token_family = $1 AND is_revoked = FALSE AND last_used_at < $3;`

	qRTDeleteExpired = `
DELETE FROM refresh_tokens WHERE expires_at <= $1;`
)

func (r *RefreshTokenRepo) Create(ctx context.Context, t *auth.RefreshToken) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.querier(ctx).Exec(ctx, qRTInsert,
		t.ID, t.UserID, t.TokenHash, t.Family, t.ExpiresAt,
		t.DeviceInfo, t.IPAddress, t.Location, t.LastUsedAt, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var t auth.RefreshToken
	if err := scanRefreshToken(r.db.querier(ctx).QueryRow(ctx, qRTByHash, tokenHash), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *RefreshTokenRepo) MarkRevoked(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qRTMarkRevoked, id)
	if err != nil {
		return false, fmt.Errorf("mark revoked: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RefreshTokenRepo) RevokeFamily(ctx context.Context, family uuid.UUID) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qRTRevokeFamily, family)
	if err != nil {
		return 0, fmt.Errorf("revoke family: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepo) RevokeByID(ctx context.Context, userID, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qRTRevokeByID, id, userID)
	if err != nil {
		return false, fmt.Errorf("revoke by id: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qRTRevokeAll, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepo) RevokeMatchingDevice(ctx context.Context, userID uuid.UUID, deviceInfo string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.querier(ctx).Exec(ctx, qRTRevokeDevice, userID, deviceInfo); err != nil {
		return fmt.Errorf("revoke matching device: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepo) RevokeMatchingIP(ctx context.Context, userID uuid.UUID, ip string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.querier(ctx).Exec(ctx, qRTRevokeIP, userID, ip); err != nil {
		return fmt.Errorf("revoke matching ip: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepo) ActiveForUser(ctx context.Context, userID uuid.UUID) ([]*auth.RefreshToken, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.querier(ctx).Query(ctx, qRTActiveForUser, userID)
	if err != nil {
		return nil, fmt.Errorf("active for user: %w", err)
	}
	defer rows.Close()

	var out []*auth.RefreshToken
	for rows.Next() {
		var t auth.RefreshToken
		if err := scanRefreshToken(rows, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *RefreshTokenRepo) AliveByHash(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var alive bool
	if err := r.db.querier(ctx).QueryRow(ctx, qRTAlive, tokenHash, now).Scan(&alive); err != nil {
		return false, fmt.Errorf("alive by hash: %w", err)
	}
	return alive, nil
}

func (r *RefreshTokenRepo) TouchFamily(ctx context.Context, family uuid.UUID, now, threshold time.Time) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.querier(ctx).Exec(ctx, qRTTouchFamily, family, now, threshold); err != nil {
		return fmt.Errorf("touch family: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.querier(ctx).Exec(ctx, qRTDeleteExpired, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRefreshToken(row pgx.Row, out *auth.RefreshToken) error {
	if err := row.Scan(&out.ID, &out.UserID, &out.TokenHash, &out.Family, &out.ExpiresAt,
		&out.Revoked, &out.DeviceInfo, &out.IPAddress, &out.Location,
		&out.LastUsedAt, &out.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.ErrNotFound
		}
		return fmt.Errorf("scan refresh token: %w", err)
	}
	return nil
}

package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenRepo is the persistence port for refresh credentials.
// Implementations must map "no row" to ErrNotFound.
type RefreshTokenRepo interface {
	Create(ctx context.Context, t *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// MarkRevoked flips the revoked flag on a single row, compare-and-set:
	// it reports false when the row was already revoked (or gone), which is
	// how a losing concurrent rotation is routed into reuse detection.
	MarkRevoked(ctx context.Context, id uuid.UUID) (bool, error)

	// RevokeFamily revokes every credential in the family and returns the
	// number of rows touched.
	RevokeFamily(ctx context.Context, family uuid.UUID) (int64, error)

	// RevokeByID revokes one still-active credential owned by userID and
	// reports whether anything matched.
	RevokeByID(ctx context.Context, userID, id uuid.UUID) (bool, error)

	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// RevokeMatchingDevice / RevokeMatchingIP supersede still-active sibling
	// sessions on session creation.
	RevokeMatchingDevice(ctx context.Context, userID uuid.UUID, deviceInfo string) error
	RevokeMatchingIP(ctx context.Context, userID uuid.UUID, ip string) error

	// ActiveForUser returns non-revoked, non-expired credentials ordered by
	// last_used_at descending.
	ActiveForUser(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error)

	AliveByHash(ctx context.Context, tokenHash string, now time.Time) (bool, error)

	// TouchFamily bumps last_used_at to now for non-revoked family rows whose
	// last_used_at is older than threshold. Conditional update, no locks.
	TouchFamily(ctx context.Context, family uuid.UUID, now, threshold time.Time) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MagicLinkRepo is the persistence port for magic-link credentials.
type MagicLinkRepo interface {
	Create(ctx context.Context, t *MagicLinkToken) error
	FindByHash(ctx context.Context, tokenHash string) (*MagicLinkToken, error)

	// MarkUsed is compare-and-set on the used flag; false means the link was
	// consumed concurrently.
	MarkUsed(ctx context.Context, id uuid.UUID) (bool, error)

	// CountRecentForEmail counts rows created since the given instant,
	// the sliding window behind the request rate limit.
	CountRecentForEmail(ctx context.Context, email string, since time.Time) (int64, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Transactor runs a function inside a single store transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EmailSender is the outbound mail collaborator.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LocationResolver turns an IP into a human-readable location, best effort:
// it returns "" on any failure and never blocks past its own timeout.
type LocationResolver interface {
	Resolve(ctx context.Context, ip string) string
}

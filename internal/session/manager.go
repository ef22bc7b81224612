// Package session implements the refresh-credential state machine: issuance,
// rotation with reuse detection, revocation and housekeeping.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/apilens/backend/internal/domain/auth"
	"github.com/apilens/backend/internal/token"
)

var (
	mCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_created_total", Help: "Refresh credentials issued on login/verify.",
	})
	mRotated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_rotated_total", Help: "Successful refresh-credential rotations.",
	})
	mReuse = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_token_reuse_detected_total", Help: "Replays of revoked refresh credentials.",
	})
	mSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_credentials_swept_total", Help: "Expired credential rows deleted by the sweeper.",
	})
)

// errConcurrentRevoke routes the loser of two concurrent rotations of the
// same credential into the reuse path.
var errConcurrentRevoke = errors.New("credential revoked concurrently")

type Config struct {
	// RememberMeTTL bounds a remember-me session from first issuance.
	RememberMeTTL time.Duration
	// SessionTTL bounds a plain (remember_me=false) session.
	SessionTTL time.Duration
	// TouchDebounce is the minimum gap between last_used_at writes.
	TouchDebounce time.Duration
	Now           func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RememberMeTTL <= 0 {
		out.RememberMeTTL = 30 * 24 * time.Hour
	}
	if out.SessionTTL <= 0 {
		out.SessionTTL = 24 * time.Hour
	}
	if out.TouchDebounce <= 0 {
		out.TouchDebounce = time.Minute
	}
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	return out
}

// Manager owns every mutation of refresh-credential state. The relational
// store is the single source of truth; nothing is cached across requests.
type Manager struct {
	tokens auth.RefreshTokenRepo
	links  auth.MagicLinkRepo
	tx     auth.Transactor
	geo    auth.LocationResolver
	log    *zap.Logger
	cfg    Config
}

func NewManager(tokens auth.RefreshTokenRepo, links auth.MagicLinkRepo, tx auth.Transactor, geo auth.LocationResolver, log *zap.Logger, cfg Config) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		tokens: tokens,
		links:  links,
		tx:     tx,
		geo:    geo,
		log:    log.With(zap.String("component", "session")),
		cfg:    cfg.withDefaults(),
	}
}

// Created is what a successful issuance or rotation hands back. Raw is the
// only copy of the secret that will ever exist outside the store.
type Created struct {
	Raw    string
	Family uuid.UUID
	UserID uuid.UUID
}

// Create issues a fresh credential (new family) for the user, superseding any
// still-active credential from the same device, or the same IP when the
// device descriptor is empty.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, deviceInfo, ip string, rememberMe bool) (*Created, error) {
	raw, err := token.GenerateRawSecret()
	if err != nil {
		return nil, err
	}

	device := auth.NormalizeDevice(deviceInfo)
	location := ""
	if m.geo != nil {
		location = m.geo.Resolve(ctx, ip)
	}

	now := m.cfg.Now()
	lifetime := m.cfg.SessionTTL
	if rememberMe {
		lifetime = m.cfg.RememberMeTTL
	}

	rec := &auth.RefreshToken{
		ID:         uuid.New(),
		UserID:     userID,
		TokenHash:  token.HashSecret(raw),
		Family:     uuid.New(),
		ExpiresAt:  now.Add(lifetime),
		DeviceInfo: device,
		IPAddress:  ip,
		Location:   location,
		LastUsedAt: now,
		CreatedAt:  now,
	}

	err = m.tx.WithTx(ctx, func(ctx context.Context) error {
		switch {
		case device != "":
			if err := m.tokens.RevokeMatchingDevice(ctx, userID, device); err != nil {
				return fmt.Errorf("supersede by device: %w", err)
			}
		case ip != "":
			if err := m.tokens.RevokeMatchingIP(ctx, userID, ip); err != nil {
				return fmt.Errorf("supersede by ip: %w", err)
			}
		}
		return m.tokens.Create(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	mCreated.Inc()
	return &Created{Raw: raw, Family: rec.Family, UserID: userID}, nil
}

// Rotate exchanges a refresh secret for a new one in the same family. The new
// credential inherits the remaining lifetime of the one it replaces, so the
// absolute session deadline never moves.
//
// Replaying an already-rotated secret revokes the entire family before the
// call fails; that containment is committed on its own and survives the
// failure.
func (m *Manager) Rotate(ctx context.Context, raw string) (*Created, error) {
	rec, err := m.tokens.FindByHash(ctx, token.HashSecret(raw))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid refresh token", auth.ErrAuthentication)
		}
		return nil, err
	}

	if rec.Revoked {
		return nil, m.containReuse(ctx, rec)
	}

	now := m.cfg.Now()
	if rec.Expired(now) {
		return nil, auth.ErrTokenExpired
	}

	newRaw, err := token.GenerateRawSecret()
	if err != nil {
		return nil, err
	}
	fresh := &auth.RefreshToken{
		ID:         uuid.New(),
		UserID:     rec.UserID,
		TokenHash:  token.HashSecret(newRaw),
		Family:     rec.Family,
		ExpiresAt:  rec.ExpiresAt, // remaining time only, never extended
		DeviceInfo: rec.DeviceInfo,
		IPAddress:  rec.IPAddress,
		Location:   rec.Location,
		LastUsedAt: now,
		CreatedAt:  now,
	}

	err = m.tx.WithTx(ctx, func(ctx context.Context) error {
		ok, err := m.tokens.MarkRevoked(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !ok {
			// Someone else rotated this credential between our read and the
			// compare-and-set. Treat the second caller as a replay.
			return errConcurrentRevoke
		}
		return m.tokens.Create(ctx, fresh)
	})
	if errors.Is(err, errConcurrentRevoke) {
		return nil, m.containReuse(ctx, rec)
	}
	if err != nil {
		return nil, err
	}

	mRotated.Inc()
	return &Created{Raw: newRaw, Family: rec.Family, UserID: rec.UserID}, nil
}

// containReuse kills the family. Runs outside any caller transaction so the
// revocation is durable even though the rotate call is about to fail.
func (m *Manager) containReuse(ctx context.Context, rec *auth.RefreshToken) error {
	n, err := m.tokens.RevokeFamily(ctx, rec.Family)
	if err != nil {
		m.log.Error("family revocation failed after reuse",
			zap.String("user_id", rec.UserID.String()),
			zap.String("family", rec.Family.String()),
			zap.Error(err))
		return err
	}
	mReuse.Inc()
	m.log.Warn("refresh token reuse detected, family revoked",
		zap.String("user_id", rec.UserID.String()),
		zap.String("family", rec.Family.String()),
		zap.Int64("revoked", n))
	return auth.ErrTokenReuse
}

// IsAlive reports whether a matching, non-revoked, non-expired credential
// exists. No rotation, no touch.
func (m *Manager) IsAlive(ctx context.Context, raw string) (bool, error) {
	return m.tokens.AliveByHash(ctx, token.HashSecret(raw), m.cfg.Now())
}

// Touch bumps last_used_at for the family, debounced: rows written in the
// last TouchDebounce are left alone, so most calls are no-ops.
func (m *Manager) Touch(ctx context.Context, family uuid.UUID) error {
	now := m.cfg.Now()
	return m.tokens.TouchFamily(ctx, family, now, now.Add(-m.cfg.TouchDebounce))
}

// Sessions lists the user's active credentials, most recently used first,
// one visible entry per (device, ip) fingerprint. Historical remember-me rows
// from the same device collapse into the freshest one.
func (m *Manager) Sessions(ctx context.Context, userID uuid.UUID) ([]*auth.RefreshToken, error) {
	rows, err := m.tokens.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]*auth.RefreshToken, 0, len(rows))
	for _, row := range rows {
		fp := row.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// RevokeOne revokes a specific credential owned by the user. Returns false
// when the id matched no still-active row of theirs.
func (m *Manager) RevokeOne(ctx context.Context, userID, sessionID uuid.UUID) (bool, error) {
	return m.tokens.RevokeByID(ctx, userID, sessionID)
}

// RevokeAll revokes every active credential of the user and returns the count.
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return m.tokens.RevokeAllForUser(ctx, userID)
}

// Logout revokes the single credential matching the secret. A missing secret
// is not an error; logout is idempotent.
func (m *Manager) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	rec, err := m.tokens.FindByHash(ctx, token.HashSecret(raw))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := m.tokens.MarkRevoked(ctx, rec.ID); err != nil {
		return err
	}
	return nil
}

// SweepExpired deletes refresh and magic-link rows past their deadline and
// returns the combined count. Housekeeping, not a request path.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.cfg.Now()
	n, err := m.tokens.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep refresh tokens: %w", err)
	}
	ml, err := m.links.DeleteExpired(ctx, now)
	if err != nil {
		return n, fmt.Errorf("sweep magic links: %w", err)
	}
	total := n + ml
	mSwept.Add(float64(total))
	return total, nil
}

// Package auth wires the session manager, token codec and magic-link issuer
// into the login/refresh/logout flows the HTTP layer exposes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	domainauth "github.com/apilens/backend/internal/domain/auth"
	"github.com/apilens/backend/internal/domain/user"
	"github.com/apilens/backend/internal/magiclink"
	"github.com/apilens/backend/internal/session"
	"github.com/apilens/backend/internal/token"
)

var ErrWeakPassword = errors.New("password is too weak")

// TokenPair is what every successful login/refresh hands to the client. The
// refresh secret appears here once and is never reconstructable afterwards.
type TokenPair struct {
	Access  string
	Refresh string
}

type Usecase struct {
	users    user.Repo
	sessions *session.Manager
	codec    *token.Codec
	links    *magiclink.Issuer
	log      *zap.Logger
	now      func() time.Time
}

func NewUsecase(users user.Repo, sessions *session.Manager, codec *token.Codec, links *magiclink.Issuer, log *zap.Logger) *Usecase {
	if log == nil {
		log = zap.NewNop()
	}
	return &Usecase{
		users:    users,
		sessions: sessions,
		codec:    codec,
		links:    links,
		log:      log.With(zap.String("component", "auth")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock, for tests.
func (u *Usecase) WithNow(now func() time.Time) *Usecase {
	u.now = now
	return u
}

// LoginWithPassword authenticates by email+password and opens a session.
// Unknown address, wrong password, passwordless account and deactivated
// account are indistinguishable to the caller.
func (u *Usecase) LoginWithPassword(ctx context.Context, email, password, deviceInfo, ip string, rememberMe bool) (*TokenPair, *user.User, error) {
	email = domainauth.NormalizeEmail(email)

	rec, err := u.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domainauth.ErrNotFound) {
			return nil, nil, domainauth.ErrAuthentication
		}
		return nil, nil, err
	}
	if !rec.IsActive || !rec.HasPassword() {
		return nil, nil, domainauth.ErrAuthentication
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return nil, nil, domainauth.ErrAuthentication
	}

	pair, err := u.openSession(ctx, rec, deviceInfo, ip, rememberMe, domainauth.AuthMethodPassword)
	if err != nil {
		return nil, nil, err
	}
	return pair, rec, nil
}

// RequestMagicLink issues a one-time login link for the address.
func (u *Usecase) RequestMagicLink(ctx context.Context, email, ip string) error {
	return u.links.Request(ctx, email, ip)
}

// VerifyMagicLink consumes a magic link, resolves or provisions the user and
// opens a session. Accounts created here are verified, active and
// passwordless.
func (u *Usecase) VerifyMagicLink(ctx context.Context, rawLink, deviceInfo, ip string, rememberMe bool) (*TokenPair, *user.User, error) {
	email, err := u.links.Verify(ctx, rawLink)
	if err != nil {
		return nil, nil, err
	}

	rec, err := u.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, domainauth.ErrNotFound):
		rec = &user.User{
			ID:            uuid.New(),
			Email:         email,
			EmailVerified: true,
			IsActive:      true,
		}
		if err := u.users.Create(ctx, rec); err != nil {
			return nil, nil, fmt.Errorf("provision user: %w", err)
		}
		u.log.Info("user created via magic link", zap.String("user_id", rec.ID.String()))
	case err != nil:
		return nil, nil, err
	default:
		if !rec.IsActive {
			return nil, nil, domainauth.ErrAuthentication
		}
		// A consumed link proves ownership of the address.
		if !rec.EmailVerified {
			if err := u.users.SetEmailVerified(ctx, rec.ID, true); err != nil {
				return nil, nil, err
			}
		}
	}

	pair, err := u.openSession(ctx, rec, deviceInfo, ip, rememberMe, domainauth.AuthMethodMagicLink)
	if err != nil {
		return nil, nil, err
	}
	return pair, rec, nil
}

// Refresh rotates a refresh credential and issues a fresh access token bound
// to the same family.
func (u *Usecase) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	rotated, err := u.sessions.Rotate(ctx, raw)
	if err != nil {
		return nil, err
	}
	rec, err := u.users.GetByID(ctx, rotated.UserID)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, domainauth.ErrAuthentication
	}
	access, err := u.codec.IssueAccessToken(rec.ID, rec.Email, rotated.Family, "")
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: rotated.Raw}, nil
}

// Validate reports whether a refresh credential is still usable. No rotation,
// no activity touch.
func (u *Usecase) Validate(ctx context.Context, raw string) (bool, error) {
	return u.sessions.IsAlive(ctx, raw)
}

// Logout revokes the presented refresh credential; repeated calls are no-ops.
func (u *Usecase) Logout(ctx context.Context, raw string) error {
	return u.sessions.Logout(ctx, raw)
}

// LogoutAll revokes every session of the user and returns the count.
func (u *Usecase) LogoutAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return u.sessions.RevokeAll(ctx, userID)
}

// Sessions lists the user's visible sessions, deduped per device/ip.
func (u *Usecase) Sessions(ctx context.Context, userID uuid.UUID) ([]*domainauth.RefreshToken, error) {
	return u.sessions.Sessions(ctx, userID)
}

// RevokeSession revokes one session by id; ErrNotFound when it isn't an
// active session of this user.
func (u *Usecase) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	ok, err := u.sessions.RevokeOne(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return domainauth.ErrNotFound
	}
	return nil
}

// ChangePassword sets a new password. The current password is required unless
// the account has none yet or the caller authenticated via magic link, which
// already proves ownership of the address.
func (u *Usecase) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string, viaMagicLink bool) error {
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}
	rec, err := u.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if rec.HasPassword() && !viaMagicLink {
		if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(currentPassword)) != nil {
			return domainauth.ErrAuthentication
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return u.users.SetPassword(ctx, userID, string(hash))
}

// DeactivateAccount revokes every session, then disables the account.
func (u *Usecase) DeactivateAccount(ctx context.Context, userID uuid.UUID) error {
	if _, err := u.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	return u.users.SetActive(ctx, userID, false)
}

// Authenticate is the per-request gate: verify the access token, load the
// active user and touch the session family (debounced, best effort).
func (u *Usecase) Authenticate(ctx context.Context, accessToken string) (*user.User, *token.AccessClaims, error) {
	claims, err := u.codec.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, nil, err
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, nil, domainauth.ErrTokenInvalid
	}
	rec, err := u.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domainauth.ErrNotFound) {
			return nil, nil, domainauth.ErrAuthentication
		}
		return nil, nil, err
	}
	if !rec.IsActive {
		return nil, nil, domainauth.ErrAuthentication
	}

	if family := claims.FamilyID(); family != uuid.Nil {
		if err := u.sessions.Touch(ctx, family); err != nil {
			u.log.Debug("session touch failed", zap.Error(err))
		}
	}
	return rec, claims, nil
}

func (u *Usecase) openSession(ctx context.Context, rec *user.User, deviceInfo, ip string, rememberMe bool, method domainauth.AuthMethod) (*TokenPair, error) {
	created, err := u.sessions.Create(ctx, rec.ID, deviceInfo, ip, rememberMe)
	if err != nil {
		return nil, err
	}
	access, err := u.codec.IssueAccessToken(rec.ID, rec.Email, created.Family, method)
	if err != nil {
		return nil, err
	}
	if err := u.users.SetLastLogin(ctx, rec.ID, u.now()); err != nil {
		u.log.Debug("last login update failed", zap.Error(err))
	}
	return &TokenPair{Access: access, Refresh: created.Raw}, nil
}

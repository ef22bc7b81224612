// Package magiclink issues and verifies single-use passwordless login
// credentials.
package magiclink

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
	mIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_magic_links_issued_total", Help: "Magic links created and handed to the mailer.",
	})
	mVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_magic_links_verified_total", Help: "Magic links consumed successfully.",
	})
	mThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_magic_links_throttled_total", Help: "Magic-link requests rejected by the rate limit.",
	})
)

type Config struct {
	// TTL is the link's lifetime, 15 minutes by default.
	TTL time.Duration
	// RateLimit is the max rows created per email inside RateWindow.
	RateLimit int64
	// RateWindow is the trailing window for the request rate limit.
	RateWindow time.Duration
	// VerifyURL is the frontend base the raw secret is appended to.
	VerifyURL string
	Now       func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TTL <= 0 {
		out.TTL = 15 * time.Minute
	}
	if out.RateLimit <= 0 {
		out.RateLimit = 3
	}
	if out.RateWindow <= 0 {
		out.RateWindow = time.Minute
	}
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	return out
}

type Issuer struct {
	links auth.MagicLinkRepo
	tx    auth.Transactor
	mail  auth.EmailSender
	log   *zap.Logger
	cfg   Config
}

func NewIssuer(links auth.MagicLinkRepo, tx auth.Transactor, mail auth.EmailSender, log *zap.Logger, cfg Config) *Issuer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Issuer{
		links: links,
		tx:    tx,
		mail:  mail,
		log:   log.With(zap.String("component", "magiclink")),
		cfg:   cfg.withDefaults(),
	}
}

// Request creates a one-time token for the address and hands the verification
// URL to the mailer. It never discloses whether an account exists; the only
// rejection is the per-email rate limit.
func (i *Issuer) Request(ctx context.Context, email, ip string) error {
	email = auth.NormalizeEmail(email)

	raw, err := token.GenerateRawSecret()
	if err != nil {
		return err
	}
	now := i.cfg.Now()

	err = i.tx.WithTx(ctx, func(ctx context.Context) error {
		recent, err := i.links.CountRecentForEmail(ctx, email, now.Add(-i.cfg.RateWindow))
		if err != nil {
			return fmt.Errorf("count recent links: %w", err)
		}
		if recent >= i.cfg.RateLimit {
			return auth.ErrRateLimited
		}
		return i.links.Create(ctx, &auth.MagicLinkToken{
			ID:        uuid.New(),
			Email:     email,
			TokenHash: token.HashSecret(raw),
			ExpiresAt: now.Add(i.cfg.TTL),
			IPAddress: ip,
			CreatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			mThrottled.Inc()
		}
		return err
	}

	verifyURL := fmt.Sprintf("%s?token=%s", i.cfg.VerifyURL, raw)
	body := fmt.Sprintf(
		"Hello!\n\nUse the link below to sign in. It expires in %d minutes and works once.\n\n%s\n\nIf you didn't request this, you can ignore this email.",
		int(i.cfg.TTL.Minutes()), verifyURL,
	)
	if err := i.mail.Send(ctx, email, "Sign in to your account", body); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}

	mIssued.Inc()
	i.log.Info("magic link sent", zap.String("email", email))
	return nil
}

// Verify consumes a magic-link secret exactly once and returns the address it
// was issued for. Marking the link used is atomic with the check, so two
// concurrent verifications cannot both succeed.
func (i *Issuer) Verify(ctx context.Context, raw string) (string, error) {
	rec, err := i.links.FindByHash(ctx, token.HashSecret(raw))
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown magic link", auth.ErrTokenInvalid)
		}
		return "", err
	}
	if rec.Used {
		return "", fmt.Errorf("%w: magic link already used", auth.ErrTokenInvalid)
	}
	if rec.Expired(i.cfg.Now()) {
		return "", auth.ErrTokenExpired
	}

	ok, err := i.links.MarkUsed(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost the race with a concurrent verification.
		return "", fmt.Errorf("%w: magic link already used", auth.ErrTokenInvalid)
	}

	mVerified.Inc()
	return rec.Email, nil
}

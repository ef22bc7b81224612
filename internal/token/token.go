// Package token implements the stateless access-token codec and the opaque
// secret primitives shared by refresh and magic-link credentials.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/apilens/backend/internal/domain/auth"
)

// RawSecretBytes is the entropy of refresh and magic-link secrets.
// 48 bytes, well past the 256-bit floor.
const RawSecretBytes = 48

const accessTokenType = "access"

// AccessClaims is the signed payload of a short-lived access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email      string          `json:"email"`
	TokenType  string          `json:"type"`
	Family     string          `json:"tfm,omitempty"`
	AuthMethod auth.AuthMethod `json:"am,omitempty"`
}

// UserID parses the subject claim.
func (c *AccessClaims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// FamilyID parses the optional token-family claim; uuid.Nil when absent.
func (c *AccessClaims) FamilyID() uuid.UUID {
	if c.Family == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(c.Family)
	if err != nil {
		return uuid.Nil
	}
	return id
}

type Config struct {
	Secret    []byte
	AccessTTL time.Duration
	Now       func() time.Time
}

// Codec signs and verifies access tokens. No I/O, no persistence.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(cfg Config) *Codec {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Codec{secret: cfg.Secret, ttl: ttl, now: now}
}

// IssueAccessToken signs claims for the given subject. family and method are
// optional; pass uuid.Nil / "" to omit them.
func (c *Codec) IssueAccessToken(userID uuid.UUID, email string, family uuid.UUID, method auth.AuthMethod) (string, error) {
	now := c.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Email:      email,
		TokenType:  accessTokenType,
		AuthMethod: method,
	}
	if family != uuid.Nil {
		claims.Family = family.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and validates a signed access token. It fails
// closed: auth.ErrTokenExpired past exp, auth.ErrTokenInvalid for anything
// else (bad signature, missing required claims, wrong token type).
func (c *Codec) VerifyAccessToken(signed string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(signed, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.ErrTokenExpired
		}
		return nil, auth.ErrTokenInvalid
	}
	if !tok.Valid {
		return nil, auth.ErrTokenInvalid
	}
	if claims.TokenType != accessTokenType || claims.Subject == "" || claims.Email == "" {
		return nil, auth.ErrTokenInvalid
	}
	if _, err := claims.UserID(); err != nil {
		return nil, auth.ErrTokenInvalid
	}
	return claims, nil
}

// GenerateRawSecret returns a URL-safe opaque secret from crypto/rand.
func GenerateRawSecret() (string, error) {
	b := make([]byte, RawSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret is the one-way digest used as the store lookup key. Equality is
// always on the digest, never the raw secret.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

package auth

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// AuthMethod identifies how a session was established. It travels in the
// access token's "am" claim.
type AuthMethod string

const (
	AuthMethodPassword  AuthMethod = "password"
	AuthMethodMagicLink AuthMethod = "magic_link"
)

// MaxDeviceInfoLen caps the free-text client descriptor stored per session.
const MaxDeviceInfoLen = 255

// RefreshToken is one long-lived refresh credential. Only the sha256 hash of
// the opaque secret is stored; the raw secret exists outside the store exactly
// once, at creation or rotation time.
type RefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	Family     uuid.UUID // immutable across rotations
	ExpiresAt  time.Time
	Revoked    bool
	DeviceInfo string
	IPAddress  string
	Location   string
	LastUsedAt time.Time
	CreatedAt  time.Time
}

func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

func (t *RefreshToken) Valid(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

// Fingerprint identifies "the same session" across rows, for display dedup.
func (t *RefreshToken) Fingerprint() string {
	return NormalizeDevice(t.DeviceInfo) + "|" + t.IPAddress
}

// MagicLinkToken is a single-use passwordless login credential.
type MagicLinkToken struct {
	ID        uuid.UUID
	Email     string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	IPAddress string
	CreatedAt time.Time
}

func (t *MagicLinkToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// NormalizeDevice trims and caps a client-supplied device descriptor. The cap
// counts runes, not bytes: the store column is VARCHAR(255), and a byte slice
// could split a multibyte rune and produce invalid UTF-8.
func NormalizeDevice(deviceInfo string) string {
	s := strings.TrimSpace(deviceInfo)
	if utf8.RuneCountInString(s) > MaxDeviceInfoLen {
		s = string([]rune(s)[:MaxDeviceInfoLen])
	}
	return s
}

// NormalizeEmail lowercases and trims an address for lookups and rate-limit
// counting.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

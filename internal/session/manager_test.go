package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apilens/backend/internal/domain/auth"
	"github.com/apilens/backend/internal/token"
)

// ---- in-memory fakes ----

type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}
func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type memRefreshRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*auth.RefreshToken
	now  func() time.Time

	// beforeMarkRevoked, when set, runs under the lock right before the
	// compare-and-set, to interleave a competing writer.
	beforeMarkRevoked func(id uuid.UUID)
}

func newMemRefreshRepo(now func() time.Time) *memRefreshRepo {
	return &memRefreshRepo{rows: make(map[uuid.UUID]*auth.RefreshToken), now: now}
}

func (r *memRefreshRepo) Create(_ context.Context, t *auth.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *memRefreshRepo) FindByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TokenHash == hash {
			cp := *row
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *memRefreshRepo) MarkRevoked(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeMarkRevoked != nil {
		r.beforeMarkRevoked(id)
	}
	row, ok := r.rows[id]
	if !ok || row.Revoked {
		return false, nil
	}
	row.Revoked = true
	return true, nil
}

func (r *memRefreshRepo) RevokeFamily(_ context.Context, family uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Family == family && !row.Revoked {
			row.Revoked = true
			n++
		}
	}
	return n, nil
}

func (r *memRefreshRepo) RevokeByID(_ context.Context, userID, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.UserID != userID || row.Revoked {
		return false, nil
	}
	row.Revoked = true
	return true, nil
}

func (r *memRefreshRepo) RevokeAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.UserID == userID && !row.Revoked {
			row.Revoked = true
			n++
		}
	}
	return n, nil
}

func (r *memRefreshRepo) RevokeMatchingDevice(_ context.Context, userID uuid.UUID, device string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UserID == userID && row.DeviceInfo == device && row.Valid(r.now()) {
			row.Revoked = true
		}
	}
	return nil
}

func (r *memRefreshRepo) RevokeMatchingIP(_ context.Context, userID uuid.UUID, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UserID == userID && row.IPAddress == ip && row.Valid(r.now()) {
			row.Revoked = true
		}
	}
	return nil
}

func (r *memRefreshRepo) ActiveForUser(_ context.Context, userID uuid.UUID) ([]*auth.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*auth.RefreshToken
	for _, row := range r.rows {
		if row.UserID == userID && row.Valid(r.now()) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

func (r *memRefreshRepo) AliveByHash(_ context.Context, hash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TokenHash == hash && row.Valid(now) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRefreshRepo) TouchFamily(_ context.Context, family uuid.UUID, now, threshold time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Family == family && !row.Revoked && row.LastUsedAt.Before(threshold) {
			row.LastUsedAt = now
		}
	}
	return nil
}

func (r *memRefreshRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.Expired(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *memRefreshRepo) get(id uuid.UUID) *auth.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.rows[id]
	return &cp
}

func (r *memRefreshRepo) byHash(hash string) *auth.RefreshToken {
	row, err := r.FindByHash(context.Background(), hash)
	if err != nil {
		return nil
	}
	return row
}

type memLinkRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*auth.MagicLinkToken
}

func newMemLinkRepo() *memLinkRepo {
	return &memLinkRepo{rows: make(map[uuid.UUID]*auth.MagicLinkToken)}
}

func (r *memLinkRepo) Create(_ context.Context, t *auth.MagicLinkToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *memLinkRepo) FindByHash(_ context.Context, hash string) (*auth.MagicLinkToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TokenHash == hash {
			cp := *row
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *memLinkRepo) MarkUsed(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Used {
		return false, nil
	}
	row.Used = true
	return true, nil
}

func (r *memLinkRepo) CountRecentForEmail(_ context.Context, email string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Email == email && !row.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *memLinkRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.Expired(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type noopTx struct{}

func (noopTx) WithTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type staticGeo struct{ loc string }

func (g staticGeo) Resolve(context.Context, string) string { return g.loc }

// ---- fixtures ----

type fixture struct {
	clk    *clock
	tokens *memRefreshRepo
	links  *memLinkRepo
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newClock()
	tokens := newMemRefreshRepo(clk.now)
	links := newMemLinkRepo()
	mgr := NewManager(tokens, links, noopTx{}, staticGeo{loc: "Berlin, Germany"}, nil, Config{
		Now: clk.now,
	})
	return &fixture{clk: clk, tokens: tokens, links: links, mgr: mgr}
}

// ---- tests ----

func TestCreateIssuesFreshCredential(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	created, err := f.mgr.Create(context.Background(), userID, "Firefox on Linux", "203.0.113.7", true)
	require.NoError(t, err)
	require.NotEmpty(t, created.Raw)
	require.NotEqual(t, uuid.Nil, created.Family)

	row := f.tokens.byHash(token.HashSecret(created.Raw))
	require.NotNil(t, row)
	assert.Equal(t, userID, row.UserID)
	assert.Equal(t, "Firefox on Linux", row.DeviceInfo)
	assert.Equal(t, "Berlin, Germany", row.Location)
	assert.False(t, row.Revoked)
	assert.Equal(t, f.clk.now().Add(30*24*time.Hour), row.ExpiresAt)
}

func TestCreateSessionTTLWithoutRememberMe(t *testing.T) {
	f := newFixture(t)

	created, err := f.mgr.Create(context.Background(), uuid.New(), "ua", "203.0.113.7", false)
	require.NoError(t, err)

	row := f.tokens.byHash(token.HashSecret(created.Raw))
	assert.Equal(t, f.clk.now().Add(24*time.Hour), row.ExpiresAt)
}

func TestCreateSupersedesSameDevice(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	ctx := context.Background()

	first, err := f.mgr.Create(ctx, userID, "Firefox on Linux", "203.0.113.7", true)
	require.NoError(t, err)
	second, err := f.mgr.Create(ctx, userID, "Firefox on Linux", "198.51.100.9", true)
	require.NoError(t, err)

	alive, err := f.mgr.IsAlive(ctx, first.Raw)
	require.NoError(t, err)
	assert.False(t, alive, "older credential from the same device must be superseded")

	alive, err = f.mgr.IsAlive(ctx, second.Raw)
	require.NoError(t, err)
	assert.True(t, alive)

	// Supersede is not reuse containment: the new family is untouched.
	sessions, err := f.mgr.Sessions(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestCreateSupersedesByIPWhenDeviceEmpty(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	ctx := context.Background()

	first, err := f.mgr.Create(ctx, userID, "", "203.0.113.7", true)
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, userID, "", "203.0.113.7", true)
	require.NoError(t, err)

	alive, err := f.mgr.IsAlive(ctx, first.Raw)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRotatePreservesAbsoluteExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", true)
	require.NoError(t, err)
	deadline := f.tokens.byHash(token.HashSecret(created.Raw)).ExpiresAt

	raw := created.Raw
	for i := 0; i < 3; i++ {
		f.clk.advance(6 * time.Hour)
		rotated, err := f.mgr.Rotate(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, created.Family, rotated.Family, "family is immutable across rotations")

		row := f.tokens.byHash(token.HashSecret(rotated.Raw))
		assert.True(t, row.ExpiresAt.Equal(deadline), "rotation %d must not extend the session", i+1)
		raw = rotated.Raw
	}
}

func TestRotateRevokesOldCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", true)
	require.NoError(t, err)
	_, err = f.mgr.Rotate(ctx, created.Raw)
	require.NoError(t, err)

	old := f.tokens.byHash(token.HashSecret(created.Raw))
	assert.True(t, old.Revoked)
}

func TestReuseDetectionRevokesWholeFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", true)
	require.NoError(t, err)
	rotated, err := f.mgr.Rotate(ctx, created.Raw)
	require.NoError(t, err)

	// Replay of the already-rotated secret.
	_, err = f.mgr.Rotate(ctx, created.Raw)
	assert.ErrorIs(t, err, auth.ErrTokenReuse)

	// The legitimate successor is dead too.
	alive, err := f.mgr.IsAlive(ctx, rotated.Raw)
	require.NoError(t, err)
	assert.False(t, alive)

	// And it cannot be rotated either.
	_, err = f.mgr.Rotate(ctx, rotated.Raw)
	assert.ErrorIs(t, err, auth.ErrTokenReuse)
}

func TestConcurrentRotationLoserIsTreatedAsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", true)
	require.NoError(t, err)
	row := f.tokens.byHash(token.HashSecret(created.Raw))

	// A sibling credential in the same family, to observe the family-wide
	// containment.
	sibling := &auth.RefreshToken{
		ID:         uuid.New(),
		UserID:     row.UserID,
		TokenHash:  token.HashSecret(uuid.NewString()),
		Family:     created.Family,
		ExpiresAt:  row.ExpiresAt,
		LastUsedAt: f.clk.now(),
		CreatedAt:  f.clk.now(),
	}
	require.NoError(t, f.tokens.Create(ctx, sibling))

	// A competing rotation wins the compare-and-set between our read of the
	// row and our own revoke attempt.
	f.tokens.beforeMarkRevoked = func(id uuid.UUID) {
		f.tokens.rows[id].Revoked = true
		f.tokens.beforeMarkRevoked = nil
	}

	_, err = f.mgr.Rotate(ctx, created.Raw)
	assert.ErrorIs(t, err, auth.ErrTokenReuse)

	// The losing rotation inserted nothing and the whole family is dead.
	assert.True(t, f.tokens.get(row.ID).Revoked)
	assert.True(t, f.tokens.get(sibling.ID).Revoked)
	sessions, err := f.mgr.Sessions(ctx, row.UserID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRotateExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", false)
	require.NoError(t, err)

	f.clk.advance(25 * time.Hour)
	_, err = f.mgr.Rotate(ctx, created.Raw)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestRotateUnknownSecret(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Rotate(context.Background(), "never-issued")
	assert.ErrorIs(t, err, auth.ErrAuthentication)
}

func TestTouchDebounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", true)
	require.NoError(t, err)
	row := f.tokens.byHash(token.HashSecret(created.Raw))
	issuedAt := row.LastUsedAt

	// Inside the debounce window nothing is written.
	f.clk.advance(30 * time.Second)
	require.NoError(t, f.mgr.Touch(ctx, created.Family))
	assert.Equal(t, issuedAt, f.tokens.get(row.ID).LastUsedAt)

	// Past the window the row is bumped.
	f.clk.advance(45 * time.Second)
	require.NoError(t, f.mgr.Touch(ctx, created.Family))
	assert.Equal(t, f.clk.now(), f.tokens.get(row.ID).LastUsedAt)
}

func TestSessionsDedupByFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	now := f.clk.now()

	mk := func(device, ip string, lastUsed time.Time) {
		require.NoError(t, f.tokens.Create(ctx, &auth.RefreshToken{
			ID:         uuid.New(),
			UserID:     userID,
			TokenHash:  token.HashSecret(uuid.NewString()),
			Family:     uuid.New(),
			ExpiresAt:  now.Add(time.Hour),
			DeviceInfo: device,
			IPAddress:  ip,
			LastUsedAt: lastUsed,
			CreatedAt:  now,
		}))
	}
	mk("Firefox", "203.0.113.7", now.Add(-2*time.Minute))
	mk("Firefox", "203.0.113.7", now.Add(-1*time.Minute)) // same fingerprint, fresher
	mk("Safari", "198.51.100.9", now.Add(-3*time.Minute))

	sessions, err := f.mgr.Sessions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	// Most recently used first; the duplicate fingerprint collapsed into the
	// freshest row.
	assert.Equal(t, "Firefox", sessions[0].DeviceInfo)
	assert.Equal(t, now.Add(-1*time.Minute), sessions[0].LastUsedAt)
	assert.Equal(t, "Safari", sessions[1].DeviceInfo)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.mgr.Create(ctx, uuid.New(), "ua", "203.0.113.7", true)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Logout(ctx, created.Raw))
	alive, err := f.mgr.IsAlive(ctx, created.Raw)
	require.NoError(t, err)
	assert.False(t, alive)

	// Again, and with secrets that never existed.
	require.NoError(t, f.mgr.Logout(ctx, created.Raw))
	require.NoError(t, f.mgr.Logout(ctx, "never-issued"))
	require.NoError(t, f.mgr.Logout(ctx, ""))
}

func TestRevokeOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	created, err := f.mgr.Create(ctx, userID, "ua", "203.0.113.7", true)
	require.NoError(t, err)
	row := f.tokens.byHash(token.HashSecret(created.Raw))

	// Someone else's session id does not match.
	ok, err := f.mgr.RevokeOne(ctx, uuid.New(), row.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.mgr.RevokeOne(ctx, userID, row.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already revoked.
	ok, err = f.mgr.RevokeOne(ctx, userID, row.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.mgr.Create(ctx, userID, "Firefox", "203.0.113.7", true)
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, userID, "Safari", "198.51.100.9", true)
	require.NoError(t, err)

	n, err := f.mgr.RevokeAll(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	sessions, err := f.mgr.Sessions(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clk.now()

	require.NoError(t, f.tokens.Create(ctx, &auth.RefreshToken{
		ID: uuid.New(), UserID: uuid.New(), TokenHash: "h1",
		Family: uuid.New(), ExpiresAt: now.Add(-time.Minute), CreatedAt: now,
	}))
	require.NoError(t, f.tokens.Create(ctx, &auth.RefreshToken{
		ID: uuid.New(), UserID: uuid.New(), TokenHash: "h2",
		Family: uuid.New(), ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
	require.NoError(t, f.links.Create(ctx, &auth.MagicLinkToken{
		ID: uuid.New(), Email: "a@b.c", TokenHash: "h3",
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now,
	}))

	n, err := f.mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = f.tokens.FindByHash(ctx, "h1")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = f.tokens.FindByHash(ctx, "h2")
	assert.NoError(t, err)
}

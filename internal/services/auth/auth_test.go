package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackauth/internal/domain/models"
	"trackauth/internal/lib/hasher"
	"trackauth/internal/lib/jwt"
	"trackauth/internal/services/token"
	"trackauth/internal/storage"
)

const passDefaultLen = 10

// memStore backs the whole auth stack in memory for flow tests: users,
// refresh tokens and the blacklist.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	users     map[string]*models.User
	refresh   map[int64]models.RefreshToken
	blacklist map[string]models.BlacklistEntry
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*models.User),
		refresh:   make(map[int64]models.RefreshToken),
		blacklist: make(map[string]models.BlacklistEntry),
	}
}

func (m *memStore) SaveUser(_ context.Context, email, name string, passHash []byte, role models.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return 0, storage.ErrUserAlreadyExists
	}
	m.nextID++
	m.users[email] = &models.User{ID: m.nextID, Email: email, Name: name, PassHash: passHash, Role: role}
	return m.nextID, nil
}

func (m *memStore) User(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return nil, storage.ErrUserNotFound
}

func (m *memStore) UserByID(_ context.Context, userID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (m *memStore) ReplaceRefreshToken(_ context.Context, t models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[t.UserID] = t
	return nil
}

func (m *memStore) RefreshTokenByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.refresh {
		if t.TokenHash == tokenHash {
			found := t
			return &found, nil
		}
	}
	return nil, storage.ErrTokenNotFound
}

func (m *memStore) RefreshTokenByUser(_ context.Context, userID int64) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.refresh[userID]; ok {
		found := t
		return &found, nil
	}
	return nil, storage.ErrTokenNotFound
}

func (m *memStore) DeleteRefreshByUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, userID)
	return nil
}

func (m *memStore) DeleteRefreshByHash(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, t := range m.refresh {
		if t.TokenHash == tokenHash {
			delete(m.refresh, userID)
		}
	}
	return nil
}

func (m *memStore) SaveBlacklistEntry(_ context.Context, entry models.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[entry.JTI] = entry
	return nil
}

func (m *memStore) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[jti]
	return ok, nil
}

func (m *memStore) DeleteBlacklistByUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for jti, entry := range m.blacklist {
		if entry.UserID == userID {
			delete(m.blacklist, jti)
		}
	}
	return nil
}

func (m *memStore) PurgeExpiredBlacklist(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for jti, entry := range m.blacklist {
		if entry.ExpiresAt.Before(now) {
			delete(m.blacklist, jti)
			count++
		}
	}
	return count, nil
}

type fixture struct {
	auth   *Auth
	tokens *token.Service
	store  *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec := jwt.NewCodec([]byte("test-secret"))
	tokens := token.New(logger, codec, store, store, store, 24*time.Hour, "test-pepper")
	authService := New(logger, store, store, hasher.NewBcrypt(), tokens)

	return &fixture{auth: authService, tokens: tokens, store: store}
}

func randomPassword() string {
	return gofakeit.Password(true, true, true, true, false, passDefaultLen)
}

func TestRegisterLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := gofakeit.Email()
	password := randomPassword()

	session, err := f.auth.Register(ctx, email, password, "Ann")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, email, session.Email)
	assert.Equal(t, "Ann", session.Name)
	assert.Equal(t, models.RoleUser, session.Role)

	loginSession, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)
	assert.NotEmpty(t, loginSession.AccessToken)

	valid, err := f.tokens.Validate(ctx, loginSession.AccessToken, email)
	require.NoError(t, err)
	assert.True(t, valid)

	_, err = f.auth.Login(ctx, email, "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.auth.Register(ctx, email, randomPassword(), "Other Ann")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLogin_UnknownAndWrongPasswordLookAlike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := gofakeit.Email()
	password := randomPassword()

	_, err := f.auth.Register(ctx, email, password, "Ann")
	require.NoError(t, err)

	_, errUnknown := f.auth.Login(ctx, gofakeit.Email(), password)
	_, errWrongPass := f.auth.Login(ctx, email, "wrong-password")

	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrongPass, ErrInvalidCredentials)
}

func TestRefresh_RotationIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := gofakeit.Email()
	password := randomPassword()

	_, err := f.auth.Register(ctx, email, password, "Ann")
	require.NoError(t, err)

	session, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	refreshed, err := f.auth.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, session.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, email, refreshed.Email)

	// the old refresh token was consumed by the rotation
	_, err = f.auth.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidRefreshToken)

	// the new one works
	_, err = f.auth.Refresh(ctx, refreshed.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_UnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.Refresh(context.Background(), "invalid-token-that-does-not-exist")
	assert.ErrorIs(t, err, token.ErrInvalidRefreshToken)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := gofakeit.Email()
	password := randomPassword()

	session, err := f.auth.Register(ctx, email, password, "Ann")
	require.NoError(t, err)

	valid, err := f.tokens.Validate(ctx, session.AccessToken, email)
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, f.auth.Logout(ctx, session.AccessToken))

	// the access token is revoked even though it has not expired
	valid, err = f.tokens.Validate(ctx, session.AccessToken, email)
	require.NoError(t, err)
	assert.False(t, valid)

	// the refresh chain is torn down too
	_, err = f.auth.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidRefreshToken)

	// logout is idempotent
	assert.NoError(t, f.auth.Logout(ctx, session.AccessToken))
}

func TestLogout_UnverifiableToken(t *testing.T) {
	f := newFixture(t)

	err := f.auth.Logout(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

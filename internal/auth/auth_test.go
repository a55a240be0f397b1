package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret: "0123456789abcdef0123",
		TokenTTL:  time.Hour,
		Issuer:    "parley-test",
	}
}

func TestTokens_IssueVerify(t *testing.T) {
	tokens := NewTokens(testAuthConfig(), nil)
	who := chat.Identity{ID: "42", DisplayName: "alice"}

	tok, expires, err := tokens.Issue(who)
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	got, err := tokens.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, who, got)
}

func TestTokens_RejectsTampered(t *testing.T) {
	tokens := NewTokens(testAuthConfig(), nil)
	tok, _, err := tokens.Issue(chat.Identity{ID: "1", DisplayName: "a"})
	require.NoError(t, err)

	_, err = tokens.Verify(context.Background(), tok+"x")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, chat.ErrAuth)
}

func TestTokens_RejectsOtherSecretAndIssuer(t *testing.T) {
	cfg := testAuthConfig()
	tokens := NewTokens(cfg, nil)

	other := cfg
	other.JWTSecret = "another-secret-of-length"
	tok, _, err := NewTokens(other, nil).Issue(chat.Identity{ID: "1"})
	require.NoError(t, err)
	_, err = tokens.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other = cfg
	other.Issuer = "someone-else"
	tok, _, err = NewTokens(other, nil).Issue(chat.Identity{ID: "1"})
	require.NoError(t, err)
	_, err = tokens.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsNoneAlgorithm(t *testing.T) {
	tokens := NewTokens(testAuthConfig(), nil)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "1",
		Issuer:    "parley-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tokens.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_Expired(t *testing.T) {
	tokens := NewTokens(testAuthConfig(), nil)
	tok, _, err := tokens.Issue(chat.Identity{ID: "1"})
	require.NoError(t, err)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = tokens.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RevokeWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	revocations := NewRedisRevocations(client)
	require.NoError(t, revocations.Ping(context.Background()))

	tokens := NewTokens(testAuthConfig(), revocations)
	tok, _, err := tokens.Issue(chat.Identity{ID: "7", DisplayName: "bob"})
	require.NoError(t, err)

	require.NoError(t, tokens.Revoke(context.Background(), tok))
	_, err = tokens.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), 50*time.Minute)

	mr.FastForward(2 * time.Hour)
	revoked, err := revocations.IsRevoked(context.Background(), keys[0][len(revokedKeyPrefix):])
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestTokens_RedisDownIsNotAnAuthFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tokens := NewTokens(testAuthConfig(), NewRedisRevocations(client))
	tok, _, err := tokens.Issue(chat.Identity{ID: "7"})
	require.NoError(t, err)

	mr.SetError("LOADING")
	_, err = tokens.Verify(context.Background(), tok)
	require.Error(t, err)
	assert.False(t, errors.Is(err, chat.ErrAuth))
}

func TestMemoryRevocations_Expire(t *testing.T) {
	m := NewMemoryRevocations()
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Revoke(context.Background(), "a", time.Minute))
	revoked, _ := m.IsRevoked(context.Background(), "a")
	assert.True(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, _ = m.IsRevoked(context.Background(), "a")
	assert.False(t, revoked)
}

type stubVerifier struct {
	id  chat.Identity
	err error
}

func (s stubVerifier) Verify(context.Context, string) (chat.Identity, error) { return s.id, s.err }

func TestResolver(t *testing.T) {
	r := NewResolver(stubVerifier{id: chat.Identity{ID: "1", DisplayName: "a"}})
	_, err := r.Resolve(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.ErrorIs(t, err, chat.ErrAuth)

	id, err := r.Resolve(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "1", id.ID)

	r = NewResolver(stubVerifier{})
	_, err = r.Resolve(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", TokenFromRequest(req))
}

// fakeAccounts is an in-memory AccountStore.
type fakeAccounts struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]postgres.Account
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byID: make(map[int64]postgres.Account)}
}

func (f *fakeAccounts) Create(_ context.Context, username, email, password string) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Username == username || a.Email == email {
			return postgres.Account{}, postgres.ErrAccountExists
		}
	}
	hash, err := postgres.HashPasswordCost(password, 4)
	if err != nil {
		return postgres.Account{}, err
	}
	f.nextID++
	acct := postgres.Account{ID: f.nextID, Username: username, Email: email, PasswordHash: hash}
	f.byID[acct.ID] = acct
	return acct, nil
}

func (f *fakeAccounts) Authenticate(_ context.Context, email, password string) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Email == email {
			if !postgres.CheckPassword(password, a.PasswordHash) {
				return postgres.Account{}, postgres.ErrInvalidCredentials
			}
			return a, nil
		}
	}
	return postgres.Account{}, postgres.ErrAccountNotFound
}

func (f *fakeAccounts) GetByID(_ context.Context, id int64) (postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return postgres.Account{}, postgres.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccounts) List(context.Context) ([]postgres.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]postgres.Account, 0, len(f.byID))
	for id := int64(1); id <= f.nextID; id++ {
		out = append(out, f.byID[id])
	}
	return out, nil
}

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(newFakeAccounts(), NewTokens(testAuthConfig(), NewMemoryRevocations()), zaptest.NewLogger(t))
}

func TestService_SignupLoginProfileLogout(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	acct, err := svc.Signup(ctx, "alice", "alice@example.com", "pw123456")
	require.NoError(t, err)

	_, err = svc.Signup(ctx, "alice", "other@example.com", "pw")
	assert.ErrorIs(t, err, postgres.ErrAccountExists)

	sess, err := svc.Login(ctx, "alice@example.com", "pw123456")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, sess.Account.ID)

	id, err := svc.Verify(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, IdentityOf(acct), id)

	profile, err := svc.Profile(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", profile.Email)

	require.NoError(t, svc.Logout(ctx, sess.Token))
	_, err = svc.Profile(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_SignupValidation(t *testing.T) {
	svc := newService(t)
	_, err := svc.Signup(context.Background(), "", "a@b.co", "pw")
	assert.ErrorIs(t, err, ErrInvalidSignup)
	_, err = svc.Signup(context.Background(), "bob", "not-an-email", "pw")
	assert.ErrorIs(t, err, ErrInvalidSignup)
}

func TestService_LoginFailuresAreUniform(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.Signup(ctx, "alice", "alice@example.com", "right")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, postgres.ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "right")
	assert.ErrorIs(t, err, postgres.ErrInvalidCredentials)
	_, err = svc.Login(ctx, "", "")
	assert.ErrorIs(t, err, postgres.ErrInvalidCredentials)
}

// Property: every issued token verifies back to the identity it was issued for.
func TestPropertyIssueVerifyRoundTrip(t *testing.T) {
	tokens := NewTokens(testAuthConfig(), nil)
	rapid.Check(t, func(rt *rapid.T) {
		who := chat.Identity{
			ID:          rapid.StringMatching(`[0-9]{1,12}`).Draw(rt, "id"),
			DisplayName: rapid.String().Draw(rt, "name"),
		}
		tok, _, err := tokens.Issue(who)
		if err != nil {
			rt.Fatalf("issue: %v", err)
		}
		got, err := tokens.Verify(context.Background(), tok)
		if err != nil {
			rt.Fatalf("verify: %v", err)
		}
		if got != who {
			rt.Fatalf("got %+v, want %+v", got, who)
		}
	})
}

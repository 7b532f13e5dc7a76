package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/internal/testutil"
	"github.com/khanghh/oauthd/internal/users"
	"github.com/khanghh/oauthd/model"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	manager *SessionManager
	users   *users.CredentialStore
	clock   *testutil.Clock
	auditor *audit.Auditor
	user    *model.User
}

func newFixture(t *testing.T, cfg Config) *fixture {
	db := testutil.OpenTestDB(t)
	clock := testutil.NewClock()
	auditor := audit.NewAuditor(audit.NewAuditEventRepository(db), clock.Now)
	userStore := users.NewCredentialStore(db, users.NewUserRepository(db), auditor, bcrypt.MinCost)
	user, err := userStore.CreateUser(context.Background(), users.CreateUserOptions{
		Username: "alice", Email: "alice@example.com", Password: "correct horse",
	})
	require.NoError(t, err)
	storage := store.NewMemoryStorage(clock.Now)
	t.Cleanup(func() { storage.Close() })
	return &fixture{
		manager: NewSessionManager(db, NewSessionRepository(db), storage, userStore, auditor, testutil.MasterKey, cfg, clock.Now),
		users:   userStore,
		clock:   clock,
		auditor: auditor,
		user:    user,
	}
}

func TestCreateValidateDestroy(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()

	sess, token, err := f.manager.Create(ctx, f.user.ID, "test-agent", "10.0.0.1")
	require.NoError(t, err)
	require.NotEqual(t, token, sess.TokenHash)

	user, err := f.manager.Validate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, f.user.ID, user.ID)

	require.NoError(t, f.manager.Destroy(ctx, token))
	_, err = f.manager.Validate(ctx, token)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, err, oauth.ErrUnauthenticated)
	require.ErrorIs(t, f.manager.Destroy(ctx, token), ErrSessionNotFound)
}

func TestValidateExpiry(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	_, token, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	f.clock.Advance(time.Hour - time.Nanosecond)
	_, err = f.manager.Validate(ctx, token)
	require.NoError(t, err)

	f.clock.Advance(time.Nanosecond)
	_, err = f.manager.Validate(ctx, token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestTouchSlidesExpiry(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour, SlidingExpiration: true})
	ctx := context.Background()
	_, token, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	// still more than half the max age left, nothing to extend
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.manager.Touch(ctx, token))
	events, err := f.auditor.Find(ctx, audit.Filter{Action: audit.ActionSessionExtended})
	require.NoError(t, err)
	require.Empty(t, events)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.manager.Touch(ctx, token))
	f.clock.Advance(40 * time.Minute)
	_, err = f.manager.Validate(ctx, token)
	require.NoError(t, err)

	events, err = f.auditor.Find(ctx, audit.Filter{Action: audit.ActionSessionExtended})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].UserID)
	require.Equal(t, f.user.ID, *events[0].UserID)
}

func TestTouchFixedExpiry(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	_, token, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	f.clock.Advance(40 * time.Minute)
	require.NoError(t, f.manager.Touch(ctx, token))
	f.clock.Advance(40 * time.Minute)
	_, err = f.manager.Validate(ctx, token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestDestroyAllForUser(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	_, t1, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)
	_, t2, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	removed, err := f.manager.DestroyAllForUser(ctx, f.user.ID, audit.SystemActor())
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)
	for _, token := range []string{t1, t2} {
		_, err := f.manager.Validate(ctx, token)
		require.ErrorIs(t, err, ErrSessionNotFound)
	}
}

func TestCreateRejectsDisabledUser(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	_, token, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	require.NoError(t, f.users.Disable(ctx, f.user.ID, audit.SystemActor()))
	_, _, err = f.manager.Create(ctx, f.user.ID, "", "")
	require.ErrorIs(t, err, users.ErrUserDisabled)
	_, err = f.manager.Validate(ctx, token)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, Config{MaxAge: time.Hour})
	ctx := context.Background()
	_, _, err := f.manager.Create(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	removed, err := f.manager.Cleanup(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Zero(t, removed)
	removed, err = f.manager.Cleanup(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

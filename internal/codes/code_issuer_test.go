package codes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/testutil"
	"github.com/khanghh/oauthd/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubIntegrity struct {
	err error
}

func (s *stubIntegrity) CheckGrant(ctx context.Context, tx *gorm.DB, clientID string, userID uint) error {
	return s.err
}

type recordingRevoker struct {
	mu       sync.Mutex
	families []string
}

func (r *recordingRevoker) RevokeFamily(ctx context.Context, familyID, reason string, actor audit.Actor) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families = append(r.families, familyID)
	return 1, nil
}

type fixture struct {
	db        *gorm.DB
	issuer    *CodeIssuer
	clock     *testutil.Clock
	integrity *stubIntegrity
	revoker   *recordingRevoker
	auditor   *audit.Auditor
}

func newFixture(t *testing.T, revokeOnReuse bool) *fixture {
	db := testutil.OpenTestDB(t)
	clock := testutil.NewClock()
	auditor := audit.NewAuditor(audit.NewAuditEventRepository(db), clock.Now)
	integrity := &stubIntegrity{}
	revoker := &recordingRevoker{}
	issuer := NewCodeIssuer(db, NewCodeRepository(db), integrity, revoker, auditor, testutil.MasterKey,
		Config{TTL: 10 * time.Minute, RevokeOnReuse: revokeOnReuse}, clock.Now)
	return &fixture{db: db, issuer: issuer, clock: clock, integrity: integrity, revoker: revoker, auditor: auditor}
}

func (f *fixture) issue(t *testing.T) (string, *model.AuthorizationCode) {
	value, code, err := f.issuer.Issue(context.Background(), nil, IssueRequest{
		AttemptID:   "attempt-1",
		ClientID:    "c1",
		UserID:      1,
		RedirectURI: "https://app/cb",
		Scope:       "write read read",
	})
	require.NoError(t, err)
	return value, code
}

func noop(tx *gorm.DB, grant *Grant) error { return nil }

func (f *fixture) status(t *testing.T, id uint) string {
	var code model.AuthorizationCode
	require.NoError(t, f.db.First(&code, id).Error)
	return code.Status
}

func TestIssueStoresOnlyHash(t *testing.T) {
	f := newFixture(t, true)
	value, code := f.issue(t)
	require.NotEmpty(t, value)
	require.NotEqual(t, value, code.CodeHash)
	require.Equal(t, "read write", code.Scope)
	require.Equal(t, f.clock.Now().Add(10*time.Minute), code.ExpiresAt)
}

func TestIssueRejectsOrphans(t *testing.T) {
	f := newFixture(t, true)
	f.integrity.err = oauth.ErrInvalidClient
	_, _, err := f.issuer.Issue(context.Background(), nil, IssueRequest{ClientID: "gone", UserID: 1, RedirectURI: "https://app/cb"})
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
}

func TestRedeemOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	value, code := f.issue(t)

	grant, err := f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.NoError(t, err)
	require.Equal(t, code.FamilyID, grant.FamilyID)
	require.Equal(t, uint(1), grant.UserID)
	require.Equal(t, "read write", grant.Scope)
	require.Equal(t, model.CodeStatusConsumed, f.status(t, code.ID))

	_, err = f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.ErrorIs(t, err, ErrCodeReused)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
	require.Equal(t, []string{code.FamilyID}, f.revoker.families)

	events, err := f.auditor.Find(ctx, audit.Filter{Action: audit.ActionCodeReuse})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRedeemReuseWithoutRevocationPolicy(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	value, _ := f.issue(t)

	_, err := f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.NoError(t, err)
	_, err = f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
	require.Empty(t, f.revoker.families)
}

func TestRedeemExpiry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	value, code := f.issue(t)

	f.clock.Advance(10 * time.Minute)
	_, err := f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.ErrorIs(t, err, ErrCodeExpired)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
	require.Equal(t, model.CodeStatusExpired, f.status(t, code.ID))
}

func TestRedeemMismatchesAreTerminal(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	value, code := f.issue(t)
	_, err := f.issuer.Redeem(ctx, value, "c1", "https://b/cb", noop)
	require.ErrorIs(t, err, ErrRedirectMismatch)
	require.ErrorIs(t, err, oauth.ErrInvalidRedirect)
	require.Equal(t, "invalid_grant", oauth.ErrorCode(err))
	require.Equal(t, model.CodeStatusRevoked, f.status(t, code.ID))

	_, err = f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.ErrorIs(t, err, ErrCodeInvalid)
	require.Empty(t, f.revoker.families)

	value, code = f.issue(t)
	_, err = f.issuer.Redeem(ctx, value, "c2", "https://app/cb", noop)
	require.ErrorIs(t, err, ErrClientMismatch)
	require.Equal(t, model.CodeStatusRevoked, f.status(t, code.ID))
}

func TestRedeemCallbackFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	value, code := f.issue(t)

	errUserGone := errors.New("user disabled")
	_, err := f.issuer.Redeem(ctx, value, "c1", "https://app/cb", func(tx *gorm.DB, grant *Grant) error {
		return errUserGone
	})
	require.ErrorIs(t, err, errUserGone)
	require.Equal(t, model.CodeStatusRevoked, f.status(t, code.ID))

	value, code = f.issue(t)
	_, err = f.issuer.Redeem(ctx, value, "c1", "https://app/cb", func(tx *gorm.DB, grant *Grant) error {
		return oauth.Unavailable(errors.New("connection reset"))
	})
	require.ErrorIs(t, err, oauth.ErrStorageUnavailable)
	require.Equal(t, model.CodeStatusIssued, f.status(t, code.ID))
}

func TestConcurrentRedeem(t *testing.T) {
	f := newFixture(t, true)
	value, _ := f.issue(t)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuer.Redeem(context.Background(), value, "c1", "https://app/cb", noop)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, oauth.ErrInvalidGrant):
				invalid++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, n-1, invalid)
}

func TestInvalidateForClient(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	value, _ := f.issue(t)

	n, err := f.issuer.InvalidateForClient(ctx, "c1", audit.SystemActor())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.ErrorIs(t, err, ErrCodeInvalid)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.issue(t)

	n, err := f.issuer.Cleanup(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = f.issuer.Cleanup(ctx, f.clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

// staleCodeRepository serves a snapshot taken before a concurrent redemption
// committed, the way a reader racing the winner would see the row.
type staleCodeRepository struct {
	CodeRepository
	snapshot model.AuthorizationCode
}

func (r *staleCodeRepository) WithTx(tx *gorm.DB) CodeRepository {
	return &staleCodeRepository{CodeRepository: r.CodeRepository.WithTx(tx), snapshot: r.snapshot}
}

func (r *staleCodeRepository) First(ctx context.Context, query any, args ...any) (*model.AuthorizationCode, error) {
	code := r.snapshot
	return &code, nil
}

func TestTransitionSwapsOnce(t *testing.T) {
	f := newFixture(t, true)
	_, code := f.issue(t)
	repo := NewCodeRepository(f.db)
	ctx := context.Background()

	won, err := repo.Transition(ctx, code.ID, model.CodeStatusIssued, model.CodeStatusConsumed, nil)
	require.NoError(t, err)
	require.True(t, won)
	won, err = repo.Transition(ctx, code.ID, model.CodeStatusIssued, model.CodeStatusConsumed, nil)
	require.NoError(t, err)
	require.False(t, won)
}

func TestRedeemLosingSwapIsReuse(t *testing.T) {
	f := newFixture(t, true)
	value, code := f.issue(t)
	ctx := context.Background()

	var snapshot model.AuthorizationCode
	require.NoError(t, f.db.First(&snapshot, code.ID).Error)
	stale := NewCodeIssuer(f.db, &staleCodeRepository{CodeRepository: NewCodeRepository(f.db), snapshot: snapshot},
		f.integrity, f.revoker, f.auditor, testutil.MasterKey, Config{TTL: 10 * time.Minute, RevokeOnReuse: true}, f.clock.Now)

	_, err := f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.NoError(t, err)

	called := false
	grant, err := stale.Redeem(ctx, value, "c1", "https://app/cb", func(tx *gorm.DB, grant *Grant) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCodeReused)
	require.False(t, called)
	require.NotNil(t, grant)
	require.Equal(t, []string{code.FamilyID}, f.revoker.families)
	require.Equal(t, model.CodeStatusConsumed, f.status(t, code.ID))
}

func TestReject(t *testing.T) {
	f := newFixture(t, true)
	value, code := f.issue(t)
	ctx := context.Background()
	cause := errors.New("bad client credentials")

	grant, err := f.issuer.Reject(ctx, value, "c1", cause)
	require.NoError(t, err)
	require.NotNil(t, grant)
	require.Equal(t, "attempt-1", grant.AttemptID)
	require.Equal(t, model.CodeStatusRevoked, f.status(t, code.ID))

	events, err := f.auditor.Find(ctx, audit.Filter{Action: audit.ActionCodeRejected})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// already settled or unknown codes are left alone
	grant, err = f.issuer.Reject(ctx, value, "c1", cause)
	require.NoError(t, err)
	require.Nil(t, grant)
	grant, err = f.issuer.Reject(ctx, "unknown", "c1", cause)
	require.NoError(t, err)
	require.Nil(t, grant)

	_, err = f.issuer.Redeem(ctx, value, "c1", "https://app/cb", noop)
	require.ErrorIs(t, err, ErrCodeInvalid)
	require.Empty(t, f.revoker.families)
}

package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/codes"
	"github.com/khanghh/oauthd/internal/config"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/sessions"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/internal/testutil"
	"github.com/khanghh/oauthd/internal/tokens"
	"github.com/khanghh/oauthd/internal/users"
	"github.com/khanghh/oauthd/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testRedirect = "https://app/cb"
	testPassword = "correct horse battery"
)

type engineFixture struct {
	ctx     context.Context
	db      *gorm.DB
	engine  *Engine
	clock   *testutil.Clock
	user    *model.User
	client  *model.OAuthClient
	secret  string
	session string
}

func newEngineFixture(t *testing.T, mutate func(cfg *config.Config)) *engineFixture {
	t.Helper()
	cfg := &config.Config{
		MasterKey:  testutil.MasterKey,
		BaseURL:    "https://auth.example.com",
		BcryptCost: bcrypt.MinCost,
		Session:    config.SessionConfig{SessionMaxAge: 24 * time.Hour, SlidingExpiration: true},
		OAuth: config.OAuthConfig{
			AuthorizationCodeTTL: 10 * time.Minute,
			RotateRefreshTokens:  true,
			RevokeOnCodeReuse:    true,
		},
		RateLimit: config.RateLimitConfig{Window: time.Minute, MaxFailures: 3},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Sanitize())

	db := testutil.OpenTestDB(t)
	clock := testutil.NewClock()
	storage := store.NewMemoryStorage(clock.Now)
	t.Cleanup(func() { storage.Close() })
	engine, err := Setup(db, storage, cfg, prometheus.NewRegistry(), clock.Now)
	require.NoError(t, err)

	ctx := context.Background()
	user, err := engine.CreateUser(ctx, users.CreateUserOptions{Username: "u1", Email: "u1@example.com", Password: testPassword})
	require.NoError(t, err)
	client, secret, err := engine.RegisterClient(ctx, clients.RegisterOptions{
		OwnerID:      user.ID,
		Name:         "c1",
		RedirectURIs: []string{testRedirect},
		Scope:        "read write",
	})
	require.NoError(t, err)
	login, err := engine.Login(ctx, LoginRequest{Identifier: "u1", Password: testPassword})
	require.NoError(t, err)

	return &engineFixture{
		ctx:     ctx,
		db:      db,
		engine:  engine,
		clock:   clock,
		user:    user,
		client:  client,
		secret:  secret,
		session: login.SessionToken,
	}
}

func (f *engineFixture) authorize(t *testing.T, consent Consent) *AuthorizeResult {
	t.Helper()
	res, err := f.engine.Authorize(f.ctx, AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect,
		ResponseType: ResponseTypeCode,
		Scope:        "read",
		State:        "xyz",
		SessionToken: f.session,
		Consent:      consent,
	})
	require.NoError(t, err)
	return res
}

func (f *engineFixture) exchange(code string) (*tokens.Pair, error) {
	return f.engine.ExchangeCode(f.ctx, ExchangeRequest{
		Code:         code,
		RedirectURI:  testRedirect,
		ClientID:     f.client.ClientID,
		ClientSecret: f.secret,
	})
}

func (f *engineFixture) attemptStatus(t *testing.T, attemptID string) string {
	t.Helper()
	var attempt model.AuthorizationAttempt
	require.NoError(t, f.db.First(&attempt, "id = ?", attemptID).Error)
	return attempt.Status
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	require.Equal(t, model.AttemptCodeIssued, res.Status)
	require.NotEmpty(t, res.Code)
	require.Equal(t, "c1", res.ClientName)

	location, err := res.RedirectURL(nil)
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	require.Equal(t, res.Code, u.Query().Get("code"))
	require.Equal(t, "xyz", u.Query().Get("state"))

	pair, err := f.exchange(res.Code)
	require.NoError(t, err)
	require.Equal(t, "read", pair.Scope)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, model.AttemptExchanged, f.attemptStatus(t, res.AttemptID))

	info, err := f.engine.Validate(f.ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, f.client.ClientID, info.ClientID)
	require.Equal(t, f.user.ID, info.UserID)
	require.Equal(t, "read", info.Scope)
}

func TestExchangeAfterCodeTTL(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)

	f.clock.Advance(10 * time.Minute)
	_, err := f.exchange(res.Code)
	require.Error(t, err)
	require.Equal(t, "invalid_grant", oauth.ErrorCode(err))
	require.Equal(t, model.AttemptFailed, f.attemptStatus(t, res.AttemptID))
}

func TestAuthorizeWithoutSession(t *testing.T) {
	f := newEngineFixture(t, nil)
	res, err := f.engine.Authorize(f.ctx, AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect,
		ResponseType: ResponseTypeCode,
		Scope:        "write read",
	})
	require.NoError(t, err)
	require.Equal(t, model.AttemptAwaitingSession, res.Status)
	require.Equal(t, "read write", res.Scope)

	res, err = f.engine.ResumeWithSession(f.ctx, res.AttemptID, f.session, ConsentPrompt)
	require.NoError(t, err)
	require.Equal(t, model.AttemptAwaitingConsent, res.Status)
	require.Equal(t, f.user.ID, res.UserID)

	_, err = f.engine.ResumeWithSession(f.ctx, res.AttemptID, f.session, ConsentPrompt)
	require.ErrorIs(t, err, ErrAttemptStateChanged)

	res, err = f.engine.Consent(f.ctx, res.AttemptID, f.session, true)
	require.NoError(t, err)
	require.Equal(t, model.AttemptCodeIssued, res.Status)
	require.NotEmpty(t, res.Code)
}

func TestConsentRequiresSameUser(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentPrompt)
	require.Equal(t, model.AttemptAwaitingConsent, res.Status)

	_, err := f.engine.CreateUser(f.ctx, users.CreateUserOptions{Username: "u2", Email: "u2@example.com", Password: testPassword})
	require.NoError(t, err)
	other, err := f.engine.Login(f.ctx, LoginRequest{Identifier: "u2", Password: testPassword})
	require.NoError(t, err)

	_, err = f.engine.Consent(f.ctx, res.AttemptID, other.SessionToken, true)
	require.ErrorIs(t, err, ErrSessionUserMismatch)
	require.Equal(t, model.AttemptAwaitingConsent, f.attemptStatus(t, res.AttemptID))
}

func TestAuthorizeDenied(t *testing.T) {
	f := newEngineFixture(t, nil)
	res, err := f.engine.Authorize(f.ctx, AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect,
		ResponseType: ResponseTypeCode,
		State:        "s1",
		SessionToken: f.session,
		Consent:      ConsentDeny,
	})
	require.ErrorIs(t, err, oauth.ErrAccessDenied)
	require.True(t, Redirectable(err))
	require.Equal(t, model.AttemptDenied, f.attemptStatus(t, res.AttemptID))

	location, err := res.RedirectURL(err)
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	require.Equal(t, "access_denied", u.Query().Get("error"))
	require.Equal(t, "s1", u.Query().Get("state"))
	require.Empty(t, u.Query().Get("code"))
}

func TestAuthorizeRejections(t *testing.T) {
	f := newEngineFixture(t, nil)
	base := AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect,
		ResponseType: ResponseTypeCode,
		SessionToken: f.session,
	}

	req := base
	req.ClientID = "unknown"
	res, err := f.engine.Authorize(f.ctx, req)
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
	require.False(t, Redirectable(err))
	require.Nil(t, res)

	req = base
	req.RedirectURI = "https://evil/cb"
	res, err = f.engine.Authorize(f.ctx, req)
	require.ErrorIs(t, err, oauth.ErrInvalidRedirect)
	require.False(t, Redirectable(err))
	require.Nil(t, res)

	req = base
	req.ResponseType = "token"
	res, err = f.engine.Authorize(f.ctx, req)
	require.ErrorIs(t, err, oauth.ErrUnsupportedResponseType)
	require.True(t, Redirectable(err))
	require.Equal(t, model.AttemptFailed, f.attemptStatus(t, res.AttemptID))

	req = base
	req.Scope = "read admin"
	_, err = f.engine.Authorize(f.ctx, req)
	require.ErrorIs(t, err, oauth.ErrInvalidScope)

	var failed int64
	require.NoError(t, f.db.Model(&model.AuthorizationAttempt{}).Where("status = ?", model.AttemptFailed).Count(&failed).Error)
	require.EqualValues(t, 4, failed)
}

func TestAttemptTransitionsAreAudited(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	_, err := f.exchange(res.Code)
	require.NoError(t, err)

	events, err := f.engine.auditor.Find(f.ctx, audit.Filter{
		Action:       audit.ActionAttemptTransition,
		ResourceType: audit.ResourceAttempt,
		ResourceID:   res.AttemptID,
	})
	require.NoError(t, err)
	// START, AWAITING_CONSENT, CODE_ISSUED, EXCHANGED
	require.Len(t, events, 4)
}

func TestCodeReuseRevokesTokens(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	pair, err := f.exchange(res.Code)
	require.NoError(t, err)

	_, err = f.exchange(res.Code)
	require.ErrorIs(t, err, codes.ErrCodeReused)
	require.Equal(t, "invalid_grant", oauth.ErrorCode(err))

	_, err = f.engine.Validate(f.ctx, pair.AccessToken)
	require.ErrorIs(t, err, tokens.ErrTokenRevoked)
	_, err = f.engine.RefreshToken(f.ctx, RefreshRequest{RefreshToken: pair.RefreshToken, ClientID: f.client.ClientID, ClientSecret: f.secret})
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestConcurrentExchange(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		grants    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exchange(res.Code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, oauth.ErrInvalidGrant):
				grants++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, n-1, grants)
}

func TestRefreshRotationReuseRevokesFamily(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	first, err := f.exchange(res.Code)
	require.NoError(t, err)

	refresh := func(value string) (*tokens.Pair, error) {
		return f.engine.RefreshToken(f.ctx, RefreshRequest{RefreshToken: value, ClientID: f.client.ClientID, ClientSecret: f.secret})
	}
	second, err := refresh(first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, first.FamilyID, second.FamilyID)

	_, err = refresh(first.RefreshToken)
	require.ErrorIs(t, err, tokens.ErrRefreshReused)
	require.Equal(t, "invalid_grant", oauth.ErrorCode(err))

	_, err = f.engine.Validate(f.ctx, second.AccessToken)
	require.ErrorIs(t, err, tokens.ErrTokenRevoked)
	_, err = refresh(second.RefreshToken)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestExchangeRedirectMismatch(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)

	_, err := f.engine.ExchangeCode(f.ctx, ExchangeRequest{
		Code:         res.Code,
		RedirectURI:  "https://b/cb",
		ClientID:     f.client.ClientID,
		ClientSecret: f.secret,
	})
	require.ErrorIs(t, err, oauth.ErrInvalidRedirect)
	require.Equal(t, model.AttemptFailed, f.attemptStatus(t, res.AttemptID))

	_, err = f.exchange(res.Code)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestExchangeRequiresClientSecret(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)

	_, err := f.engine.ExchangeCode(f.ctx, ExchangeRequest{
		Code:         res.Code,
		RedirectURI:  testRedirect,
		ClientID:     f.client.ClientID,
		ClientSecret: "wrong",
	})
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
	require.Equal(t, model.AttemptFailed, f.attemptStatus(t, res.AttemptID))

	// codes are not retryable, even with the right secret
	_, err = f.exchange(res.Code)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)

	events, err := f.engine.auditor.Find(f.ctx, audit.Filter{Action: audit.ActionCodeRejected})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestExchangeMissingRedirectBurnsCode(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)

	_, err := f.engine.ExchangeCode(f.ctx, ExchangeRequest{
		Code:         res.Code,
		ClientID:     f.client.ClientID,
		ClientSecret: f.secret,
	})
	require.ErrorIs(t, err, ErrMissingParameter)
	require.Equal(t, model.AttemptFailed, f.attemptStatus(t, res.AttemptID))

	_, err = f.exchange(res.Code)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)

	// a bad secret on an unknown code is still just invalid_client
	_, err = f.engine.ExchangeCode(f.ctx, ExchangeRequest{
		Code:         "unknown",
		RedirectURI:  testRedirect,
		ClientID:     f.client.ClientID,
		ClientSecret: "wrong",
	})
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
}

func TestDeactivateClientInvalidatesTokens(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	pair, err := f.exchange(res.Code)
	require.NoError(t, err)
	pending := f.authorize(t, ConsentApprove)

	require.ErrorIs(t, f.engine.DeactivateClient(f.ctx, f.client.ClientID, f.user.ID+1), ErrNotClientOwner)
	require.NoError(t, f.engine.DeactivateClient(f.ctx, f.client.ClientID, f.user.ID))

	_, err = f.engine.Validate(f.ctx, pair.AccessToken)
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
	_, err = f.exchange(pending.Code)
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
	_, err = f.engine.Authorize(f.ctx, AuthorizeRequest{ClientID: f.client.ClientID, RedirectURI: testRedirect, ResponseType: ResponseTypeCode})
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
}

func TestClientAuthRateLimited(t *testing.T) {
	f := newEngineFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.engine.AuthenticateClient(f.ctx, f.client.ClientID, "wrong")
		require.ErrorIs(t, err, oauth.ErrInvalidClient)
	}
	_, err := f.engine.AuthenticateClient(f.ctx, f.client.ClientID, f.secret)
	require.ErrorIs(t, err, oauth.ErrRateLimited)

	f.clock.Advance(time.Minute)
	_, err = f.engine.AuthenticateClient(f.ctx, f.client.ClientID, f.secret)
	require.NoError(t, err)
}

func TestLoginRateLimited(t *testing.T) {
	f := newEngineFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.engine.Login(f.ctx, LoginRequest{Identifier: "u1", Password: "wrong password"})
		require.ErrorIs(t, err, users.ErrInvalidCredentials)
	}
	_, err := f.engine.Login(f.ctx, LoginRequest{Identifier: "U1", Password: testPassword})
	require.ErrorIs(t, err, oauth.ErrRateLimited)

	events, err := f.engine.auditor.Find(f.ctx, audit.Filter{Action: audit.ActionLoginFailure})
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestDisableUserCascades(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	pair, err := f.exchange(res.Code)
	require.NoError(t, err)
	pending := f.authorize(t, ConsentApprove)

	require.NoError(t, f.engine.DisableUser(f.ctx, f.user.ID, audit.SystemActor()))

	_, err = f.engine.Validate(f.ctx, pair.AccessToken)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
	_, err = f.engine.CurrentUser(f.ctx, f.session)
	require.ErrorIs(t, err, oauth.ErrUnauthenticated)
	_, err = f.exchange(pending.Code)
	require.ErrorIs(t, err, oauth.ErrInvalidGrant)
	_, err = f.engine.Login(f.ctx, LoginRequest{Identifier: "u1", Password: testPassword})
	require.ErrorIs(t, err, users.ErrInvalidCredentials)
}

func TestLogoutEverywhere(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	pair, err := f.exchange(res.Code)
	require.NoError(t, err)
	second, err := f.engine.Login(f.ctx, LoginRequest{Identifier: "u1@example.com", Password: testPassword})
	require.NoError(t, err)

	require.NoError(t, f.engine.Logout(f.ctx, f.session, true))
	_, err = f.engine.CurrentUser(f.ctx, second.SessionToken)
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
	_, err = f.engine.Validate(f.ctx, pair.AccessToken)
	require.ErrorIs(t, err, tokens.ErrTokenRevoked)
}

func TestPendingAttemptExpires(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.Config) {
		cfg.OAuth.PendingAuthorizationTTL = 5 * time.Minute
	})
	res, err := f.engine.Authorize(f.ctx, AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect,
		ResponseType: ResponseTypeCode,
	})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.engine.ResumeWithSession(f.ctx, res.AttemptID, f.session, ConsentApprove)
	require.ErrorIs(t, err, ErrAttemptExpired)
	require.Equal(t, model.AttemptFailed, f.attemptStatus(t, res.AttemptID))
}

func TestRevokeIgnoresUnknownTokens(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.Revoke(f.ctx, RevokeRequest{Token: "does-not-exist"}))

	res := f.authorize(t, ConsentApprove)
	pair, err := f.exchange(res.Code)
	require.NoError(t, err)

	err = f.engine.Revoke(f.ctx, RevokeRequest{Token: pair.AccessToken, ClientID: f.client.ClientID, ClientSecret: "wrong"})
	require.ErrorIs(t, err, oauth.ErrInvalidClient)
	require.NoError(t, f.engine.Revoke(f.ctx, RevokeRequest{Token: pair.RefreshToken, TokenTypeHint: "refresh_token", ClientID: f.client.ClientID, ClientSecret: f.secret}))

	_, err = f.engine.Validate(f.ctx, pair.AccessToken)
	require.ErrorIs(t, err, tokens.ErrTokenRevoked)
}

func TestCleanup(t *testing.T) {
	f := newEngineFixture(t, nil)
	res := f.authorize(t, ConsentApprove)
	_, err := f.exchange(res.Code)
	require.NoError(t, err)
	f.authorize(t, ConsentApprove)

	f.clock.Advance(40 * 24 * time.Hour)
	stats, err := f.engine.Cleanup(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Attempts)
	require.EqualValues(t, 2, stats.Codes)
	require.EqualValues(t, 2, stats.Tokens)
	require.EqualValues(t, 1, stats.Sessions)
}

func TestAuthorizeRejectsOversizedParameters(t *testing.T) {
	f := newEngineFixture(t, nil)
	res, err := f.engine.Authorize(f.ctx, AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect,
		ResponseType: ResponseTypeCode,
		State:        strings.Repeat("s", 513),
		SessionToken: f.session,
	})
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrParameterTooLong)
	require.Equal(t, "invalid_request", oauth.ErrorCode(err))

	_, err = f.engine.Authorize(f.ctx, AuthorizeRequest{
		ClientID:     f.client.ClientID,
		RedirectURI:  testRedirect + "?" + strings.Repeat("q", 1024),
		ResponseType: ResponseTypeCode,
		SessionToken: f.session,
	})
	require.ErrorIs(t, err, ErrParameterTooLong)

	var count int64
	require.NoError(t, f.db.Model(&model.AuthorizationAttempt{}).Count(&count).Error)
	require.Zero(t, count)
}

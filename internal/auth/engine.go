package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/codes"
	"github.com/khanghh/oauthd/internal/metrics"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/sessions"
	"github.com/khanghh/oauthd/internal/tokens"
	"github.com/khanghh/oauthd/internal/users"
	"github.com/khanghh/oauthd/model"
	"github.com/khanghh/oauthd/params"
	"gorm.io/gorm"
)

const ResponseTypeCode = "code"

type Consent string

const (
	ConsentPrompt  Consent = ""
	ConsentApprove Consent = "approve"
	ConsentDeny    Consent = "deny"
)

type Config struct {
	PendingAuthorizationTTL time.Duration
	DefaultScope            string
}

type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	SessionToken string
	Consent      Consent
}

// AuthorizeResult describes where an authorization attempt stands.
type AuthorizeResult struct {
	AttemptID   string
	Status      string
	ClientID    string
	ClientName  string
	RedirectURI string
	Scope       string
	State       string
	UserID      uint
	Code        string
}

// RedirectURL builds the client callback carrying the code, or err as an OAuth error.
func (r *AuthorizeResult) RedirectURL(err error) (string, error) {
	u, perr := url.Parse(r.RedirectURI)
	if perr != nil {
		return "", perr
	}
	query := u.Query()
	if err != nil {
		query.Set("error", oauth.ErrorCode(err))
		query.Set("error_description", oauth.Describe(err))
	} else {
		query.Set("code", r.Code)
	}
	if r.State != "" {
		query.Set("state", r.State)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Redirectable reports whether an authorize error may be sent to the client's
// redirect uri. Errors about the client or the redirect uri itself may not.
func Redirectable(err error) bool {
	return !errors.Is(err, oauth.ErrInvalidClient) && !errors.Is(err, oauth.ErrInvalidRedirect)
}

type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
}

type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

type LoginRequest struct {
	Identifier string
	Password   string
	IP         string
	UserAgent  string
}

type LoginResult struct {
	User         *model.User
	Session      *model.Session
	SessionToken string
}

type CleanupStats struct {
	Attempts int64
	Codes    int64
	Tokens   int64
	Sessions int64
}

// Engine drives the authorization code grant as a persisted state machine
// per attempt and composes the client, user, session, code and token services.
type Engine struct {
	db          *gorm.DB
	attemptRepo AttemptRepository
	clients     *clients.ClientRegistry
	users       *users.CredentialStore
	sessions    *sessions.SessionManager
	codes       *codes.CodeIssuer
	tokens      *tokens.TokenService
	auditor     *audit.Auditor
	limiter     *RateLimiter
	metrics     *metrics.Metrics
	config      Config
	now         func() time.Time
}

func (e *Engine) resultOf(attempt *model.AuthorizationAttempt, client *model.OAuthClient) *AuthorizeResult {
	res := &AuthorizeResult{
		AttemptID:   attempt.ID,
		Status:      attempt.Status,
		ClientID:    attempt.ClientID,
		RedirectURI: attempt.RedirectURI,
		Scope:       attempt.Scope,
		State:       attempt.State,
		UserID:      attempt.UserID,
	}
	if client != nil {
		res.ClientName = client.Name
	}
	return res
}

// transition moves attempt to status `to` with a compare-and-swap on its
// current status and audits the change in the same transaction.
func (e *Engine) transition(ctx context.Context, tx *gorm.DB, attempt *model.AuthorizationAttempt, to string, actor audit.Actor, columns map[string]any) error {
	from := attempt.Status
	won, err := e.attemptRepo.WithTx(tx).Transition(ctx, attempt.ID, from, to, columns)
	if err != nil {
		return oauth.Unavailable(err)
	}
	if !won {
		return ErrAttemptStateChanged
	}
	attempt.Status = to
	if userID, ok := columns["user_id"].(uint); ok {
		attempt.UserID = userID
	}
	if scope, ok := columns["scope"].(string); ok {
		attempt.Scope = scope
	}
	changes := audit.Transition(from, to)
	if reason, ok := columns["reason"]; ok {
		changes["reason"] = reason
	}
	return e.auditor.Record(ctx, tx, audit.Entry{
		Action:       audit.ActionAttemptTransition,
		UserID:       attempt.UserID,
		Actor:        actor,
		ResourceType: audit.ResourceAttempt,
		ResourceID:   attempt.ID,
		Changes:      changes,
	})
}

// fail moves a non-terminal attempt to DENIED or FAILED. Losing the swap is
// fine: some other request already finished the attempt.
func (e *Engine) fail(ctx context.Context, attempt *model.AuthorizationAttempt, cause error, actor audit.Actor) {
	if attempt == nil || attempt.IsTerminal() {
		return
	}
	to := model.AttemptFailed
	if errors.Is(cause, oauth.ErrAccessDenied) {
		to = model.AttemptDenied
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		return e.transition(ctx, tx, attempt, to, actor, map[string]any{"reason": oauth.ErrorCode(cause)})
	})
	if err != nil && !errors.Is(err, ErrAttemptStateChanged) {
		slog.Error("Could not record failed authorization", "attemptID", attempt.ID, "error", err)
	}
	e.metrics.AuthorizeRequests.WithLabelValues(to).Inc()
}

func (e *Engine) failByID(ctx context.Context, attemptID string, cause error, actor audit.Actor) {
	if attemptID == "" {
		return
	}
	attempt, err := e.attemptRepo.First(ctx, "id = ?", attemptID)
	if err != nil {
		return
	}
	e.fail(ctx, attempt, cause, actor)
}

// resolveScope canonicalises the requested scope, falling back to the
// client's registered scopes and then the server default.
func (e *Engine) resolveScope(client *model.OAuthClient, requested string) (string, error) {
	scope, err := oauth.NormalizeScope(requested)
	if err != nil {
		return "", err
	}
	if scope == "" {
		if len(client.Scopes) > 0 {
			return oauth.NormalizeScope(strings.Join(client.Scopes, " "))
		}
		return oauth.NormalizeScope(e.config.DefaultScope)
	}
	if len(client.Scopes) > 0 && !oauth.ScopeSubset(scope, client.Scopes) {
		return "", fmt.Errorf("%w: scope exceeds client registration", oauth.ErrInvalidScope)
	}
	return scope, nil
}

// Authorize starts an attempt. Without a valid session it parks in
// AWAITING_SESSION; with one it moves on to consent and, when Consent is
// already decided, to CODE_ISSUED or DENIED. A non-nil result accompanies
// every error that may be redirected to the client.
func checkParamLengths(req AuthorizeRequest) error {
	limits := []struct {
		name  string
		value string
		max   int
	}{
		{"client_id", req.ClientID, params.MaxClientIDLength},
		{"redirect_uri", req.RedirectURI, params.MaxRedirectURILength},
		{"scope", req.Scope, params.MaxScopeLength},
		{"state", req.State, params.MaxStateLength},
	}
	for _, limit := range limits {
		if len(limit.value) > limit.max {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrParameterTooLong, limit.name, limit.max)
		}
	}
	return nil
}

func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if err := checkParamLengths(req); err != nil {
		return nil, err
	}
	now := e.now()
	attempt := &model.AuthorizationAttempt{
		ID:          uuid.NewString(),
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		State:       req.State,
		Status:      model.AttemptStart,
		ExpiresAt:   now.Add(e.config.PendingAuthorizationTTL),
		CreatedAt:   now,
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.attemptRepo.WithTx(tx).Create(ctx, attempt); err != nil {
			return oauth.Unavailable(err)
		}
		return e.auditor.Record(ctx, tx, audit.Entry{
			Action:       audit.ActionAttemptTransition,
			Actor:        audit.ClientActor(req.ClientID),
			ResourceType: audit.ResourceAttempt,
			ResourceID:   attempt.ID,
			Changes:      audit.Transition("", model.AttemptStart),
		})
	})
	if err != nil {
		return nil, err
	}
	actor := audit.ClientActor(req.ClientID)

	client, err := e.clients.RequireActive(ctx, nil, req.ClientID)
	if err == nil {
		err = e.clients.ValidateRedirectURI(client, req.RedirectURI)
	}
	if err != nil {
		e.fail(ctx, attempt, err, actor)
		return nil, err
	}
	res := e.resultOf(attempt, client)

	if req.ResponseType != ResponseTypeCode {
		err := fmt.Errorf("%w: %q", oauth.ErrUnsupportedResponseType, req.ResponseType)
		e.fail(ctx, attempt, err, actor)
		return res, err
	}
	scope, err := e.resolveScope(client, req.Scope)
	if err != nil {
		e.fail(ctx, attempt, err, actor)
		return res, err
	}

	user, err := e.sessions.Validate(ctx, req.SessionToken)
	if errors.Is(err, oauth.ErrStorageUnavailable) {
		return res, err
	}
	next, columns := model.AttemptAwaitingSession, map[string]any{"scope": scope}
	if err == nil {
		next = model.AttemptAwaitingConsent
		columns["user_id"] = user.ID
	}
	err = e.db.Transaction(func(tx *gorm.DB) error {
		return e.transition(ctx, tx, attempt, next, actor, columns)
	})
	if err != nil {
		return res, err
	}
	res = e.resultOf(attempt, client)
	if next == model.AttemptAwaitingSession {
		e.metrics.AuthorizeRequests.WithLabelValues(next).Inc()
		return res, nil
	}
	return e.decide(ctx, attempt, client, req.Consent)
}

func (e *Engine) decide(ctx context.Context, attempt *model.AuthorizationAttempt, client *model.OAuthClient, consent Consent) (*AuthorizeResult, error) {
	actor := audit.UserActor(attempt.UserID)
	switch consent {
	case ConsentPrompt:
		e.metrics.AuthorizeRequests.WithLabelValues(attempt.Status).Inc()
		return e.resultOf(attempt, client), nil
	case ConsentDeny:
		e.fail(ctx, attempt, oauth.ErrAccessDenied, actor)
		return e.resultOf(attempt, client), oauth.ErrAccessDenied
	case ConsentApprove:
	default:
		return e.resultOf(attempt, client), fmt.Errorf("%w: unknown consent %q", oauth.ErrInvalidRequest, consent)
	}

	var code string
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.transition(ctx, tx, attempt, model.AttemptCodeIssued, actor, nil); err != nil {
			return err
		}
		var err error
		code, _, err = e.codes.Issue(ctx, tx, codes.IssueRequest{
			AttemptID:   attempt.ID,
			ClientID:    attempt.ClientID,
			UserID:      attempt.UserID,
			RedirectURI: attempt.RedirectURI,
			Scope:       attempt.Scope,
		})
		return err
	})
	if err != nil {
		// the rolled back transaction left the attempt at its previous status
		attempt.Status = model.AttemptAwaitingConsent
		if !errors.Is(err, oauth.ErrStorageUnavailable) && !errors.Is(err, ErrAttemptStateChanged) {
			e.fail(ctx, attempt, err, actor)
		}
		return e.resultOf(attempt, client), err
	}
	e.metrics.AuthorizeRequests.WithLabelValues(model.AttemptCodeIssued).Inc()
	res := e.resultOf(attempt, client)
	res.Code = code
	return res, nil
}

// loadPending fetches a non-terminal, unexpired attempt and its still-active client.
func (e *Engine) loadPending(ctx context.Context, attemptID, status string) (*model.AuthorizationAttempt, *model.OAuthClient, error) {
	attempt, err := e.attemptRepo.First(ctx, "id = ?", attemptID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, nil, oauth.Unavailable(err)
	}
	if attempt.Status != status {
		return nil, nil, ErrAttemptStateChanged
	}
	if !e.now().Before(attempt.ExpiresAt) {
		e.fail(ctx, attempt, ErrAttemptExpired, audit.SystemActor())
		return nil, nil, ErrAttemptExpired
	}
	client, err := e.clients.RequireActive(ctx, nil, attempt.ClientID)
	if err != nil {
		e.fail(ctx, attempt, err, audit.SystemActor())
		return nil, nil, err
	}
	return attempt, client, nil
}

// ResumeWithSession continues an attempt parked in AWAITING_SESSION once the user has logged in.
func (e *Engine) ResumeWithSession(ctx context.Context, attemptID, sessionToken string, consent Consent) (*AuthorizeResult, error) {
	attempt, client, err := e.loadPending(ctx, attemptID, model.AttemptAwaitingSession)
	if err != nil {
		return nil, err
	}
	user, err := e.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return e.resultOf(attempt, client), err
	}
	err = e.db.Transaction(func(tx *gorm.DB) error {
		return e.transition(ctx, tx, attempt, model.AttemptAwaitingConsent, audit.UserActor(user.ID), map[string]any{"user_id": user.ID})
	})
	if err != nil {
		return e.resultOf(attempt, client), err
	}
	return e.decide(ctx, attempt, client, consent)
}

// Consent records the user's decision for an attempt in AWAITING_CONSENT.
// The session must belong to the user the attempt was started for.
func (e *Engine) Consent(ctx context.Context, attemptID, sessionToken string, approve bool) (*AuthorizeResult, error) {
	attempt, client, err := e.loadPending(ctx, attemptID, model.AttemptAwaitingConsent)
	if err != nil {
		return nil, err
	}
	user, err := e.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return e.resultOf(attempt, client), err
	}
	if user.ID != attempt.UserID {
		return e.resultOf(attempt, client), ErrSessionUserMismatch
	}
	consent := ConsentDeny
	if approve {
		consent = ConsentApprove
	}
	return e.decide(ctx, attempt, client, consent)
}

// AuthenticateClient checks client credentials, counting failures against the client id.
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, secret string) (*model.OAuthClient, error) {
	if clientID == "" || secret == "" {
		return nil, clients.ErrClientCredentials
	}
	if err := e.limiter.Check(ctx, LimitClientAuth, clientID); err != nil {
		e.metrics.RateLimited.WithLabelValues(LimitClientAuth).Inc()
		return nil, err
	}
	client, err := e.clients.Authenticate(ctx, clientID, secret)
	if errors.Is(err, clients.ErrClientCredentials) {
		e.limiter.Fail(ctx, LimitClientAuth, clientID)
		slog.Warn("Client authentication failed", "clientID", clientID)
		auditErr := e.auditor.Record(ctx, nil, audit.Entry{
			Action:       audit.ActionClientAuthFailure,
			Actor:        audit.ClientActor(clientID),
			ResourceType: audit.ResourceClient,
			ResourceID:   clientID,
		})
		if auditErr != nil {
			return nil, oauth.Unavailable(auditErr)
		}
	}
	return client, err
}

func (e *Engine) observeToken(grantType string, err error) {
	result := "success"
	if err != nil {
		result = oauth.ErrorCode(err)
	}
	e.metrics.TokenRequests.WithLabelValues(grantType, result).Inc()
	switch {
	case errors.Is(err, codes.ErrCodeReused):
		e.metrics.ReuseDetected.WithLabelValues("authorization_code").Inc()
	case errors.Is(err, tokens.ErrRefreshReused):
		e.metrics.ReuseDetected.WithLabelValues("refresh_token").Inc()
	}
}

// ExchangeCode redeems an authorization code for a token pair. Redemption,
// the attempt's move to EXCHANGED and token issuance commit together; any
// failure leaves the attempt FAILED and the code unusable.
func (e *Engine) ExchangeCode(ctx context.Context, req ExchangeRequest) (pair *tokens.Pair, err error) {
	defer func() { e.observeToken("authorization_code", err) }()
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code", ErrMissingParameter)
	}
	actor := audit.ClientActor(req.ClientID)
	if req.RedirectURI == "" {
		return nil, e.rejectCode(ctx, req, actor, fmt.Errorf("%w: redirect_uri", ErrMissingParameter))
	}
	if _, err := e.AuthenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, e.rejectCode(ctx, req, actor, err)
	}
	grant, err := e.codes.Redeem(ctx, req.Code, req.ClientID, req.RedirectURI, func(tx *gorm.DB, grant *codes.Grant) error {
		attempt, err := e.attemptRepo.WithTx(tx).First(ctx, "id = ?", grant.AttemptID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return oauth.Unavailable(err)
		}
		if attempt != nil {
			if err := e.transition(ctx, tx, attempt, model.AttemptExchanged, actor, nil); err != nil {
				return err
			}
		}
		pair, err = e.tokens.IssuePair(ctx, tx, tokens.IssueRequest{
			FamilyID: grant.FamilyID,
			ClientID: grant.ClientID,
			UserID:   grant.UserID,
			Scope:    grant.Scope,
		})
		return err
	})
	if err != nil {
		if grant != nil {
			e.failByID(ctx, grant.AttemptID, err, actor)
		}
		return nil, err
	}
	e.metrics.AuthorizeRequests.WithLabelValues(model.AttemptExchanged).Inc()
	return pair, nil
}

// rejectCode burns the presented code and fails its attempt after an exchange
// failed ahead of redemption. It returns cause.
func (e *Engine) rejectCode(ctx context.Context, req ExchangeRequest, actor audit.Actor, cause error) error {
	if errors.Is(cause, oauth.ErrStorageUnavailable) {
		return cause
	}
	grant, err := e.codes.Reject(ctx, req.Code, req.ClientID, cause)
	if err != nil {
		slog.Error("Could not revoke authorization code", "clientID", req.ClientID, "error", err)
		return cause
	}
	if grant != nil {
		e.failByID(ctx, grant.AttemptID, cause, actor)
	}
	return cause
}

func (e *Engine) RefreshToken(ctx context.Context, req RefreshRequest) (pair *tokens.Pair, err error) {
	defer func() { e.observeToken("refresh_token", err) }()
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token", ErrMissingParameter)
	}
	if _, err := e.AuthenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}
	return e.tokens.Refresh(ctx, req.RefreshToken, req.ClientID)
}

// Revoke succeeds for unknown tokens. When client credentials are given they
// must be valid and only that client's tokens are revoked.
func (e *Engine) Revoke(ctx context.Context, req RevokeRequest) error {
	if req.ClientID != "" || req.ClientSecret != "" {
		if _, err := e.AuthenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
			return err
		}
	}
	return e.tokens.Revoke(ctx, req.Token, req.TokenTypeHint, req.ClientID)
}

func (e *Engine) Validate(ctx context.Context, accessToken string) (*tokens.TokenInfo, error) {
	return e.tokens.Validate(ctx, accessToken)
}

// Login verifies a password and opens a session. Failures are counted per identifier.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.Identifier == "" || req.Password == "" {
		return nil, users.ErrInvalidCredentials
	}
	if err := e.limiter.Check(ctx, LimitLogin, req.Identifier); err != nil {
		e.metrics.RateLimited.WithLabelValues(LimitLogin).Inc()
		return nil, err
	}
	user, err := e.users.VerifyPassword(ctx, req.Identifier, req.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		e.limiter.Fail(ctx, LimitLogin, req.Identifier)
		e.metrics.Logins.WithLabelValues("failure").Inc()
		auditErr := e.auditor.Record(ctx, nil, audit.Entry{
			Action:       audit.ActionLoginFailure,
			Actor:        audit.Actor{Type: audit.ActorUser, ID: req.Identifier},
			ResourceType: audit.ResourceUser,
			IP:           req.IP,
			UserAgent:    req.UserAgent,
		})
		if auditErr != nil {
			return nil, oauth.Unavailable(auditErr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	e.limiter.Reset(ctx, LimitLogin, req.Identifier)

	sess, token, err := e.sessions.Create(ctx, user.ID, req.UserAgent, req.IP)
	if err != nil {
		return nil, err
	}
	err = e.auditor.Record(ctx, nil, audit.Entry{
		Action:       audit.ActionLoginSuccess,
		UserID:       user.ID,
		Actor:        audit.UserActor(user.ID),
		ResourceType: audit.ResourceSession,
		ResourceID:   fmt.Sprint(sess.ID),
		IP:           req.IP,
		UserAgent:    req.UserAgent,
	})
	if err != nil {
		return nil, oauth.Unavailable(err)
	}
	e.metrics.Logins.WithLabelValues("success").Inc()
	return &LoginResult{User: user, Session: sess, SessionToken: token}, nil
}

// Logout ends the session. With everywhere set it ends every session of the
// user and revokes all of the user's tokens.
func (e *Engine) Logout(ctx context.Context, sessionToken string, everywhere bool) error {
	if !everywhere {
		return e.sessions.Destroy(ctx, sessionToken)
	}
	user, err := e.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return err
	}
	actor := audit.UserActor(user.ID)
	if _, err := e.sessions.DestroyAllForUser(ctx, user.ID, actor); err != nil {
		return err
	}
	_, err = e.tokens.RevokeAllForUser(ctx, user.ID, actor)
	return err
}

func (e *Engine) CurrentUser(ctx context.Context, sessionToken string) (*model.User, error) {
	return e.sessions.Validate(ctx, sessionToken)
}

func (e *Engine) TouchSession(ctx context.Context, sessionToken string) error {
	return e.sessions.Touch(ctx, sessionToken)
}

func (e *Engine) CreateUser(ctx context.Context, opts users.CreateUserOptions) (*model.User, error) {
	return e.users.CreateUser(ctx, opts)
}

func (e *Engine) RegisterClient(ctx context.Context, opts clients.RegisterOptions) (*model.OAuthClient, string, error) {
	return e.clients.Register(ctx, opts)
}

func (e *Engine) ListClients(ctx context.Context, ownerID uint) ([]model.OAuthClient, error) {
	return e.clients.ListByOwner(ctx, ownerID)
}

// DeactivateClient disables a client and cascades to its tokens and
// outstanding codes. ownerID zero means a system action with no ownership check.
func (e *Engine) DeactivateClient(ctx context.Context, clientID string, ownerID uint) error {
	client, err := e.clients.Lookup(ctx, clientID)
	if err != nil {
		return err
	}
	actor := audit.SystemActor()
	if ownerID != 0 {
		if client.OwnerID != ownerID {
			return ErrNotClientOwner
		}
		actor = audit.UserActor(ownerID)
	}
	if _, err := e.clients.Deactivate(ctx, clientID, actor); err != nil {
		return err
	}
	if _, err := e.tokens.RevokeAllForClient(ctx, clientID, actor); err != nil {
		return err
	}
	_, err = e.codes.InvalidateForClient(ctx, clientID, actor)
	return err
}

// DisableUser soft-disables a user and cascades to sessions, tokens and codes.
func (e *Engine) DisableUser(ctx context.Context, userID uint, actor audit.Actor) error {
	if err := e.users.Disable(ctx, userID, actor); err != nil {
		return err
	}
	if _, err := e.sessions.DestroyAllForUser(ctx, userID, actor); err != nil {
		return err
	}
	if _, err := e.tokens.RevokeAllForUser(ctx, userID, actor); err != nil {
		return err
	}
	_, err := e.codes.InvalidateForUser(ctx, userID, actor)
	return err
}

// Cleanup deletes expired rows. Expiry is always checked at read time, so
// skipping this only costs storage.
func (e *Engine) Cleanup(ctx context.Context) (*CleanupStats, error) {
	now := e.now()
	var (
		stats CleanupStats
		err   error
	)
	if stats.Attempts, err = e.attemptRepo.DeleteExpired(ctx, now); err != nil {
		return nil, oauth.Unavailable(err)
	}
	if stats.Codes, err = e.codes.Cleanup(ctx, now); err != nil {
		return nil, err
	}
	if stats.Tokens, err = e.tokens.Cleanup(ctx, now); err != nil {
		return nil, err
	}
	if stats.Sessions, err = e.sessions.Cleanup(ctx, now); err != nil {
		return nil, err
	}
	e.metrics.CleanupRemoved.WithLabelValues("attempts").Add(float64(stats.Attempts))
	e.metrics.CleanupRemoved.WithLabelValues("codes").Add(float64(stats.Codes))
	e.metrics.CleanupRemoved.WithLabelValues("tokens").Add(float64(stats.Tokens))
	e.metrics.CleanupRemoved.WithLabelValues("sessions").Add(float64(stats.Sessions))
	return &stats, nil
}

func NewEngine(db *gorm.DB, attemptRepo AttemptRepository, clientRegistry *clients.ClientRegistry, credentialStore *users.CredentialStore, sessionManager *sessions.SessionManager, codeIssuer *codes.CodeIssuer, tokenService *tokens.TokenService, auditor *audit.Auditor, limiter *RateLimiter, m *metrics.Metrics, config Config, now func() time.Time) *Engine {
	if config.PendingAuthorizationTTL <= 0 {
		config.PendingAuthorizationTTL = params.DefaultPendingAuthTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:          db,
		attemptRepo: attemptRepo,
		clients:     clientRegistry,
		users:       credentialStore,
		sessions:    sessionManager,
		codes:       codeIssuer,
		tokens:      tokenService,
		auditor:     auditor,
		limiter:     limiter,
		metrics:     m,
		config:      config,
		now:         now,
	}
}

package auth

import (
	"time"

	"github.com/khanghh/oauthd/internal/audit"
	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/codes"
	"github.com/khanghh/oauthd/internal/config"
	"github.com/khanghh/oauthd/internal/metrics"
	"github.com/khanghh/oauthd/internal/sessions"
	"github.com/khanghh/oauthd/internal/store"
	"github.com/khanghh/oauthd/internal/tokens"
	"github.com/khanghh/oauthd/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Setup builds the engine and every service behind it from one configuration.
// storage backs the session cache and the rate limiter counters.
func Setup(db *gorm.DB, storage store.Storage, cfg *config.Config, reg prometheus.Registerer, now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	auditor := audit.NewAuditor(audit.NewAuditEventRepository(db), now)
	credentialStore := users.NewCredentialStore(db, users.NewUserRepository(db), auditor, cfg.BcryptCost)
	clientRegistry := clients.NewClientRegistry(db, clients.NewClientRepository(db), credentialStore, auditor, cfg.BcryptCost)
	integrity := &integrityChecker{clients: clientRegistry, users: credentialStore}

	sessionManager := sessions.NewSessionManager(db, sessions.NewSessionRepository(db), storage, credentialStore, auditor, cfg.MasterKey, sessions.Config{
		MaxAge:            cfg.Session.SessionMaxAge,
		SlidingExpiration: cfg.Session.SlidingExpiration,
	}, now)

	tokenService, err := tokens.NewTokenService(db, tokens.NewAccessTokenRepository(db), tokens.NewRefreshTokenRepository(db), integrity, auditor, cfg.MasterKey, tokens.Config{
		AccessTokenTTL:      cfg.OAuth.AccessTokenTTL,
		RefreshTokenTTL:     cfg.OAuth.RefreshTokenTTL,
		RotateRefreshTokens: cfg.OAuth.RotateRefreshTokens,
		Format:              cfg.OAuth.AccessTokenFormat,
		Issuer:              cfg.BaseURL,
	}, now)
	if err != nil {
		return nil, err
	}

	codeIssuer := codes.NewCodeIssuer(db, codes.NewCodeRepository(db), integrity, tokenService, auditor, cfg.MasterKey, codes.Config{
		TTL:           cfg.OAuth.AuthorizationCodeTTL,
		RevokeOnReuse: cfg.OAuth.RevokeOnCodeReuse,
	}, now)

	limiter := NewRateLimiter(storage, cfg.RateLimit.Window, cfg.RateLimit.MaxFailures)
	engineConfig := Config{
		PendingAuthorizationTTL: cfg.OAuth.PendingAuthorizationTTL,
		DefaultScope:            cfg.OAuth.DefaultScope,
	}
	return NewEngine(db, NewAttemptRepository(db), clientRegistry, credentialStore, sessionManager, codeIssuer, tokenService, auditor, limiter, metrics.New(reg), engineConfig, now), nil
}

package params

import "time"

const (
	ServerBodyLimit             = 1048576 // 1 MiB
	ServerIdleTimeout           = 30 * time.Second
	ServerReadTimeout           = 10 * time.Second
	ServerWriteTimeout          = 10 * time.Second
	SessionKeyPrefix            = "s:"
	RateLimitKeyPrefix          = "rl:"
	SessionCacheTTL             = 5 * time.Minute  // upper bound for a cached session before it is re-read from the database
	ClientSecretLength          = 48               // length of generated client secrets
	OpaqueTokenBytes            = 32               // random bytes behind every opaque code, token and session id
	MaxAuthorizationCodeTTL     = 10 * time.Minute // codes never outlive this, whatever the config says
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = 1 * time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultPendingAuthTTL       = 15 * time.Minute
	DefaultSessionMaxAge        = 7 * 24 * time.Hour
	DefaultRateLimitWindow      = 15 * time.Minute
	DefaultRateLimitMaxFailures = 10
	CleanupInterval             = 10 * time.Minute
	HealthCheckServerAddr       = ":3001" // health check server address
	TokenTypeBearer             = "Bearer"
	MaxClientIDLength           = 64
	MaxRedirectURILength        = 1024
	MaxScopeLength              = 1024
	MaxStateLength              = 512
)

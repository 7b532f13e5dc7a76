package config

import (
	"errors"
	"strings"
	"time"

	"github.com/khanghh/oauthd/params"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr   = ":3000"
	DefaultDriver       = "sqlite"
	DefaultCookieName   = "oauthd_session"
	DefaultBcryptCost   = 12
	AccessTokenOpaque   = "opaque"
	AccessTokenJWT      = "jwt"
	minMasterKeyLength  = 32
	defaultMaxOpenConns = 10
)

var (
	ErrMissingMasterKey   = errors.New("masterKey must be at least 32 characters")
	ErrInvalidTokenFormat = errors.New("oauth.accessTokenFormat must be opaque or jwt")
	ErrUnsupportedDriver  = errors.New("database.driver must be mysql, postgres or sqlite")
)

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Dsn             string        `mapstructure:"dsn"`
	Replicas        []string      `mapstructure:"replicas"`
	TablePrefix     string        `mapstructure:"tablePrefix"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime time.Duration `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type SessionConfig struct {
	SessionMaxAge     time.Duration `mapstructure:"sessionMaxAge"`
	SlidingExpiration bool          `mapstructure:"slidingExpiration"`
	CookieName        string        `mapstructure:"cookieName"`
	CookieHttpOnly    bool          `mapstructure:"cookieHttpOnly"`
	CookieSecure      bool          `mapstructure:"cookieSecure"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type OAuthConfig struct {
	AuthorizationCodeTTL    time.Duration `mapstructure:"authorizationCodeTTL"`
	AccessTokenTTL          time.Duration `mapstructure:"accessTokenTTL"`
	RefreshTokenTTL         time.Duration `mapstructure:"refreshTokenTTL"`
	PendingAuthorizationTTL time.Duration `mapstructure:"pendingAuthorizationTTL"`
	RotateRefreshTokens     bool          `mapstructure:"rotateRefreshTokens"`
	RevokeOnCodeReuse       bool          `mapstructure:"revokeOnCodeReuse"`
	AccessTokenFormat       string        `mapstructure:"accessTokenFormat"`
	DefaultScope            string        `mapstructure:"defaultScope"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxFailures int64         `mapstructure:"maxFailures"`
}

type Config struct {
	Debug        bool            `mapstructure:"debug"`
	BaseURL      string          `mapstructure:"baseURL"`
	MasterKey    string          `mapstructure:"masterKey"`
	ListenAddr   string          `mapstructure:"listenAddr"`
	AllowOrigins []string        `mapstructure:"allowOrigins"`
	BcryptCost   int             `mapstructure:"bcryptCost"`
	Database     DatabaseConfig  `mapstructure:"database"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Session      SessionConfig   `mapstructure:"session"`
	OAuth        OAuthConfig     `mapstructure:"oauth"`
	RateLimit    RateLimitConfig `mapstructure:"rateLimit"`
}

func (c *Config) Sanitize() error {
	if len(c.MasterKey) < minMasterKeyLength {
		return ErrMissingMasterKey
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = DefaultBcryptCost
	}

	switch c.Database.Driver {
	case "":
		c.Database.Driver = DefaultDriver
	case "mysql", "postgres", "sqlite":
	default:
		return ErrUnsupportedDriver
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = defaultMaxOpenConns
	}

	if c.Session.SessionMaxAge == 0 {
		c.Session.SessionMaxAge = params.DefaultSessionMaxAge
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultCookieName
	}

	oc := &c.OAuth
	if oc.AuthorizationCodeTTL <= 0 {
		oc.AuthorizationCodeTTL = params.DefaultAuthorizationCodeTTL
	}
	if oc.AuthorizationCodeTTL > params.MaxAuthorizationCodeTTL {
		oc.AuthorizationCodeTTL = params.MaxAuthorizationCodeTTL
	}
	if oc.AccessTokenTTL <= 0 {
		oc.AccessTokenTTL = params.DefaultAccessTokenTTL
	}
	if oc.RefreshTokenTTL <= 0 {
		oc.RefreshTokenTTL = params.DefaultRefreshTokenTTL
	}
	if oc.PendingAuthorizationTTL <= 0 {
		oc.PendingAuthorizationTTL = params.DefaultPendingAuthTTL
	}
	switch oc.AccessTokenFormat {
	case "":
		oc.AccessTokenFormat = AccessTokenOpaque
	case AccessTokenOpaque, AccessTokenJWT:
	default:
		return ErrInvalidTokenFormat
	}

	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = params.DefaultRateLimitWindow
	}
	if c.RateLimit.MaxFailures <= 0 {
		c.RateLimit.MaxFailures = params.DefaultRateLimitMaxFailures
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.slidingExpiration", true)
	v.SetDefault("session.cookieHttpOnly", true)
	v.SetDefault("oauth.rotateRefreshTokens", true)
	v.SetDefault("oauth.revokeOnCodeReuse", true)
}

func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Package sessions carries the session id between the browser cookie and the
// handlers. Session state itself lives in internal/sessions.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/valyala/fasthttp"
)

const (
	sessionContextKey = "session"
	configContextKey  = "sessionConfig"
)

// Toucher renews a session's expiry when the sliding policy allows it.
type Toucher interface {
	TouchSession(ctx context.Context, token string) error
}

type Config struct {
	Toucher        Toucher
	SessionMaxAge  time.Duration
	CookieSecure   bool
	CookieHttpOnly bool
	CookieName     string
}

func applyDefaults(conf Config) Config {
	if conf.SessionMaxAge <= 0 {
		conf.SessionMaxAge = time.Hour * 24
	}
	if conf.CookieName == "" {
		conf.CookieName = "sid"
	}
	return conf
}

// Token returns the session id presented by the request, or set during it.
func Token(ctx *fiber.Ctx) string {
	token, _ := ctx.Locals(sessionContextKey).(string)
	return token
}

// Set issues the session cookie for token.
func Set(ctx *fiber.Ctx, token string) {
	ctx.Locals(sessionContextKey, token)
	if config, ok := ctx.Locals(configContextKey).(*Config); ok {
		setCookie(ctx, config, token)
	}
}

// Clear expires the session cookie.
func Clear(ctx *fiber.Ctx) {
	ctx.Locals(sessionContextKey, "")
	if config, ok := ctx.Locals(configContextKey).(*Config); ok {
		ctx.ClearCookie(config.CookieName)
	}
}

func New(config Config) fiber.Handler {
	conf := applyDefaults(config)
	return func(ctx *fiber.Ctx) error {
		ctx.Locals(configContextKey, &conf)
		token := ctx.Cookies(conf.CookieName)
		if token != "" {
			ctx.Locals(sessionContextKey, token)
		}
		if err := ctx.Next(); err != nil {
			return err
		}

		if token == "" || token != Token(ctx) || conf.Toucher == nil {
			return nil
		}
		err := conf.Toucher.TouchSession(ctx.Context(), token)
		if err == nil {
			setCookie(ctx, &conf, token)
		} else if !errors.Is(err, oauth.ErrUnauthenticated) {
			slog.Warn("Could not renew session", "error", err)
		}
		return nil
	}
}

func setCookie(ctx *fiber.Ctx, config *Config, token string) {
	fcookie := fasthttp.AcquireCookie()
	fcookie.SetKey(config.CookieName)
	fcookie.SetValue(token)
	fcookie.SetPath("/")
	fcookie.SetSecure(config.CookieSecure)
	fcookie.SetHTTPOnly(config.CookieHttpOnly)
	fcookie.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	fcookie.SetMaxAge(int(config.SessionMaxAge.Seconds()))
	fcookie.SetExpire(time.Now().Add(config.SessionMaxAge))
	ctx.Response().Header.SetCookie(fcookie)
	fasthttp.ReleaseCookie(fcookie)
}

package sessions

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/stretchr/testify/require"
)

type fakeToucher struct {
	touched []string
	err     error
}

func (f *fakeToucher) TouchSession(ctx context.Context, token string) error {
	f.touched = append(f.touched, token)
	return f.err
}

func newTestApp(toucher Toucher) *fiber.App {
	app := fiber.New()
	app.Use(New(Config{Toucher: toucher, CookieName: "sid", CookieHttpOnly: true}))
	app.Get("/whoami", func(ctx *fiber.Ctx) error {
		return ctx.SendString(Token(ctx))
	})
	app.Post("/login", func(ctx *fiber.Ctx) error {
		Set(ctx, "fresh-token")
		return ctx.SendStatus(fiber.StatusNoContent)
	})
	app.Post("/logout", func(ctx *fiber.Ctx) error {
		Clear(ctx)
		return ctx.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestTokenFromCookieIsTouched(t *testing.T) {
	toucher := &fakeToucher{}
	app := newTestApp(toucher)

	req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
	req.Header.Set("Cookie", "sid=abc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, toucher.touched)
	require.Contains(t, resp.Header.Get("Set-Cookie"), "sid=abc")
	require.Contains(t, strings.ToLower(resp.Header.Get("Set-Cookie")), "httponly")
}

func TestInvalidSessionNotRenewed(t *testing.T) {
	toucher := &fakeToucher{err: oauth.ErrUnauthenticated}
	app := newTestApp(toucher)

	req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
	req.Header.Set("Cookie", "sid=stale")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Empty(t, resp.Header.Get("Set-Cookie"))
}

func TestSetAndClear(t *testing.T) {
	toucher := &fakeToucher{}
	app := newTestApp(toucher)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/login", nil))
	require.NoError(t, err)
	require.Contains(t, resp.Header.Get("Set-Cookie"), "sid=fresh-token")
	require.Empty(t, toucher.touched)

	req := httptest.NewRequest(fiber.MethodPost, "/logout", nil)
	req.Header.Set("Cookie", "sid=abc")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Contains(t, resp.Header.Get("Set-Cookie"), "sid=;")
	require.Empty(t, toucher.touched)
}

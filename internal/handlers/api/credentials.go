package api

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
)

type clientCredentials struct {
	ClientID     string
	ClientSecret string
	Basic        bool // presented through the Authorization header
}

// parseClientCredentials reads client_secret_basic first and falls back to
// client_secret_post. Basic credentials are form-urlencoded before base64
// per RFC 6749 section 2.3.1.
func parseClientCredentials(ctx *fiber.Ctx) clientCredentials {
	header := ctx.Get(fiber.HeaderAuthorization)
	if scheme, payload, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "basic") {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err == nil {
			if id, secret, ok := strings.Cut(string(raw), ":"); ok {
				id, errID := url.QueryUnescape(id)
				secret, errSecret := url.QueryUnescape(secret)
				if errID == nil && errSecret == nil {
					return clientCredentials{ClientID: id, ClientSecret: secret, Basic: true}
				}
			}
		}
		return clientCredentials{Basic: true}
	}
	return clientCredentials{
		ClientID:     ctx.FormValue("client_id"),
		ClientSecret: ctx.FormValue("client_secret"),
	}
}

func (c clientCredentials) present() bool {
	return c.Basic || c.ClientID != "" || c.ClientSecret != ""
}

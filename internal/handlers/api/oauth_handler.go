package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/auth"
	"github.com/khanghh/oauthd/internal/middlewares/sessions"
	"github.com/khanghh/oauthd/internal/oauth"
	"github.com/khanghh/oauthd/internal/tokens"
	"github.com/khanghh/oauthd/model"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// OAuthHandler serves the authorization, token, revocation and introspection endpoints.
type OAuthHandler struct {
	engine  AuthorizationEngine
	baseURL string
}

func parseConsent(value string) auth.Consent {
	switch value {
	case "approve", "true", "yes":
		return auth.ConsentApprove
	case "deny", "false", "no":
		return auth.ConsentDeny
	}
	return auth.ConsentPrompt
}

// handleAuthorizeResult redirects back to the client once the attempt reached
// an outcome it should see, and otherwise reports the attempt to the caller.
func (h *OAuthHandler) handleAuthorizeResult(ctx *fiber.Ctx, res *auth.AuthorizeResult, err error) error {
	if err != nil {
		if res == nil || !auth.Redirectable(err) ||
			errors.Is(err, oauth.ErrUnauthenticated) ||
			errors.Is(err, oauth.ErrStorageUnavailable) ||
			errors.Is(err, auth.ErrAttemptStateChanged) {
			return err
		}
		return redirectToClient(ctx, res, err)
	}

	switch res.Status {
	case model.AttemptCodeIssued:
		return redirectToClient(ctx, res, nil)
	case model.AttemptAwaitingSession:
		return ctx.Status(fiber.StatusUnauthorized).JSON(NewDataResponse(attemptInfo(res)))
	default:
		return ctx.JSON(NewDataResponse(attemptInfo(res)))
	}
}

func redirectToClient(ctx *fiber.Ctx, res *auth.AuthorizeResult, err error) error {
	location, perr := res.RedirectURL(err)
	if perr != nil {
		return perr
	}
	return ctx.Redirect(location, fiber.StatusFound)
}

// Authorize starts an authorization request. A consent decision is only
// honoured on POST.
func (h *OAuthHandler) Authorize(ctx *fiber.Ctx) error {
	req := auth.AuthorizeRequest{
		ClientID:     ctx.FormValue("client_id"),
		RedirectURI:  ctx.FormValue("redirect_uri"),
		ResponseType: ctx.FormValue("response_type"),
		Scope:        ctx.FormValue("scope"),
		State:        ctx.FormValue("state"),
		SessionToken: sessions.Token(ctx),
	}
	if ctx.Method() == fiber.MethodPost {
		req.Consent = parseConsent(ctx.FormValue("consent"))
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		return fmt.Errorf("%w: client_id and redirect_uri", auth.ErrMissingParameter)
	}
	res, err := h.engine.Authorize(ctx.Context(), req)
	return h.handleAuthorizeResult(ctx, res, err)
}

func (h *OAuthHandler) PostConsent(ctx *fiber.Ctx) error {
	attemptID := ctx.FormValue("attempt_id")
	if attemptID == "" {
		return fmt.Errorf("%w: attempt_id", auth.ErrMissingParameter)
	}
	res, err := h.engine.Consent(ctx.Context(), attemptID, sessions.Token(ctx), parseConsent(ctx.FormValue("consent")) == auth.ConsentApprove)
	return h.handleAuthorizeResult(ctx, res, err)
}

func tokenError(ctx *fiber.Ctx, creds clientCredentials, err error) error {
	if creds.Basic && errors.Is(err, oauth.ErrInvalidClient) {
		ctx.Set(fiber.HeaderWWWAuthenticate, `Basic realm="oauthd"`)
	}
	return err
}

func (h *OAuthHandler) PostToken(ctx *fiber.Ctx) error {
	ctx.Set(fiber.HeaderCacheControl, "no-store")
	ctx.Set(fiber.HeaderPragma, "no-cache")

	creds := parseClientCredentials(ctx)
	var (
		pair *tokens.Pair
		err  error
	)
	switch grantType := ctx.FormValue("grant_type"); grantType {
	case GrantTypeAuthorizationCode:
		pair, err = h.engine.ExchangeCode(ctx.Context(), auth.ExchangeRequest{
			Code:         ctx.FormValue("code"),
			RedirectURI:  ctx.FormValue("redirect_uri"),
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		})
	case GrantTypeRefreshToken:
		pair, err = h.engine.RefreshToken(ctx.Context(), auth.RefreshRequest{
			RefreshToken: ctx.FormValue("refresh_token"),
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		})
	case "":
		err = fmt.Errorf("%w: grant_type", auth.ErrMissingParameter)
	default:
		err = fmt.Errorf("%w: %q", oauth.ErrUnsupportedGrantType, grantType)
	}
	if err != nil {
		return tokenError(ctx, creds, err)
	}
	return ctx.JSON(TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

// PostRevoke answers 200 for unknown tokens. Only failed client
// authentication and storage outages are reported.
func (h *OAuthHandler) PostRevoke(ctx *fiber.Ctx) error {
	creds := parseClientCredentials(ctx)
	err := h.engine.Revoke(ctx.Context(), auth.RevokeRequest{
		Token:         ctx.FormValue("token"),
		TokenTypeHint: ctx.FormValue("token_type_hint"),
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
	})
	if err != nil {
		return tokenError(ctx, creds, err)
	}
	return ctx.SendStatus(fiber.StatusOK)
}

func (h *OAuthHandler) PostIntrospect(ctx *fiber.Ctx) error {
	ctx.Set(fiber.HeaderCacheControl, "no-store")
	creds := parseClientCredentials(ctx)
	if !creds.present() {
		return tokenError(ctx, clientCredentials{Basic: true}, fmt.Errorf("%w: client authentication required", oauth.ErrInvalidClient))
	}
	if _, err := h.engine.AuthenticateClient(ctx.Context(), creds.ClientID, creds.ClientSecret); err != nil {
		return tokenError(ctx, creds, err)
	}

	info, err := h.engine.Validate(ctx.Context(), ctx.FormValue("token"))
	if errors.Is(err, oauth.ErrStorageUnavailable) {
		return err
	}
	if err != nil {
		return ctx.JSON(IntrospectionResponse{Active: false})
	}
	return ctx.JSON(IntrospectionResponse{
		Active:    true,
		ClientID:  info.ClientID,
		Subject:   strconv.FormatUint(uint64(info.UserID), 10),
		Scope:     info.Scope,
		TokenType: "Bearer",
		ExpiresAt: info.ExpiresAt.Unix(),
		IssuedAt:  info.IssuedAt.Unix(),
	})
}

func (h *OAuthHandler) endpoint(path string) string {
	u, err := url.JoinPath(h.baseURL, path)
	if err != nil {
		return path
	}
	return u
}

func (h *OAuthHandler) GetMetadata(ctx *fiber.Ctx) error {
	return ctx.JSON(ServerMetadata{
		Issuer:                            h.baseURL,
		AuthorizationEndpoint:             h.endpoint("/authorize"),
		TokenEndpoint:                     h.endpoint("/token"),
		RevocationEndpoint:                h.endpoint("/revoke"),
		IntrospectionEndpoint:             h.endpoint("/introspect"),
		ResponseTypesSupported:            []string{auth.ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	})
}

func NewOAuthHandler(engine AuthorizationEngine, baseURL string) *OAuthHandler {
	return &OAuthHandler{engine: engine, baseURL: baseURL}
}

package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/auth"
	"github.com/khanghh/oauthd/internal/middlewares/sessions"
	"github.com/khanghh/oauthd/internal/oauth"
)

// AuthHandler handles resource owner login and logout.
type AuthHandler struct {
	engine AuthorizationEngine
}

type loginRequest struct {
	Identifier string `json:"identifier" form:"identifier"`
	Password   string `json:"password" form:"password"`
	AttemptID  string `json:"attemptId" form:"attempt_id"`
}

func (h *AuthHandler) PostLogin(ctx *fiber.Ctx) error {
	var req loginRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	res, err := h.engine.Login(ctx.Context(), auth.LoginRequest{
		Identifier: req.Identifier,
		Password:   req.Password,
		IP:         ctx.IP(),
		UserAgent:  ctx.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return err
	}
	sessions.Set(ctx, res.SessionToken)

	resp := LoginResponse{User: userInfo(res.User)}
	if req.AttemptID != "" {
		attempt, err := h.engine.ResumeWithSession(ctx.Context(), req.AttemptID, res.SessionToken, auth.ConsentPrompt)
		if err != nil {
			return err
		}
		resp.Attempt = attemptInfo(attempt)
	}
	return ctx.JSON(NewDataResponse(resp))
}

func (h *AuthHandler) PostLogout(ctx *fiber.Ctx) error {
	token := sessions.Token(ctx)
	if token != "" {
		err := h.engine.Logout(ctx.Context(), token, ctx.QueryBool("everywhere") || ctx.FormValue("everywhere") == "true")
		if err != nil && !errors.Is(err, oauth.ErrUnauthenticated) {
			return err
		}
	}
	sessions.Clear(ctx)
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (h *AuthHandler) GetMe(ctx *fiber.Ctx) error {
	user, err := h.engine.CurrentUser(ctx.Context(), sessions.Token(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(userInfo(user)))
}

func NewAuthHandler(engine AuthorizationEngine) *AuthHandler {
	return &AuthHandler{engine: engine}
}

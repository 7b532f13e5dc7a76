package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/middlewares/sessions"
	"github.com/khanghh/oauthd/model"
)

// ClientHandler lets a logged in user manage the clients they own.
type ClientHandler struct {
	engine AuthorizationEngine
}

func (h *ClientHandler) currentUser(ctx *fiber.Ctx) (*model.User, error) {
	return h.engine.CurrentUser(ctx.Context(), sessions.Token(ctx))
}

func (h *ClientHandler) PostClient(ctx *fiber.Ctx) error {
	user, err := h.currentUser(ctx)
	if err != nil {
		return err
	}
	var req registerClientRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.ErrBadRequest
	}
	client, secret, err := h.engine.RegisterClient(ctx.Context(), clients.RegisterOptions{
		OwnerID:      user.ID,
		Name:         req.Name,
		Description:  req.Description,
		RedirectURIs: req.RedirectURIs,
		Scope:        req.Scope,
		IP:           ctx.IP(),
		UserAgent:    ctx.Get(fiber.HeaderUserAgent),
	})
	switch {
	case errors.Is(err, clients.ErrClientNameEmpty),
		errors.Is(err, clients.ErrNoRedirectURIs),
		errors.Is(err, clients.ErrMalformedRedirect):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(clientInfo(client, secret)))
}

func (h *ClientHandler) GetClients(ctx *fiber.Ctx) error {
	user, err := h.currentUser(ctx)
	if err != nil {
		return err
	}
	list, err := h.engine.ListClients(ctx.Context(), user.ID)
	if err != nil {
		return err
	}
	items := make([]ClientResponse, 0, len(list))
	for i := range list {
		items = append(items, clientInfo(&list[i], ""))
	}
	return ctx.JSON(NewDataResponse(items))
}

func (h *ClientHandler) PostDeactivateClient(ctx *fiber.Ctx) error {
	user, err := h.currentUser(ctx)
	if err != nil {
		return err
	}
	err = h.engine.DeactivateClient(ctx.Context(), ctx.Params("clientID"), user.ID)
	if errors.Is(err, clients.ErrClientNotFound) {
		return fiber.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func NewClientHandler(engine AuthorizationEngine) *ClientHandler {
	return &ClientHandler{engine: engine}
}

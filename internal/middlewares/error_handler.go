package middlewares

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/oauth"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// StatusOf maps an error to the HTTP status its OAuth error code calls for.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, oauth.ErrStorageUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, oauth.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, oauth.ErrInvalidClient), errors.Is(err, oauth.ErrUnauthenticated):
		return fiber.StatusUnauthorized
	case errors.Is(err, oauth.ErrAccessDenied):
		return fiber.StatusForbidden
	case errors.Is(err, oauth.ErrInvalidRequest), errors.Is(err, oauth.ErrInvalidGrant),
		errors.Is(err, oauth.ErrInvalidRedirect), errors.Is(err, oauth.ErrInvalidScope),
		errors.Is(err, oauth.ErrUnsupportedResponseType), errors.Is(err, oauth.ErrUnsupportedGrantType):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// ErrorHandler renders any error returned by a handler as an OAuth error object.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		body := errorBody{Error: "invalid_request", ErrorDescription: fiberErr.Message}
		switch {
		case fiberErr.Code == fiber.StatusNotFound, fiberErr.Code == fiber.StatusMethodNotAllowed:
			body.Error = "not_found"
		case fiberErr.Code >= fiber.StatusInternalServerError:
			body = errorBody{Error: "server_error"}
		}
		return ctx.Status(fiberErr.Code).JSON(body)
	}

	code := StatusOf(err)
	if code == fiber.StatusInternalServerError || code == fiber.StatusServiceUnavailable {
		slog.Error("Request failed", "path", ctx.Path(), "code", code, "error", err)
	}
	return ctx.Status(code).JSON(errorBody{
		Error:            oauth.ErrorCode(err),
		ErrorDescription: oauth.Describe(err),
	})
}

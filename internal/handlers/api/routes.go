package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/oauthd/internal/middlewares/sessions"
)

// SetupRoutes mounts the OAuth endpoints and the session-authenticated
// account endpoints on router.
func SetupRoutes(router fiber.Router, engine AuthorizationEngine, sessionConfig sessions.Config, baseURL string) {
	var (
		authHandler   = NewAuthHandler(engine)
		oauthHandler  = NewOAuthHandler(engine, baseURL)
		clientHandler = NewClientHandler(engine)
	)

	// client-authenticated, no cookies involved
	router.Post("/token", oauthHandler.PostToken)
	router.Post("/revoke", oauthHandler.PostRevoke)
	router.Post("/introspect", oauthHandler.PostIntrospect)
	router.Get("/.well-known/oauth-authorization-server", oauthHandler.GetMetadata)

	sessionConfig.Toucher = engine
	router.Use(sessions.New(sessionConfig))
	router.Post("/login", authHandler.PostLogin)
	router.Post("/logout", authHandler.PostLogout)
	router.Get("/me", authHandler.GetMe)
	router.Get("/authorize", oauthHandler.Authorize)
	router.Post("/authorize", oauthHandler.Authorize)
	router.Post("/authorize/consent", oauthHandler.PostConsent)
	router.Get("/clients", clientHandler.GetClients)
	router.Post("/clients", clientHandler.PostClient)
	router.Post("/clients/:clientID/deactivate", clientHandler.PostDeactivateClient)
}

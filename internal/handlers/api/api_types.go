package api

import (
	"context"

	"github.com/khanghh/oauthd/internal/auth"
	"github.com/khanghh/oauthd/internal/clients"
	"github.com/khanghh/oauthd/internal/tokens"
	"github.com/khanghh/oauthd/model"
)

const APIVersion = "1.0"

type AuthorizationEngine interface {
	Authorize(ctx context.Context, req auth.AuthorizeRequest) (*auth.AuthorizeResult, error)
	ResumeWithSession(ctx context.Context, attemptID, sessionToken string, consent auth.Consent) (*auth.AuthorizeResult, error)
	Consent(ctx context.Context, attemptID, sessionToken string, approve bool) (*auth.AuthorizeResult, error)
	AuthenticateClient(ctx context.Context, clientID, secret string) (*model.OAuthClient, error)
	ExchangeCode(ctx context.Context, req auth.ExchangeRequest) (*tokens.Pair, error)
	RefreshToken(ctx context.Context, req auth.RefreshRequest) (*tokens.Pair, error)
	Revoke(ctx context.Context, req auth.RevokeRequest) error
	Validate(ctx context.Context, accessToken string) (*tokens.TokenInfo, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionToken string, everywhere bool) error
	CurrentUser(ctx context.Context, sessionToken string) (*model.User, error)
	TouchSession(ctx context.Context, sessionToken string) error
	RegisterClient(ctx context.Context, opts clients.RegisterOptions) (*model.OAuthClient, string, error)
	ListClients(ctx context.Context, ownerID uint) ([]model.OAuthClient, error)
	DeactivateClient(ctx context.Context, clientID string, ownerID uint) error
}

type APIResponse struct {
	APIVersion string `json:"apiVersion"`
	Data       any    `json:"data,omitempty"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{APIVersion: APIVersion, Data: data}
}

type UserInfoResponse struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AttemptResponse struct {
	AttemptID  string `json:"attemptId"`
	Status     string `json:"status"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	Scope      string `json:"scope"`
}

type LoginResponse struct {
	User    UserInfoResponse `json:"user"`
	Attempt *AttemptResponse `json:"attempt,omitempty"`
}

type ClientResponse struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RedirectURIs []string `json:"redirectUris"`
	Scope        []string `json:"scope,omitempty"`
	Active       bool     `json:"active"`
}

type registerClientRequest struct {
	Name         string   `json:"name" form:"name"`
	Description  string   `json:"description" form:"description"`
	RedirectURIs []string `json:"redirectUris" form:"redirect_uri"`
	Scope        string   `json:"scope" form:"scope"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse follows RFC 7662. Only Active is set for unusable tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// ServerMetadata follows RFC 8414.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func userInfo(user *model.User) UserInfoResponse {
	return UserInfoResponse{UserID: user.ID, Username: user.Username, Email: user.Email}
}

func attemptInfo(res *auth.AuthorizeResult) *AttemptResponse {
	return &AttemptResponse{
		AttemptID:  res.AttemptID,
		Status:     res.Status,
		ClientID:   res.ClientID,
		ClientName: res.ClientName,
		Scope:      res.Scope,
	}
}

func clientInfo(client *model.OAuthClient, secret string) ClientResponse {
	return ClientResponse{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Name:         client.Name,
		Description:  client.Description,
		RedirectURIs: client.RedirectURIs,
		Scope:        client.Scopes,
		Active:       client.Active,
	}
}

package httpclient

import (
	"context"
	"net/http"

	"github.com/example/face-pipeline/internal/accounts"
)

// UsersClient calls the end-user account service.
type UsersClient struct {
	caller
}

// NewUsersClient builds a client for the account service at endpoint.
func NewUsersClient(endpoint Endpoint, tokens TokenSource, httpClient *http.Client) *UsersClient {
	return &UsersClient{caller: newCaller(endpoint, tokens, httpClient)}
}

type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register creates an account.
func (c *UsersClient) Register(ctx context.Context, login, password string) error {
	return c.postJSON(ctx, "register_user", credentials{Login: login, Password: password}, nil)
}

// VerifyCredentials returns the identity behind login and password.
func (c *UsersClient) VerifyCredentials(ctx context.Context, login, password string) (accounts.Identity, error) {
	var identity accounts.Identity
	err := c.postJSON(ctx, "verify_credentials", credentials{Login: login, Password: password}, &identity)
	return identity, err
}

package httpclient

import (
	"context"
	"net/http"

	"github.com/example/face-pipeline/internal/failure"
)

// Credential is a service credential obtained from the identity broker.
type Credential struct {
	BearerToken   string `json:"service_access_token"`
	SigningSecret string `json:"token_secret"`
}

// IdentityClient obtains service credentials.
type IdentityClient struct {
	caller
}

// NewIdentityClient builds a client for the identity broker at endpoint.
func NewIdentityClient(endpoint Endpoint, httpClient *http.Client) *IdentityClient {
	return &IdentityClient{caller: newCaller(endpoint, nil, httpClient)}
}

// ObtainCredential exchanges name and secret for a credential. A rejected
// secret is an authorization failure; other answers keep their status.
func (c *IdentityClient) ObtainCredential(ctx context.Context, name, secret string) (Credential, error) {
	var credential Credential
	err := c.postJSON(ctx, "verify_service_identity", map[string]string{
		"service_name": name,
		"password":     secret,
	}, &credential)
	if err != nil {
		if stageErr, ok := AsStageError(err); ok && stageErr.Status == http.StatusUnauthorized {
			return Credential{}, failure.Wrap(failure.KindAuthorization, stageErr.Message(), stageErr)
		}
		return Credential{}, err
	}
	if credential.BearerToken == "" {
		return Credential{}, failure.New(failure.KindProcessing, "identity broker returned an empty credential")
	}
	return credential, nil
}

package httpclient

import (
	"context"
	"net/http"

	"github.com/example/face-pipeline/internal/registry"
)

type locateRequest struct {
	ServiceNames []string `json:"service_names"`
}

// LocateResponse is the wire shape of a registry lookup.
type LocateResponse struct {
	ServicesFound   []registry.ServiceLocation `json:"services_found"`
	ServicesMissing []string                   `json:"services_missing"`
}

// RegistryClient resolves service names.
type RegistryClient struct {
	caller
}

// NewRegistryClient builds a client for the registry at endpoint.
func NewRegistryClient(endpoint Endpoint, tokens TokenSource, httpClient *http.Client) *RegistryClient {
	return &RegistryClient{caller: newCaller(endpoint, tokens, httpClient)}
}

// Locate looks up names and returns them split into found and missing.
func (c *RegistryClient) Locate(ctx context.Context, names []string) (registry.LookupResult, error) {
	var resp LocateResponse
	if err := c.postJSON(ctx, "locate_services", locateRequest{ServiceNames: names}, &resp); err != nil {
		return registry.LookupResult{}, err
	}
	result := registry.LookupResult{
		Found:   make(map[string]registry.ServiceLocation, len(resp.ServicesFound)),
		Missing: resp.ServicesMissing,
	}
	for _, location := range resp.ServicesFound {
		result.Found[location.ServiceName] = location
	}
	return result, nil
}

package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/example/face-pipeline/internal/resources"
)

// ResourcesClient talks to the resource store service. It satisfies
// resources.Store so gateway and workers can use a local or a remote store.
type ResourcesClient struct {
	caller
}

var _ resources.Store = (*ResourcesClient)(nil)

// NewResourcesClient builds a client for the resource store at endpoint.
func NewResourcesClient(endpoint Endpoint, tokens TokenSource, httpClient *http.Client) *ResourcesClient {
	return &ResourcesClient{caller: newCaller(endpoint, tokens, httpClient)}
}

// RegisterInput uploads image on behalf of login.
func (c *ResourcesClient) RegisterInput(ctx context.Context, login string, image []byte) (resources.JobKey, error) {
	var key resources.JobKey
	err := c.postMultipart(ctx, "register_input_image",
		map[string]string{"login": login},
		[]formPart{imagePart(image)},
		&key)
	return key, err
}

// RegisterResult uploads a result document.
func (c *ResourcesClient) RegisterResult(ctx context.Context, key resources.JobKey, resultType resources.ResultType, content []byte) error {
	return c.postMultipart(ctx, "register_intermediate_result",
		map[string]string{
			"requester_login":     key.Login,
			"resource_identifier": key.RequestID,
			"result_type":         string(resultType),
		},
		[]formPart{jsonPart("result_content", content)},
		nil)
}

// FetchResults downloads the requested documents; absent ones are nil.
func (c *ResourcesClient) FetchResults(ctx context.Context, key resources.JobKey, types []resources.ResultType) (resources.Results, error) {
	query := jobQuery(key)
	for _, resultType := range types {
		query.Add("resources_types", string(resultType))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "fetch_intermediate_results", query, nil, "")
	if err != nil {
		return nil, err
	}
	var raw map[resources.ResultType]json.RawMessage
	if err := c.doJSON(req, &raw); err != nil {
		return nil, err
	}
	results := make(resources.Results, len(types))
	for _, resultType := range types {
		doc := raw[resultType]
		if string(doc) == "null" {
			doc = nil
		}
		results[resultType] = doc
	}
	return results, nil
}

// FetchInput downloads the input image.
func (c *ResourcesClient) FetchInput(ctx context.Context, key resources.JobKey) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "fetch_input_image", jobQuery(key), nil, "")
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(req)
	return body, err
}

// FetchBatch lists jobs created between start and end. A zero end means now.
func (c *ResourcesClient) FetchBatch(ctx context.Context, start, end time.Time) ([]resources.JobSummary, error) {
	query := url.Values{"range_start": {start.UTC().Format(time.RFC3339Nano)}}
	if !end.IsZero() {
		query.Set("range_end", end.UTC().Format(time.RFC3339Nano))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "fetch_resources_batch", query, nil, "")
	if err != nil {
		return nil, err
	}
	var summaries []resources.JobSummary
	if err := c.doJSON(req, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func jobQuery(key resources.JobKey) url.Values {
	return url.Values{
		"requester_login":     {key.Login},
		"resource_identifier": {key.RequestID},
	}
}

// Package httpclient is the SDK every service uses to talk to its peers.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/example/face-pipeline/internal/failure"
)

// APIVersion prefixes every route.
const APIVersion = "v1"

const maxResponseBytes = 64 << 20

// TokenSource supplies the caller's own service bearer token.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() string { return string(t) }

// StageError is a non-2xx answer from a peer. Status, content type and body
// are kept as received so they can be forwarded.
type StageError struct {
	Service     string
	Status      int
	ContentType string
	Body        []byte
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s responded with status %d: %s", e.Service, e.Status, strings.TrimSpace(string(e.Body)))
}

// Message extracts the msg field of a JSON error body, if any.
func (e *StageError) Message() string {
	var payload struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(e.Body, &payload) == nil && payload.Msg != "" {
		return payload.Msg
	}
	return http.StatusText(e.Status)
}

// AsStageError unwraps a *StageError from err.
func AsStageError(err error) (*StageError, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr, true
	}
	return nil, false
}

// Endpoint locates one peer service.
type Endpoint struct {
	BaseURL     string
	ServiceName string
}

// URL builds /<version>/<service>/<operation> on the peer.
func (e Endpoint) URL(operation string) string {
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(e.BaseURL, "/"), APIVersion, e.ServiceName, strings.TrimLeft(operation, "/"))
}

type caller struct {
	endpoint Endpoint
	tokens   TokenSource
	http     *http.Client
}

func newCaller(endpoint Endpoint, tokens TokenSource, httpClient *http.Client) caller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return caller{endpoint: endpoint, tokens: tokens, http: httpClient}
}

func (c caller) newRequest(ctx context.Context, method, operation string, query url.Values, body io.Reader, contentType string) (*http.Request, error) {
	target := c.endpoint.URL(operation)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// do sends req and returns the raw body of a 2xx answer.
func (c caller) do(req *http.Request) ([]byte, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", failure.Transport(fmt.Sprintf("%s unreachable", c.endpoint.ServiceName), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", failure.Transport(fmt.Sprintf("read %s response", c.endpoint.ServiceName), err)
	}
	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StageError{
			Service:     c.endpoint.ServiceName,
			Status:      resp.StatusCode,
			ContentType: contentType,
			Body:        body,
		}
	}
	return body, contentType, nil
}

func (c caller) doJSON(req *http.Request, out interface{}) error {
	body, _, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.endpoint.ServiceName, err)
	}
	return nil
}

func (c caller) postJSON(ctx context.Context, operation string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, operation, nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

// formPart is one file part of a multipart body.
type formPart struct {
	field       string
	fileName    string
	contentType string
	content     []byte
}

// imagePart labels content with its sniffed type when that is an image type
// and as application/octet-stream otherwise. Formats the sniffer does not
// know, such as PPM, would otherwise go out as text/plain.
func imagePart(content []byte) formPart {
	contentType := http.DetectContentType(content)
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "application/octet-stream"
	}
	return formPart{field: "image", fileName: "image", contentType: contentType, content: content}
}

func jsonPart(field string, content []byte) formPart {
	return formPart{field: field, fileName: field + ".json", contentType: "application/json", content: content}
}

func (c caller) postMultipart(ctx context.Context, operation string, fields map[string]string, parts []formPart, out interface{}) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return err
		}
	}
	for _, part := range parts {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, part.field, part.fileName))
		header.Set("Content-Type", part.contentType)
		w, err := writer.CreatePart(header)
		if err != nil {
			return err
		}
		if _, err := w.Write(part.content); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, operation, nil, &buf, writer.FormDataContentType())
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/accounts"
	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/resources"
	"github.com/example/face-pipeline/internal/stage"
	"github.com/example/face-pipeline/internal/usecase"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func testUserTokens() *auth.UserTokens {
	return &auth.UserTokens{
		UserSecret:  []byte("user-secret"),
		AdminSecret: []byte("admin-secret"),
		AccessTTL:   time.Minute,
		RefreshTTL:  time.Hour,
	}
}

type stubStages struct {
	facesErr error
}

func (s *stubStages) DetectPeople(ctx context.Context, image []byte) (stage.PeopleResult, error) {
	return stage.PeopleResult{People: []geometry.BoundingBox{geometry.Box(0, 0, 8, 8)}}, nil
}

func (s *stubStages) DetectFaces(ctx context.Context, image []byte, people []geometry.BoundingBox) (stage.FacesResult, error) {
	if s.facesErr != nil {
		return stage.FacesResult{}, s.facesErr
	}
	return stage.FacesResult{Faces: people}, nil
}

func (s *stubStages) EstimateAge(ctx context.Context, image []byte, faces []geometry.BoundingBox) (stage.AgeResult, error) {
	out := stage.AgeResult{AgeEstimation: []stage.AgeEstimate{}}
	for _, face := range faces {
		out.AgeEstimation = append(out.AgeEstimation, stage.AgeEstimate{BoundingBox: face, Age: 21})
	}
	return out, nil
}

type stubJobs struct{}

func (stubJobs) RegisterInput(ctx context.Context, login string, image []byte) (resources.JobKey, error) {
	return resources.JobKey{Login: login, RequestID: "01HXJOB"}, nil
}

func (stubJobs) FetchResults(ctx context.Context, key resources.JobKey, types []resources.ResultType) (resources.Results, error) {
	out := resources.Results{}
	for _, t := range types {
		out[t] = nil
	}
	return out, nil
}

type stubPublisher struct {
	published []queue.JobMessage
}

func (p *stubPublisher) Publish(ctx context.Context, st queue.Stage, msg queue.JobMessage) error {
	p.published = append(p.published, msg)
	return nil
}

type stubDirectory struct{}

func (stubDirectory) Register(ctx context.Context, login, password string) error {
	if login == "taken" {
		return &httpclient.StageError{Service: "user_identity_service", Status: http.StatusConflict, ContentType: "application/json", Body: []byte(`{"msg":"User with given login already exists."}`)}
	}
	return nil
}

func (stubDirectory) VerifyCredentials(ctx context.Context, login, password string) (accounts.Identity, error) {
	return accounts.Identity{Login: login, AccessLevel: 2}, nil
}

func newGatewayRouter(t *testing.T, stages *stubStages, publisher *stubPublisher) (*gin.Engine, *auth.UserTokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(LimitBody())

	tokens := testUserTokens()
	revocations := usecase.NewRevocations(newMemoryCache(), zap.NewNop())
	GatewayRoutes{
		Pipeline:    usecase.NewPipeline(stages, stubJobs{}, publisher, zap.NewNop()),
		Accounts:    usecase.NewAccounts(stubDirectory{}, tokens, revocations, zap.NewNop()),
		Tokens:      tokens,
		Revocations: revocations,
		Logger:      zap.NewNop(),
	}.Register(router, "gateway_service")
	return router, tokens
}

func userToken(t *testing.T, tokens *auth.UserTokens, class auth.KeyClass, kind auth.TokenKind, level int) string {
	t.Helper()
	token, err := tokens.Issue(class, kind, "alice", level)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func TestSyncRejectsLargeUpload(t *testing.T) {
	router, tokens := newGatewayRouter(t, &stubStages{}, &stubPublisher{})
	token := userToken(t, tokens, auth.UserProtected, auth.AccessToken, 2)
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/sync/process_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestSyncRejectsUnsupportedContentType(t *testing.T) {
	router, tokens := newGatewayRouter(t, &stubStages{}, &stubPublisher{})
	token := userToken(t, tokens, auth.UserProtected, auth.AccessToken, 2)
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/sync/process_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestSyncReturnsAgeEstimation(t *testing.T) {
	router, tokens := newGatewayRouter(t, &stubStages{}, &stubPublisher{})
	token := userToken(t, tokens, auth.UserProtected, auth.AccessToken, 2)
	body, contentType := buildMultipartBody(t, "image/png", pngHeader)

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/sync/process_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var result stage.AgeResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(result.AgeEstimation) != 1 || result.AgeEstimation[0].Age != 21 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSyncForwardsStageFailureVerbatim(t *testing.T) {
	stageErr := &httpclient.StageError{
		Service:     "face_detection_service",
		Status:      http.StatusInternalServerError,
		ContentType: "application/json",
		Body:        []byte(`{"msg":"model exploded"}`),
	}
	router, tokens := newGatewayRouter(t, &stubStages{facesErr: stageErr}, &stubPublisher{})
	token := userToken(t, tokens, auth.UserProtected, auth.AccessToken, 2)
	body, contentType := buildMultipartBody(t, "image/png", pngHeader)

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/sync/process_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected forwarded status 500, got %d", resp.Code)
	}
	if resp.Body.String() != `{"msg":"model exploded"}` {
		t.Fatalf("expected forwarded body, got %s", resp.Body.String())
	}
}

func TestSyncForbiddenForAsyncUsers(t *testing.T) {
	router, tokens := newGatewayRouter(t, &stubStages{}, &stubPublisher{})
	token := userToken(t, tokens, auth.UserProtected, auth.AccessToken, 1)
	body, contentType := buildMultipartBody(t, "image/png", pngHeader)

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/sync/process_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", resp.Code)
	}
}

func TestGatewayRejectsAdminClassTokens(t *testing.T) {
	router, tokens := newGatewayRouter(t, &stubStages{}, &stubPublisher{})
	token := userToken(t, tokens, auth.AdminProtected, auth.AccessToken, 3)

	req := httptest.NewRequest(http.MethodGet, "/v1/gateway_service/async/fetch_results?request_identifier=01HXJOB", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", resp.Code)
	}
}

func TestAsyncStartAndFetch(t *testing.T) {
	publisher := &stubPublisher{}
	router, tokens := newGatewayRouter(t, &stubStages{}, publisher)
	token := userToken(t, tokens, auth.UserProtected, auth.AccessToken, 1)
	body, contentType := buildMultipartBody(t, "image/jpeg", pngHeader)

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/async/process_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != `{"request_identifier":"01HXJOB"}` {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if len(publisher.published) != 1 || publisher.published[0].RequesterLogin != "alice" {
		t.Fatalf("expected one message for alice, got %+v", publisher.published)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/gateway_service/async/fetch_results?request_identifier=01HXJOB", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var results map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body.Bytes(), &results); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	for _, name := range []string{"people_detection", "faces_detection", "age_estimation", "error"} {
		if string(results[name]) != "null" {
			t.Fatalf("expected %s to be null, got %s", name, results[name])
		}
	}
}

func TestLoginLogoutRevokesToken(t *testing.T) {
	router, _ := newGatewayRouter(t, &stubStages{}, &stubPublisher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/user_login", strings.NewReader(`{"login":"alice","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", resp.Code, resp.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(resp.Body.Bytes(), &pair); err != nil {
		t.Fatalf("invalid body: %v", err)
	}

	logout := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/logout_access", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp.Code
	}
	if code := logout(); code != http.StatusOK {
		t.Fatalf("expected first logout to succeed, got %d", code)
	}
	if code := logout(); code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", code)
	}
}

func TestRegisterForwardsConflict(t *testing.T) {
	router, _ := newGatewayRouter(t, &stubStages{}, &stubPublisher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway_service/register_user", strings.NewReader(`{"login":"taken","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(0.001, 1).Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	return buildMultipartForm(t, nil, map[string]filePart{"image": {contentType: contentType, content: payload}})
}

type filePart struct {
	contentType string
	content     []byte
}

func buildMultipartForm(t *testing.T, fields map[string]string, files map[string]filePart) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for name, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+name+`"; filename="upload"`)
		header.Set("Content-Type", file.contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(file.content); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/accounts"
	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/cache"
	"github.com/example/face-pipeline/internal/identity"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/registry"
	"github.com/example/face-pipeline/internal/repository"
	"github.com/example/face-pipeline/internal/resources"
)

type memoryCache struct {
	values map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.values[key] = value.(string)
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (m *memoryCache) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

func serviceAuth(t *testing.T) (gin.HandlerFunc, string) {
	t.Helper()
	tokens, err := auth.NewServiceTokens("service-secret", 0)
	if err != nil {
		t.Fatalf("failed to build service tokens: %v", err)
	}
	token, err := tokens.Issue("gateway_service")
	if err != nil {
		t.Fatalf("failed to issue service token: %v", err)
	}
	return auth.ServiceMiddleware(tokens), token
}

func newResourcesRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := resources.NewFSStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	requireService, token := serviceAuth(t)
	router := gin.New()
	router.Use(LimitBody())
	RegisterResourceRoutes(router, "resource_manager_service", store, requireService, zap.NewNop())
	return router, token
}

func TestResourcesRoundTrip(t *testing.T) {
	router, token := newResourcesRouter(t)
	image := append(append([]byte{}, pngHeader...), 1, 2, 3)

	body, contentType := buildMultipartForm(t, map[string]string{"login": "alice"}, map[string]filePart{"image": {contentType: "image/png", content: image}})
	req := httptest.NewRequest(http.MethodPost, "/v1/resource_manager_service/register_input_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("register input failed: %d %s", resp.Code, resp.Body.String())
	}
	var key resources.JobKey
	if err := json.Unmarshal(resp.Body.Bytes(), &key); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if key.Login != "alice" || key.RequestID == "" {
		t.Fatalf("unexpected key %+v", key)
	}
	query := url.Values{"requester_login": {key.Login}, "resource_identifier": {key.RequestID}}

	req = httptest.NewRequest(http.MethodGet, "/v1/resource_manager_service/fetch_input_image?"+query.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !bytes.Equal(resp.Body.Bytes(), image) {
		t.Fatalf("expected identical image, got %d %q", resp.Code, resp.Body.Bytes())
	}

	body, contentType = buildMultipartForm(t,
		map[string]string{"requester_login": key.Login, "resource_identifier": key.RequestID, "result_type": "people_detection"},
		map[string]filePart{"result_content": {contentType: "application/json", content: []byte(`{"people":[]}`)}})
	req = httptest.NewRequest(http.MethodPost, "/v1/resource_manager_service/register_intermediate_result", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("register result failed: %d %s", resp.Code, resp.Body.String())
	}

	query.Add("resources_types", "people_detection")
	query.Add("resources_types", "error")
	req = httptest.NewRequest(http.MethodGet, "/v1/resource_manager_service/fetch_intermediate_results?"+query.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("fetch results failed: %d %s", resp.Code, resp.Body.String())
	}
	var results map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body.Bytes(), &results); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if string(results["people_detection"]) != `{"people":[]}` || string(results["error"]) != "null" {
		t.Fatalf("unexpected results %s", resp.Body.String())
	}
}

func TestResourcesRejectUnknownResultType(t *testing.T) {
	router, token := newResourcesRouter(t)

	body, contentType := buildMultipartForm(t,
		map[string]string{"requester_login": "alice", "resource_identifier": "01HX", "result_type": "object_detection"},
		map[string]filePart{"result_content": {contentType: "application/json", content: []byte(`{}`)}})
	req := httptest.NewRequest(http.MethodPost, "/v1/resource_manager_service/register_intermediate_result", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", resp.Code)
	}
}

func TestResourcesRequireServiceToken(t *testing.T) {
	router, _ := newResourcesRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource_manager_service/fetch_resources_batch?range_start=2024-01-01T00:00:00Z", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
}

func TestResourcesBatchRequiresStart(t *testing.T) {
	router, token := newResourcesRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/resource_manager_service/fetch_resources_batch", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", resp.Code)
	}
}

type stubLocator struct {
	gotCaller string
}

func (s *stubLocator) Lookup(ctx context.Context, caller string, names []string) (registry.LookupResult, error) {
	s.gotCaller = caller
	broker := registry.ServiceLocation{ServiceName: "message_broker", ServiceAddress: "nats://broker", ServicePort: 4222}
	return registry.LookupResult{
		Found:   map[string]registry.ServiceLocation{"message_broker": broker},
		Located: []registry.ServiceLocation{broker},
		Missing: []string{"ghost"},
	}, nil
}

func TestLocateServices(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requireService, token := serviceAuth(t)
	locator := &stubLocator{}
	router := gin.New()
	RegisterRegistryRoutes(router, "discovery_service", locator, requireService, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/discovery_service/locate_services", strings.NewReader(`{"service_names":["message_broker","ghost"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if locator.gotCaller != "gateway_service" {
		t.Fatalf("caller not taken from token: %q", locator.gotCaller)
	}
	want := `{"services_found":[{"service_name":"message_broker","service_address":"nats://broker","service_port":4222}],"services_missing":["ghost"]}`
	if resp.Body.String() != want {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

type locationRows map[string]repository.ServiceLocation

func (r locationRows) Upsert(_ context.Context, location *repository.ServiceLocation) error {
	r[location.ServiceName] = *location
	return nil
}

func (r locationRows) FindByName(_ context.Context, name string) (*repository.ServiceLocation, error) {
	row, ok := r[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}

func (r locationRows) FindByNames(_ context.Context, names []string) ([]repository.ServiceLocation, error) {
	var out []repository.ServiceLocation
	for _, name := range names {
		if row, ok := r[name]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r locationRows) List(context.Context) ([]repository.ServiceLocation, error) {
	out := make([]repository.ServiceLocation, 0, len(r))
	for _, row := range r {
		out = append(out, row)
	}
	return out, nil
}

func (r locationRows) Delete(_ context.Context, name string) error {
	delete(r, name)
	return nil
}

func TestLocateServicesReportsEveryRequestedName(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requireService, token := serviceAuth(t)
	service := registry.NewService(locationRows{}, zap.NewNop())
	ctx := context.Background()
	if err := service.Register(ctx, "gateway_service", "http://gateway", 8000); err != nil {
		t.Fatalf("register gateway: %v", err)
	}
	if err := service.Register(ctx, "message_broker", "nats://broker", 4222); err != nil {
		t.Fatalf("register broker: %v", err)
	}
	router := gin.New()
	RegisterRegistryRoutes(router, "discovery_service", service, requireService, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/discovery_service/locate_services", strings.NewReader(`{"service_names":[" message_broker",""]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	want := `{"services_found":[{"service_name":"message_broker","service_address":"nats://broker","service_port":4222}],"services_missing":[""]}`
	if resp.Body.String() != want {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

type stubIssuer struct{}

func (stubIssuer) Issue(ctx context.Context, name, secret string) (identity.Credential, error) {
	if secret != "right" {
		return identity.Credential{}, identity.ErrUnauthorized
	}
	return identity.Credential{BearerToken: "token", SigningSecret: "secret"}, nil
}

func TestVerifyServiceIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterIdentityRoutes(router, "server_identity_service", stubIssuer{}, zap.NewNop())

	call := func(password string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/server_identity_service/verify_service_identity",
			strings.NewReader(`{"service_name":"gateway_service","password":"`+password+`"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp
	}

	if resp := call("right"); resp.Code != http.StatusOK || resp.Body.String() != `{"service_access_token":"token","token_secret":"secret"}` {
		t.Fatalf("unexpected success answer %d %s", resp.Code, resp.Body.String())
	}
	if resp := call("wrong"); resp.Code != http.StatusUnauthorized || resp.Body.String() != `{"msg":"Service login failed."}` {
		t.Fatalf("unexpected failure answer %d %s", resp.Code, resp.Body.String())
	}
}

type stubAccounts struct {
	changedBy int
	changedTo int
}

func (s *stubAccounts) Register(ctx context.Context, login, password string) error { return nil }

func (s *stubAccounts) VerifyCredentials(ctx context.Context, login, password string) (accounts.Identity, error) {
	return accounts.Identity{Login: login, AccessLevel: 1}, nil
}

func (s *stubAccounts) AdminLogin(ctx context.Context, login, password string) (auth.TokenPair, error) {
	return auth.TokenPair{AccessToken: "a", RefreshToken: "r"}, nil
}

func (s *stubAccounts) Refresh(claims *auth.UserClaims) (auth.TokenPair, error) {
	return auth.TokenPair{AccessToken: "fresh"}, nil
}

func (s *stubAccounts) ChangeAccessLevel(ctx context.Context, adminLevel int, login string, level int) error {
	s.changedBy, s.changedTo = adminLevel, level
	return nil
}

func (s *stubAccounts) Delete(ctx context.Context, adminLevel int, login string) error { return nil }

func TestAdminRoutesRequireAdminClass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requireService, _ := serviceAuth(t)
	tokens := testUserTokens()
	accountsStub := &stubAccounts{}
	router := gin.New()
	UsersRoutes{Accounts: accountsStub, Tokens: tokens, RequireService: requireService, Logger: zap.NewNop()}.
		Register(router, "user_identity_service")

	change := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/user_identity_service/admin/change_user_access_level",
			strings.NewReader(`{"login":"bob","new_access_level":2}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp.Code
	}

	if code := change(userToken(t, tokens, auth.UserProtected, auth.AccessToken, 3)); code != http.StatusForbidden {
		t.Fatalf("expected user-class token to be refused, got %d", code)
	}
	if code := change(userToken(t, tokens, auth.AdminProtected, auth.AccessToken, 3)); code != http.StatusOK {
		t.Fatalf("expected admin-class token to pass, got %d", code)
	}
	if accountsStub.changedBy != 3 || accountsStub.changedTo != 2 {
		t.Fatalf("unexpected change call %+v", accountsStub)
	}
}

func TestRegisterUserRequiresServiceToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requireService, token := serviceAuth(t)
	router := gin.New()
	UsersRoutes{Accounts: &stubAccounts{}, Tokens: testUserTokens(), RequireService: requireService, Logger: zap.NewNop()}.
		Register(router, "user_identity_service")

	register := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/user_identity_service/register_user", strings.NewReader(`{"login":"bob","password":"pw"}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp
	}

	if resp := register(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	if resp := register("Bearer " + token); resp.Code != http.StatusOK || resp.Body.String() != `{"message":"OK"}` {
		t.Fatalf("unexpected answer %d %s", resp.Code, resp.Body.String())
	}
}

func TestDetectFacesReadsPeoplePart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requireService, token := serviceAuth(t)
	router := gin.New()
	if err := RegisterDetectorRoutes(router, "face_detection_service", queue.FacesDetection, &stubStages{}, requireService, zap.NewNop()); err != nil {
		t.Fatalf("register routes: %v", err)
	}

	body, contentType := buildMultipartForm(t, nil, map[string]filePart{
		"image":  {contentType: "image/png", content: pngHeader},
		"people": {contentType: "application/json", content: []byte(`[{"left_top":{"x":1,"y":2},"right_bottom":{"x":3,"y":4}}]`)},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/face_detection_service/detect_faces", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != `{"faces":[{"left_top":{"x":1,"y":2},"right_bottom":{"x":3,"y":4}}]}` {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestDetectFacesRejectsMalformedRegions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	requireService, token := serviceAuth(t)
	router := gin.New()
	if err := RegisterDetectorRoutes(router, "face_detection_service", queue.FacesDetection, &stubStages{}, requireService, zap.NewNop()); err != nil {
		t.Fatalf("register routes: %v", err)
	}

	body, contentType := buildMultipartForm(t, map[string]string{"people": "not json"}, map[string]filePart{
		"image": {contentType: "image/png", content: pngHeader},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/face_detection_service/detect_faces", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", resp.Code)
	}
}

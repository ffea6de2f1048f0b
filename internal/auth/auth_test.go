package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUserTokens() *UserTokens {
	return &UserTokens{
		UserSecret:  []byte("user-secret"),
		AdminSecret: []byte("admin-secret"),
		AccessTTL:   time.Minute,
		RefreshTTL:  time.Hour,
	}
}

func TestServiceTokensRoundTrip(t *testing.T) {
	tokens, err := NewServiceTokens("shared", 0)
	require.NoError(t, err)

	token, err := tokens.Issue("gateway_service")
	require.NoError(t, err)

	caller, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "gateway_service", caller)
}

func TestServiceTokensRejectForeignSecret(t *testing.T) {
	issuer, _ := NewServiceTokens("one", time.Minute)
	verifier, _ := NewServiceTokens("two", time.Minute)

	token, err := issuer.Issue("gateway_service")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestServiceTokensRejectUserTokens(t *testing.T) {
	users := testUserTokens()
	services := &ServiceTokens{Secret: users.UserSecret}

	token, err := users.Issue(UserProtected, AccessToken, "alice", 1)
	require.NoError(t, err)

	_, err = services.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceTokensRequiresSecret(t *testing.T) {
	_, err := NewServiceTokens("  ", 0)
	assert.Error(t, err)
}

func TestUserTokensSelectKeyByClass(t *testing.T) {
	tokens := testUserTokens()

	for _, class := range []KeyClass{UserProtected, AdminProtected} {
		token, err := tokens.Issue(class, AccessToken, "alice", 3)
		require.NoError(t, err)

		claims, err := tokens.Verify(token, AccessToken)
		require.NoError(t, err)
		assert.Equal(t, class, claims.Class)
		assert.Equal(t, "alice", claims.Login())
		assert.Equal(t, 3, claims.AccessLevel)
	}
}

func TestUserTokensRejectForgedClassHeader(t *testing.T) {
	tokens := testUserTokens()

	claims := UserClaims{
		AccessLevel: 4,
		Kind:        AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	forged.Header[ClassHeader] = true
	signed, err := forged.SignedString(tokens.UserSecret)
	require.NoError(t, err)

	_, err = tokens.Verify(signed, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserTokensRejectWrongKind(t *testing.T) {
	tokens := testUserTokens()
	pair, err := tokens.IssuePair(UserProtected, "alice", 1)
	require.NoError(t, err)

	_, err = tokens.Verify(pair.RefreshToken, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := tokens.Verify(pair.RefreshToken, RefreshToken)
	require.NoError(t, err)
	assert.Greater(t, claims.Remaining(time.Now()), 59*time.Minute)
}

func TestUserTokensRejectExpired(t *testing.T) {
	tokens := testUserTokens()
	tokens.AccessTTL = time.Nanosecond

	token, err := tokens.Issue(UserProtected, AccessToken, "alice", 1)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = tokens.Verify(token, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractBearerToken(t *testing.T) {
	token, err := ExtractBearerToken("bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer"} {
		_, err := ExtractBearerToken(header)
		assert.Error(t, err, header)
	}
}

type revocationStub struct {
	revoked map[string]bool
	err     error
}

func (r revocationStub) IsRevoked(_ context.Context, id string) (bool, error) {
	return r.revoked[id], r.err
}

func userRouter(tokens *UserTokens, revocations RevocationChecker, classes ...KeyClass) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", UserMiddleware(tokens, AccessToken, revocations, classes...), func(c *gin.Context) {
		claims, ok := GetUser(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"login": claims.Login()})
	})
	return router
}

func doGet(router http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestUserMiddleware(t *testing.T) {
	tokens := testUserTokens()
	userToken, err := tokens.Issue(UserProtected, AccessToken, "alice", 1)
	require.NoError(t, err)
	adminToken, err := tokens.Issue(AdminProtected, AccessToken, "root", 4)
	require.NoError(t, err)
	userClaims, err := tokens.Verify(userToken, AccessToken)
	require.NoError(t, err)

	t.Run("accepts valid token", func(t *testing.T) {
		rec := doGet(userRouter(tokens, nil), userToken)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "alice")
	})

	t.Run("missing header", func(t *testing.T) {
		rec := doGet(userRouter(tokens, nil), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("class restriction", func(t *testing.T) {
		router := userRouter(tokens, nil, AdminProtected)
		assert.Equal(t, http.StatusForbidden, doGet(router, userToken).Code)
		assert.Equal(t, http.StatusOK, doGet(router, adminToken).Code)
	})

	t.Run("revoked token", func(t *testing.T) {
		revocations := revocationStub{revoked: map[string]bool{userClaims.ID: true}}
		rec := doGet(userRouter(tokens, revocations), userToken)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("revocation store down", func(t *testing.T) {
		revocations := revocationStub{err: errors.New("redis down")}
		rec := doGet(userRouter(tokens, revocations), userToken)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestServiceMiddlewareInjectsCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens, _ := NewServiceTokens("shared", 0)
	token, err := tokens.Issue("gateway_service")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/me", ServiceMiddleware(tokens), func(c *gin.Context) {
		caller, _ := GetCaller(c.Request.Context())
		c.String(http.StatusOK, caller)
	})

	rec := doGet(router, token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gateway_service", rec.Body.String())

	rec = doGet(router, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, VerifyPassword(hash, "s3cret"))
	assert.Error(t, VerifyPassword(hash, "wrong"))
	assert.Error(t, VerifyPassword("", "s3cret"))

	_, err = HashPassword("")
	assert.Error(t, err)
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/accounts"
	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/usecase"
)

// UserAccounts is the end-user account service.
type UserAccounts interface {
	Register(ctx context.Context, login, password string) error
	VerifyCredentials(ctx context.Context, login, password string) (accounts.Identity, error)
	AdminLogin(ctx context.Context, login, password string) (auth.TokenPair, error)
	Refresh(claims *auth.UserClaims) (auth.TokenPair, error)
	ChangeAccessLevel(ctx context.Context, adminLevel int, login string, level int) error
	Delete(ctx context.Context, adminLevel int, login string) error
}

type credentials struct {
	Login    string `json:"login" form:"login"`
	Password string `json:"password" form:"password"`
}

type accessLevelChange struct {
	Login          string `json:"login" form:"login"`
	NewAccessLevel *int   `json:"new_access_level" form:"new_access_level"`
}

type loginOnly struct {
	Login string `json:"login" form:"login"`
}

// UsersRoutes configures the account service routes.
type UsersRoutes struct {
	Accounts       UserAccounts
	Tokens         *auth.UserTokens
	Revocations    *usecase.Revocations
	RequireService gin.HandlerFunc
	Logger         *zap.Logger
}

// Register wires the account service under serviceName. Plain account routes
// are for services; admin routes take admin-class user tokens.
func (r UsersRoutes) Register(router gin.IRouter, serviceName string) {
	group := Group(router, serviceName)
	revocations := r.Revocations

	services := group.Group("", r.RequireService)
	services.POST("/register_user", r.registerUser)
	services.POST("/verify_credentials", r.verifyCredentials)

	admin := group.Group("/admin")
	admin.POST("/login", r.adminLogin)
	admin.POST("/refresh_token", auth.UserMiddleware(r.Tokens, auth.RefreshToken, revocations, auth.AdminProtected), r.refresh)
	admin.POST("/logout_refresh_token", auth.UserMiddleware(r.Tokens, auth.RefreshToken, revocations, auth.AdminProtected), r.logout)

	protected := admin.Group("", auth.UserMiddleware(r.Tokens, auth.AccessToken, revocations, auth.AdminProtected))
	protected.POST("/change_user_access_level", r.changeAccessLevel)
	protected.POST("/delete_user", r.deleteUser)
	protected.POST("/logout_access_token", r.logout)
}

func (r UsersRoutes) bindCredentials(c *gin.Context) (credentials, bool) {
	var req credentials
	if err := bind(c, &req); err != nil {
		respondError(c, r.Logger, err)
		return req, false
	}
	if err := requireFields(map[string]string{"login": req.Login, "password": req.Password}); err != nil {
		respondError(c, r.Logger, err)
		return req, false
	}
	return req, true
}

func (r UsersRoutes) registerUser(c *gin.Context) {
	req, ok := r.bindCredentials(c)
	if !ok {
		return
	}
	if err := r.Accounts.Register(c.Request.Context(), req.Login, req.Password); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func (r UsersRoutes) verifyCredentials(c *gin.Context) {
	req, ok := r.bindCredentials(c)
	if !ok {
		return
	}
	identity, err := r.Accounts.VerifyCredentials(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, identity)
}

func (r UsersRoutes) adminLogin(c *gin.Context) {
	req, ok := r.bindCredentials(c)
	if !ok {
		return
	}
	pair, err := r.Accounts.AdminLogin(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (r UsersRoutes) refresh(c *gin.Context) {
	pair, err := r.Accounts.Refresh(currentUser(c))
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (r UsersRoutes) changeAccessLevel(c *gin.Context) {
	var req accessLevelChange
	if err := bind(c, &req); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	if err := requireFields(map[string]string{"login": req.Login}); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	if req.NewAccessLevel == nil {
		respondError(c, r.Logger, failure.Invalid(`Field "new_access_level" must be specified in this request.`))
		return
	}
	admin := currentUser(c)
	if err := r.Accounts.ChangeAccessLevel(c.Request.Context(), admin.AccessLevel, req.Login, *req.NewAccessLevel); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "OK"})
}

func (r UsersRoutes) deleteUser(c *gin.Context) {
	var req loginOnly
	if err := bind(c, &req); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	if err := requireFields(map[string]string{"login": req.Login}); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	admin := currentUser(c)
	if err := r.Accounts.Delete(c.Request.Context(), admin.AccessLevel, req.Login); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "OK"})
}

func (r UsersRoutes) logout(c *gin.Context) {
	if r.Revocations != nil {
		if err := r.Revocations.Revoke(c.Request.Context(), currentUser(c)); err != nil {
			respondError(c, r.Logger, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"msg": "OK"})
}

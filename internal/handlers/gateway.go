package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/usecase"
)

// GatewayRoutes configures the public gateway.
type GatewayRoutes struct {
	Pipeline    *usecase.Pipeline
	Accounts    *usecase.Accounts
	Tokens      *auth.UserTokens
	Revocations *usecase.Revocations
	// Limiter guards the unauthenticated account routes. Optional.
	Limiter gin.HandlerFunc
	Logger  *zap.Logger
}

// Register wires the gateway under serviceName.
func (r GatewayRoutes) Register(router gin.IRouter, serviceName string) {
	group := Group(router, serviceName)
	revocations := r.Revocations

	public := group.Group("")
	if r.Limiter != nil {
		public.Use(r.Limiter)
	}
	public.POST("/register_user", r.registerUser)
	public.POST("/user_login", r.login)

	access := auth.UserMiddleware(r.Tokens, auth.AccessToken, revocations, auth.UserProtected)
	refresh := auth.UserMiddleware(r.Tokens, auth.RefreshToken, revocations, auth.UserProtected)

	group.POST("/refresh_token", refresh, r.refresh)
	group.POST("/logout_access", access, r.logout)
	group.POST("/logout_refresh", refresh, r.logout)

	group.POST("/sync/process_image", access, r.processSync)
	group.POST("/async/process_image", access, r.startAsync)
	group.GET("/async/fetch_results", access, r.fetchResults)
}

func (r GatewayRoutes) registerUser(c *gin.Context) {
	var req credentials
	if err := bind(c, &req); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	if err := r.Accounts.Register(c.Request.Context(), req.Login, req.Password); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func (r GatewayRoutes) login(c *gin.Context) {
	var req credentials
	if err := bind(c, &req); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	pair, err := r.Accounts.Login(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (r GatewayRoutes) refresh(c *gin.Context) {
	pair, err := r.Accounts.Refresh(currentUser(c))
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (r GatewayRoutes) logout(c *gin.Context) {
	if err := r.Accounts.Logout(c.Request.Context(), currentUser(c)); err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "OK"})
}

func (r GatewayRoutes) processSync(c *gin.Context) {
	image, err := formFile(c, "image", true)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	result, err := r.Pipeline.ProcessSync(c.Request.Context(), currentUser(c).AccessLevel, image)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r GatewayRoutes) startAsync(c *gin.Context) {
	image, err := formFile(c, "image", true)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	requestID, err := r.Pipeline.StartAsync(c.Request.Context(), currentUser(c).Login(), image)
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_identifier": requestID})
}

func (r GatewayRoutes) fetchResults(c *gin.Context) {
	results, err := r.Pipeline.FetchAsync(c.Request.Context(), currentUser(c).Login(), field(c, "request_identifier"))
	if err != nil {
		respondError(c, r.Logger, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

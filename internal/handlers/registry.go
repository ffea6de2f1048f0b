package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/registry"
)

// ServiceLocator resolves service names for an authenticated caller.
type ServiceLocator interface {
	Lookup(ctx context.Context, caller string, names []string) (registry.LookupResult, error)
}

type locateRequest struct {
	ServiceNames []string `json:"service_names" form:"service_names"`
}

// RegisterRegistryRoutes wires locate_services.
func RegisterRegistryRoutes(router gin.IRouter, serviceName string, locator ServiceLocator, requireService gin.HandlerFunc, logger *zap.Logger) {
	group := Group(router, serviceName)
	group.Use(requireService)

	locate := func(c *gin.Context) {
		var req locateRequest
		if err := bind(c, &req); err != nil {
			respondError(c, logger, err)
			return
		}
		if len(req.ServiceNames) == 0 {
			req.ServiceNames = fieldArray(c, "service_names")
		}
		caller, _ := auth.GetCaller(c.Request.Context())

		result, err := locator.Lookup(c.Request.Context(), caller, req.ServiceNames)
		if err != nil {
			respondError(c, logger, err)
			return
		}

		resp := httpclient.LocateResponse{
			ServicesFound:   result.Located,
			ServicesMissing: result.Missing,
		}
		if resp.ServicesFound == nil {
			resp.ServicesFound = []registry.ServiceLocation{}
		}
		if resp.ServicesMissing == nil {
			resp.ServicesMissing = []string{}
		}
		c.JSON(http.StatusOK, resp)
	}
	group.GET("/locate_services", locate)
	group.POST("/locate_services", locate)
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/identity"
)

// CredentialIssuer exchanges a service secret for a credential.
type CredentialIssuer interface {
	Issue(ctx context.Context, name, secret string) (identity.Credential, error)
}

type serviceLogin struct {
	ServiceName string `json:"service_name" form:"service_name"`
	Password    string `json:"password" form:"password"`
}

// RegisterIdentityRoutes wires verify_service_identity. The route is public;
// it is how services obtain their token in the first place.
func RegisterIdentityRoutes(router gin.IRouter, serviceName string, issuer CredentialIssuer, logger *zap.Logger) {
	group := Group(router, serviceName)

	verify := func(c *gin.Context) {
		var req serviceLogin
		if err := bind(c, &req); err != nil {
			respondError(c, logger, err)
			return
		}
		credential, err := issuer.Issue(c.Request.Context(), req.ServiceName, req.Password)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, credential)
	}
	group.GET("/verify_service_identity", verify)
	group.POST("/verify_service_identity", verify)
}

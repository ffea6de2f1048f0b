package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	callerKey contextKey = "authCaller"
	userKey   contextKey = "authUser"
)

// ServiceVerifier resolves a service bearer token to a service name.
type ServiceVerifier interface {
	Verify(token string) (string, error)
}

// RevocationChecker reports whether a token id was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// GetCaller retrieves the authenticated service name from context.
func GetCaller(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(callerKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// GetUser retrieves the authenticated end user from context.
func GetUser(ctx context.Context) (*UserClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(userKey).(*UserClaims)
	return claims, ok && claims != nil
}

// WithCaller stores the calling service name in ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// WithUser stores end-user claims in ctx.
func WithUser(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, userKey, claims)
}

// ServiceMiddleware validates service bearer tokens and injects the caller.
func ServiceMiddleware(verifier ServiceVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := ExtractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		caller, err := verifier.Verify(tokenString)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		c.Request = c.Request.WithContext(WithCaller(c.Request.Context(), caller))
		c.Set(string(callerKey), caller)
		c.Next()
	}
}

// UserMiddleware validates end-user tokens of kind. When classes is not empty
// the token must belong to one of them. revocations may be nil.
func UserMiddleware(tokens *UserTokens, kind TokenKind, revocations RevocationChecker, classes ...KeyClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := ExtractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		claims, err := tokens.Verify(tokenString, kind)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		if len(classes) > 0 && !containsClass(classes, claims.Class) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"msg": "Token class not accepted."})
			return
		}
		if revocations != nil {
			revoked, err := revocations.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"msg": "Token state unavailable."})
				return
			}
			if revoked {
				unauthorized(c, "token has been revoked")
				return
			}
		}

		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), claims))
		c.Set(string(userKey), claims)
		c.Next()
	}
}

// ExtractBearerToken parses an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"msg": message})
}

func containsClass(classes []KeyClass, class KeyClass) bool {
	for _, candidate := range classes {
		if candidate == class {
			return true
		}
	}
	return false
}

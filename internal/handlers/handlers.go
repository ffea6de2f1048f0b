// Package handlers exposes every role over HTTP with gin.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/logging"
)

// MaxUploadSize bounds a single uploaded file.
const MaxUploadSize = 10 << 20

// multipart framing and text fields on top of the file itself
const formOverhead = 1 << 20

var (
	errTooLarge        = errors.New("upload too large")
	errUnsupportedType = errors.New("unsupported content type")
)

// Group returns the /v1/<service> route group of a role.
func Group(router gin.IRouter, serviceName string) *gin.RouterGroup {
	return router.Group(fmt.Sprintf("/%s/%s", httpclient.APIVersion, serviceName))
}

// RegisterHealth adds /health and, when metrics is non-nil, /metrics.
func RegisterHealth(router gin.IRouter, metrics http.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
}

// LimitBody caps request bodies so oversized uploads fail while parsing.
func LimitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)
		}
		c.Next()
	}
}

// respondError writes err as {"msg": ...}. Peer answers are forwarded with
// their original status, content type and body.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	if stageErr, ok := httpclient.AsStageError(err); ok {
		contentType := stageErr.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(stageErr.Status, contentType, stageErr.Body)
		return
	}
	switch {
	case errors.Is(err, errTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"msg": fmt.Sprintf("File exceeds %d bytes.", MaxUploadSize)})
		return
	case errors.Is(err, errUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"msg": "Image must be sent as an image content type."})
		return
	}
	status := failure.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", append(logging.ErrorFields(err), zap.String("route", c.FullPath()))...)
	}
	c.JSON(status, gin.H{"msg": failure.Message(err)})
}

func isTooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes) || errors.Is(err, multipart.ErrMessageTooLarge)
}

// formFile reads the file part field. With imageOnly the declared part type
// must be an image type or unspecified.
func formFile(c *gin.Context, field string, imageOnly bool) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if isTooLarge(err) {
			return nil, errTooLarge
		}
		return nil, failure.Invalid(fmt.Sprintf("Field called %q must be specified", field))
	}
	if header.Size > MaxUploadSize {
		return nil, errTooLarge
	}
	if imageOnly && !acceptedImageType(header.Header.Get("Content-Type")) {
		return nil, errUnsupportedType
	}
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s part: %w", field, err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read %s part: %w", field, err)
	}
	return data, nil
}

// formDocument reads field from a file part, falling back to a plain form
// value.
func formDocument(c *gin.Context, field string) ([]byte, error) {
	if _, err := c.FormFile(field); err == nil {
		return formFile(c, field, false)
	} else if isTooLarge(err) {
		return nil, errTooLarge
	}
	if value, ok := c.GetPostForm(field); ok {
		return []byte(value), nil
	}
	return nil, failure.Invalid(fmt.Sprintf("Field called %q must be specified", field))
}

func acceptedImageType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		return true
	}
	return strings.HasPrefix(contentType, "image/")
}

// field reads a value from the query string or the form body.
func field(c *gin.Context, name string) string {
	if value := c.Query(name); value != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(c.PostForm(name))
}

func fieldArray(c *gin.Context, name string) []string {
	if values := c.QueryArray(name); len(values) > 0 {
		return values
	}
	return c.PostFormArray(name)
}

// bind decodes a JSON body or, for other content types, form values.
// GET requests may carry a JSON body too.
func bind(c *gin.Context, out interface{}) error {
	var err error
	if c.ContentType() == gin.MIMEJSON {
		err = c.ShouldBindJSON(out)
	} else {
		err = c.ShouldBind(out)
	}
	if err != nil {
		if isTooLarge(err) {
			return errTooLarge
		}
		return failure.Wrap(failure.KindValidation, "Request body could not be parsed.", err)
	}
	return nil
}

func requireFields(values map[string]string) error {
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			return failure.Invalid(fmt.Sprintf("Field %q must be specified in this request.", name))
		}
	}
	return nil
}

func currentUser(c *gin.Context) *auth.UserClaims {
	claims, _ := auth.GetUser(c.Request.Context())
	return claims
}

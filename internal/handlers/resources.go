package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/resources"
)

// RegisterResourceRoutes wires the resource store operations. Every route
// requires a service token.
func RegisterResourceRoutes(router gin.IRouter, serviceName string, store resources.Store, requireService gin.HandlerFunc, logger *zap.Logger) {
	group := Group(router, serviceName)
	group.Use(requireService)
	h := resourceHandlers{store: store, logger: logger}

	group.POST("/register_input_image", h.registerInput)
	group.POST("/register_intermediate_result", h.registerResult)
	group.GET("/fetch_intermediate_results", h.fetchResults)
	group.POST("/fetch_intermediate_results", h.fetchResults)
	group.GET("/fetch_input_image", h.fetchInput)
	group.POST("/fetch_input_image", h.fetchInput)
	group.GET("/fetch_resources_batch", h.fetchBatch)
}

type resourceHandlers struct {
	store  resources.Store
	logger *zap.Logger
}

func jobKey(c *gin.Context) resources.JobKey {
	return resources.JobKey{Login: field(c, "requester_login"), RequestID: field(c, "resource_identifier")}
}

func (h resourceHandlers) registerInput(c *gin.Context) {
	image, err := formFile(c, "image", false)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	login := field(c, "login")
	if err := requireFields(map[string]string{"login": login}); err != nil {
		respondError(c, h.logger, err)
		return
	}
	key, err := h.store.RegisterInput(c.Request.Context(), login, image)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h resourceHandlers) registerResult(c *gin.Context) {
	content, err := formDocument(c, "result_content")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !json.Valid(content) {
		respondError(c, h.logger, failure.Invalid("Result content must be a JSON document."))
		return
	}
	resultType, err := resources.ParseResultType(field(c, "result_type"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.store.RegisterResult(c.Request.Context(), jobKey(c), resultType, content); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "OK"})
}

func (h resourceHandlers) fetchResults(c *gin.Context) {
	names := fieldArray(c, "resources_types")
	types := make([]resources.ResultType, 0, len(names))
	for _, name := range names {
		resultType, err := resources.ParseResultType(name)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		types = append(types, resultType)
	}
	results, err := h.store.FetchResults(c.Request.Context(), jobKey(c), types)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (h resourceHandlers) fetchInput(c *gin.Context) {
	image, err := h.store.FetchInput(c.Request.Context(), jobKey(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(image), image)
}

func (h resourceHandlers) fetchBatch(c *gin.Context) {
	start, err := parseTime(field(c, "range_start"), "range_start")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if start.IsZero() {
		respondError(c, h.logger, failure.Invalid(`Field "range_start" must be specified in this request.`))
		return
	}
	end, err := parseTime(field(c, "range_end"), "range_end")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	summaries, err := h.store.FetchBatch(c.Request.Context(), start, end)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if summaries == nil {
		summaries = []resources.JobSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func parseTime(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, failure.Wrap(failure.KindValidation, "Field \""+name+"\" must be an RFC 3339 timestamp.", err)
	}
	return parsed, nil
}

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/usecase"
)

// RegisterDetectorRoutes wires the single endpoint of a detection service.
func RegisterDetectorRoutes(router gin.IRouter, serviceName string, st queue.Stage, runner usecase.StageRunner, requireService gin.HandlerFunc, logger *zap.Logger) error {
	group := Group(router, serviceName)
	group.Use(requireService)

	switch st {
	case queue.PeopleDetection:
		group.POST("/detect_people", func(c *gin.Context) {
			image, err := formFile(c, "image", true)
			if err != nil {
				respondError(c, logger, err)
				return
			}
			result, err := runner.DetectPeople(c.Request.Context(), image)
			if err != nil {
				respondError(c, logger, err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	case queue.FacesDetection:
		group.POST("/detect_faces", func(c *gin.Context) {
			image, people, err := imageWithRegions(c, "people")
			if err != nil {
				respondError(c, logger, err)
				return
			}
			result, err := runner.DetectFaces(c.Request.Context(), image, people)
			if err != nil {
				respondError(c, logger, err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	case queue.AgeEstimation:
		group.POST("/estimate_age", func(c *gin.Context) {
			image, faces, err := imageWithRegions(c, "faces")
			if err != nil {
				respondError(c, logger, err)
				return
			}
			result, err := runner.EstimateAge(c.Request.Context(), image, faces)
			if err != nil {
				respondError(c, logger, err)
				return
			}
			c.JSON(http.StatusOK, result)
		})
	default:
		return fmt.Errorf("unknown stage %q", st)
	}
	return nil
}

func imageWithRegions(c *gin.Context, regionsField string) ([]byte, []geometry.BoundingBox, error) {
	image, err := formFile(c, "image", true)
	if err != nil {
		return nil, nil, err
	}
	raw, err := formDocument(c, regionsField)
	if err != nil {
		return nil, nil, err
	}
	var regions []geometry.BoundingBox
	if err := json.Unmarshal(raw, &regions); err != nil {
		return nil, nil, failure.Wrap(failure.KindValidation, fmt.Sprintf("Field %q must be a list of bounding boxes.", regionsField), err)
	}
	return image, regions, nil
}

// Package stage runs the three detection steps against a model and maps
// region-relative results back to full-image coordinates.
package stage

import (
	"bytes"
	"context"
	"image"
	// Decoders for the formats accepted by the pipeline.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/imageprocessor"
)

// PeopleResult is the people detection document.
type PeopleResult struct {
	People []geometry.BoundingBox `json:"people"`
}

// FacesResult is the face detection document.
type FacesResult struct {
	Faces []geometry.BoundingBox `json:"faces"`
}

// AgeEstimate pairs a face with its estimated age.
type AgeEstimate struct {
	BoundingBox geometry.BoundingBox `json:"bounding_box"`
	Age         int                  `json:"age"`
}

// AgeResult is the age estimation document.
type AgeResult struct {
	AgeEstimation []AgeEstimate `json:"age_estimation"`
}

// Detector runs pipeline stages on a model.
type Detector struct {
	model  imageprocessor.Client
	logger *zap.Logger
}

// NewDetector wraps model.
func NewDetector(model imageprocessor.Client, logger *zap.Logger) *Detector {
	return &Detector{model: model, logger: logger.Named("detector")}
}

// Dimensions returns the width and height of an encoded image.
func Dimensions(raw []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, failure.Wrap(failure.KindValidation, "Image could not be decoded.", err)
	}
	return cfg.Width, cfg.Height, nil
}

// DetectPeople runs people detection over the whole image.
func (d *Detector) DetectPeople(ctx context.Context, raw []byte) (PeopleResult, error) {
	width, height, err := Dimensions(raw)
	if err != nil {
		return PeopleResult{}, err
	}
	people, err := d.detect(ctx, imageprocessor.TaskPeopleDetection, raw, []geometry.BoundingBox{geometry.Covering(width, height)}, width, height)
	if err != nil {
		return PeopleResult{}, err
	}
	return PeopleResult{People: people}, nil
}

// DetectFaces runs face detection inside every person box.
func (d *Detector) DetectFaces(ctx context.Context, raw []byte, people []geometry.BoundingBox) (FacesResult, error) {
	width, height, err := Dimensions(raw)
	if err != nil {
		return FacesResult{}, err
	}
	faces, err := d.detect(ctx, imageprocessor.TaskFaceDetection, raw, people, width, height)
	if err != nil {
		return FacesResult{}, err
	}
	return FacesResult{Faces: faces}, nil
}

// EstimateAge estimates an age for every face box.
func (d *Detector) EstimateAge(ctx context.Context, raw []byte, faces []geometry.BoundingBox) (AgeResult, error) {
	width, height, err := Dimensions(raw)
	if err != nil {
		return AgeResult{}, err
	}
	estimates := make([]AgeEstimate, 0, len(faces))
	for _, face := range faces {
		roi := face.Clip(width, height)
		if roi.Area() == 0 {
			continue
		}
		result, err := d.model.Infer(ctx, imageprocessor.Request{Task: imageprocessor.TaskAgeEstimation, Image: raw, ROI: roi})
		if err != nil {
			return AgeResult{}, err
		}
		estimates = append(estimates, AgeEstimate{BoundingBox: face, Age: result.Age})
	}
	return AgeResult{AgeEstimation: estimates}, nil
}

// detect infers inside every region and flattens the translated boxes.
// Regions that are empty once clipped to the image are skipped.
func (d *Detector) detect(ctx context.Context, task imageprocessor.Task, raw []byte, regions []geometry.BoundingBox, width, height int) ([]geometry.BoundingBox, error) {
	out := make([]geometry.BoundingBox, 0)
	for _, region := range regions {
		roi := region.Clip(width, height)
		if roi.Area() == 0 {
			d.logger.Debug("skipping empty region", zap.String("task", string(task)), zap.Stringer("region", region))
			continue
		}
		result, err := d.model.Infer(ctx, imageprocessor.Request{Task: task, Image: raw, ROI: roi})
		if err != nil {
			return nil, err
		}
		for _, box := range result.Boxes {
			out = append(out, geometry.Translate(box, roi))
		}
	}
	return out, nil
}

// Package imageprocessor describes the model collaborator behind each
// detection stage.
package imageprocessor

import (
	"context"
	"fmt"

	"github.com/example/face-pipeline/internal/geometry"
)

// Task selects the model a request is routed to.
type Task string

// Tasks served by the model collaborator.
const (
	TaskPeopleDetection Task = "people_detection"
	TaskFaceDetection   Task = "faces_detection"
	TaskAgeEstimation   Task = "age_estimation"
)

// ParseTask validates s.
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case TaskPeopleDetection, TaskFaceDetection, TaskAgeEstimation:
		return Task(s), nil
	}
	return "", fmt.Errorf("unknown task %q", s)
}

// Request asks for inference over the region of interest of an image.
type Request struct {
	Task  Task
	Image []byte
	ROI   geometry.BoundingBox
}

// Result holds boxes relative to the ROI for detection tasks and an age for
// age estimation.
type Result struct {
	Boxes []geometry.BoundingBox
	Age   int
}

// Client runs inference.
type Client interface {
	Infer(ctx context.Context, req Request) (*Result, error)
}

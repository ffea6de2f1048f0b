// Package resources persists per-job input images and intermediate results.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/face-pipeline/internal/failure"
)

// ResultType names a result document of a job.
type ResultType string

// Result documents, one per stage plus the failure marker.
const (
	PeopleDetection ResultType = "people_detection"
	FacesDetection  ResultType = "faces_detection"
	AgeEstimation   ResultType = "age_estimation"
	ErrorResult     ResultType = "error"
)

// AllResultTypes lists every result document a job may hold.
var AllResultTypes = []ResultType{PeopleDetection, FacesDetection, AgeEstimation, ErrorResult}

// ParseResultType validates s.
func ParseResultType(s string) (ResultType, error) {
	t := ResultType(strings.TrimSpace(s))
	for _, known := range AllResultTypes {
		if t == known {
			return t, nil
		}
	}
	return "", failure.Invalid(fmt.Sprintf("Unknown result type %q.", s))
}

// JobKey addresses one job.
type JobKey struct {
	Login     string `json:"requester_login"`
	RequestID string `json:"request_identifier"`
}

// Validate checks that both parts are usable as a single path segment.
func (k JobKey) Validate() error {
	if err := validSegment("requester_login", k.Login); err != nil {
		return err
	}
	return validSegment("request_identifier", k.RequestID)
}

// JobSummary describes a job directory returned by FetchBatch.
type JobSummary struct {
	Login     string    `json:"requester_login"`
	RequestID string    `json:"resource_identifier"`
	CreatedAt time.Time `json:"created_at"`
	Resources []string  `json:"resources"`
}

// Results maps each requested type to its document, nil when absent.
type Results map[ResultType]json.RawMessage

// Store is the persistence boundary used by the resources service.
type Store interface {
	RegisterInput(ctx context.Context, login string, image []byte) (JobKey, error)
	RegisterResult(ctx context.Context, key JobKey, resultType ResultType, content []byte) error
	FetchResults(ctx context.Context, key JobKey, types []ResultType) (Results, error)
	FetchInput(ctx context.Context, key JobKey) ([]byte, error)
	FetchBatch(ctx context.Context, start, end time.Time) ([]JobSummary, error)
}

func validSegment(field, value string) error {
	switch {
	case value == "":
		return failure.Invalid(fmt.Sprintf("Field %q must be specified in this request.", field))
	case value == "." || value == "..":
		return failure.Invalid(fmt.Sprintf("Field %q is not a valid identifier.", field))
	case strings.ContainsAny(value, "/\\\x00"):
		return failure.Invalid(fmt.Sprintf("Field %q is not a valid identifier.", field))
	case strings.HasPrefix(value, tempPrefix):
		return failure.Invalid(fmt.Sprintf("Field %q is not a valid identifier.", field))
	}
	return nil
}

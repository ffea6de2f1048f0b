// Package usecase holds the gateway's orchestration logic: the synchronous
// and asynchronous pipelines and the end-user account façade.
package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/accounts"
	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/logging"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/resources"
	"github.com/example/face-pipeline/internal/stage"
)

// ErrSyncNotAllowed is returned when an async-only user calls the sync pipeline.
var ErrSyncNotAllowed = failure.Forbidden("Synchronous processing is not available for this account.")

// StageRunner runs the detection stages on remote services.
type StageRunner interface {
	DetectPeople(ctx context.Context, image []byte) (stage.PeopleResult, error)
	DetectFaces(ctx context.Context, image []byte, people []geometry.BoundingBox) (stage.FacesResult, error)
	EstimateAge(ctx context.Context, image []byte, faces []geometry.BoundingBox) (stage.AgeResult, error)
}

// JobStore is the part of the resource store the gateway needs.
type JobStore interface {
	RegisterInput(ctx context.Context, login string, image []byte) (resources.JobKey, error)
	FetchResults(ctx context.Context, key resources.JobKey, types []resources.ResultType) (resources.Results, error)
}

// Pipeline drives image processing for the gateway.
type Pipeline struct {
	stages    StageRunner
	store     JobStore
	publisher queue.Publisher
	logger    *zap.Logger
}

// NewPipeline constructs a Pipeline. stages may be nil when the gateway only
// serves the async flow, and store and publisher may be nil for sync only.
func NewPipeline(stages StageRunner, store JobStore, publisher queue.Publisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		stages:    stages,
		store:     store,
		publisher: publisher,
		logger:    logger.Named("pipeline"),
	}
}

// ProcessSync runs people detection, face detection and age estimation in
// order. The first stage failure aborts the run and is returned unchanged so
// the caller can forward the stage's status and body.
func (p *Pipeline) ProcessSync(ctx context.Context, accessLevel int, image []byte) (stage.AgeResult, error) {
	if accessLevel < int(accounts.SyncUser) {
		return stage.AgeResult{}, ErrSyncNotAllowed
	}
	if len(image) == 0 {
		return stage.AgeResult{}, failure.Invalid(`Field called "image" must be specified`)
	}
	logger := logging.WithOperation(p.logger, "usecase.process_sync", "")

	people, err := p.stages.DetectPeople(ctx, image)
	if err != nil {
		logger.Warn("people detection failed", zap.Error(err))
		return stage.AgeResult{}, logging.NewOperationError("usecase.detect_people", "", err)
	}
	faces, err := p.stages.DetectFaces(ctx, image, people.People)
	if err != nil {
		logger.Warn("face detection failed", zap.Error(err))
		return stage.AgeResult{}, logging.NewOperationError("usecase.detect_faces", "", err)
	}
	ages, err := p.stages.EstimateAge(ctx, image, faces.Faces)
	if err != nil {
		logger.Warn("age estimation failed", zap.Error(err))
		return stage.AgeResult{}, logging.NewOperationError("usecase.estimate_age", "", err)
	}
	logger.Info("sync pipeline finished",
		zap.Int("people", len(people.People)),
		zap.Int("faces", len(faces.Faces)))
	return ages, nil
}

// StartAsync stores the image and enqueues the job for people detection.
func (p *Pipeline) StartAsync(ctx context.Context, login string, image []byte) (string, error) {
	if len(image) == 0 {
		return "", failure.Invalid(`Field called "image" must be specified`)
	}
	key, err := p.store.RegisterInput(ctx, login, image)
	if err != nil {
		p.logger.Error("register input failed", zap.String("login", login), zap.Error(err))
		return "", logging.NewOperationError("usecase.register_input", "", err)
	}
	logger := logging.WithOperation(p.logger, "usecase.start_async", key.RequestID)

	msg := queue.JobMessage{RequesterLogin: key.Login, RequestIdentifier: key.RequestID}
	if err := p.publisher.Publish(ctx, queue.PeopleDetection, msg); err != nil {
		logger.Error("enqueue failed", zap.Error(err))
		return "", logging.NewOperationError("usecase.enqueue", key.RequestID, err)
	}
	logger.Info("async job started")
	return key.RequestID, nil
}

// FetchAsync returns every result document of a job. Missing documents are
// nil entries.
func (p *Pipeline) FetchAsync(ctx context.Context, login, requestID string) (resources.Results, error) {
	key := resources.JobKey{Login: login, RequestID: requestID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	results, err := p.store.FetchResults(ctx, key, resources.AllResultTypes)
	if err != nil {
		return nil, logging.NewOperationError("usecase.fetch_results", requestID, err)
	}
	return results, nil
}

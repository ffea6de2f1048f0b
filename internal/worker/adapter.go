// Package worker runs one pipeline stage off the job queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/logging"
	"github.com/example/face-pipeline/internal/metrics"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/resources"
	"github.com/example/face-pipeline/internal/stage"
)

// StageRunner computes stage results. *stage.Detector implements it.
type StageRunner interface {
	DetectPeople(ctx context.Context, image []byte) (stage.PeopleResult, error)
	DetectFaces(ctx context.Context, image []byte, people []geometry.BoundingBox) (stage.FacesResult, error)
	EstimateAge(ctx context.Context, image []byte, faces []geometry.BoundingBox) (stage.AgeResult, error)
}

// Store is the part of the resource store a worker touches.
type Store interface {
	FetchInput(ctx context.Context, key resources.JobKey) ([]byte, error)
	FetchResults(ctx context.Context, key resources.JobKey, types []resources.ResultType) (resources.Results, error)
	RegisterResult(ctx context.Context, key resources.JobKey, resultType resources.ResultType, content []byte) error
}

// JobObserver receives one observation per handled message.
type JobObserver interface {
	ObserveJob(stage, outcome string, elapsed time.Duration)
}

// ErrorDocument is written in place of a result when a stage fails.
type ErrorDocument struct {
	ErrorMessage string `json:"error_message"`
}

var serviceNames = map[queue.Stage]string{
	queue.PeopleDetection: "people detection",
	queue.FacesDetection:  "face detection",
	queue.AgeEstimation:   "age estimation",
}

// Adapter binds a stage to the queue and the resource store.
type Adapter struct {
	stage     queue.Stage
	runner    StageRunner
	store     Store
	publisher queue.Publisher
	observer  JobObserver
	logger    *zap.Logger
}

// NewAdapter constructs an Adapter for st.
func NewAdapter(st queue.Stage, runner StageRunner, store Store, publisher queue.Publisher, observer JobObserver, logger *zap.Logger) *Adapter {
	return &Adapter{
		stage:     st,
		runner:    runner,
		store:     store,
		publisher: publisher,
		observer:  observer,
		logger:    logger.Named("worker").With(zap.String("stage", string(st))),
	}
}

// Handle processes one delivery and always acknowledges it. A failed job gets
// an error document instead of a result; if writing that fails too the
// failure is only logged. Cancelling ctx does not interrupt a job already
// taken off the queue; it only stops the consumer from fetching the next one.
func (a *Adapter) Handle(ctx context.Context, delivery queue.Delivery) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	outcome := metrics.OutcomeSucceeded
	defer func() {
		if err := delivery.Ack(); err != nil {
			a.logger.Error("ack failed", zap.Error(err))
		}
		if a.observer != nil {
			a.observer.ObserveJob(string(a.stage), outcome, time.Since(start))
		}
	}()

	msg, err := queue.Decode(delivery.Data())
	if err != nil {
		outcome = metrics.OutcomeDropped
		a.logger.Error("dropping malformed message", zap.ByteString("body", delivery.Data()), zap.Error(err))
		return
	}
	key := resources.JobKey{Login: msg.RequesterLogin, RequestID: msg.RequestIdentifier}
	logger := logging.WithOperation(a.logger, "worker.handle", key.RequestID)
	logger.Info("handling message", zap.String("requester_login", key.Login))

	if err := a.process(ctx, key); err != nil {
		outcome = metrics.OutcomeFailed
		logger.Error("stage failed", zap.Error(err))
		a.signalFailure(ctx, key, logger)
		return
	}
	logger.Info("stage completed", zap.Duration("elapsed", time.Since(start)))
}

func (a *Adapter) process(ctx context.Context, key resources.JobKey) error {
	image, err := a.store.FetchInput(ctx, key)
	if err != nil {
		return logging.NewOperationError("worker.fetch_input", key.RequestID, err)
	}

	var result interface{}
	switch a.stage {
	case queue.PeopleDetection:
		result, err = a.runner.DetectPeople(ctx, image)
	case queue.FacesDetection:
		var people stage.PeopleResult
		if err := a.fetchPrevious(ctx, key, &people); err != nil {
			return err
		}
		result, err = a.runner.DetectFaces(ctx, image, people.People)
	case queue.AgeEstimation:
		var faces stage.FacesResult
		if err := a.fetchPrevious(ctx, key, &faces); err != nil {
			return err
		}
		result, err = a.runner.EstimateAge(ctx, image, faces.Faces)
	default:
		return fmt.Errorf("unknown stage %q", a.stage)
	}
	if err != nil {
		return logging.NewOperationError("worker.run_stage", key.RequestID, err)
	}

	content, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := a.store.RegisterResult(ctx, key, resources.ResultType(a.stage), content); err != nil {
		return logging.NewOperationError("worker.register_result", key.RequestID, err)
	}

	next, ok := a.stage.Next()
	if !ok {
		return nil
	}
	msg := queue.JobMessage{RequesterLogin: key.Login, RequestIdentifier: key.RequestID}
	if err := a.publisher.Publish(ctx, next, msg); err != nil {
		return logging.NewOperationError("worker.enqueue_next", key.RequestID, err)
	}
	return nil
}

// fetchPrevious decodes the result of the preceding stage into out.
func (a *Adapter) fetchPrevious(ctx context.Context, key resources.JobKey, out interface{}) error {
	previous, _ := a.stage.Previous()
	resultType := resources.ResultType(previous)
	results, err := a.store.FetchResults(ctx, key, []resources.ResultType{resultType})
	if err != nil {
		return logging.NewOperationError("worker.fetch_previous", key.RequestID, err)
	}
	raw := results[resultType]
	if len(raw) == 0 {
		return failure.NotFound(fmt.Sprintf("no %s result for job", previous))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", previous, err)
	}
	return nil
}

func (a *Adapter) signalFailure(ctx context.Context, key resources.JobKey, logger *zap.Logger) {
	doc, err := json.Marshal(ErrorDocument{ErrorMessage: fmt.Sprintf("Issue in %s service.", serviceNames[a.stage])})
	if err != nil {
		logger.Error("encode error document", zap.Error(err))
		return
	}
	if err := a.store.RegisterResult(ctx, key, resources.ErrorResult, doc); err != nil {
		logger.Error("error while handling processing failure", zap.Error(err))
		return
	}
	logger.Info("error document written")
}

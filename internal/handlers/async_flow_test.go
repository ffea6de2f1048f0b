package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/resources"
	"github.com/example/face-pipeline/internal/stage"
	"github.com/example/face-pipeline/internal/usecase"
	"github.com/example/face-pipeline/internal/worker"
)

type queuedJob struct {
	stage queue.Stage
	msg   queue.JobMessage
}

type memoryQueue struct {
	jobs []queuedJob
}

func (q *memoryQueue) Publish(_ context.Context, st queue.Stage, msg queue.JobMessage) error {
	q.jobs = append(q.jobs, queuedJob{stage: st, msg: msg})
	return nil
}

func (q *memoryQueue) pop(t *testing.T) queuedJob {
	t.Helper()
	require.NotEmpty(t, q.jobs, "queue is empty")
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job
}

type queuedDelivery struct {
	data  []byte
	acked int
}

func (d *queuedDelivery) Data() []byte { return d.data }
func (d *queuedDelivery) Ack() error {
	d.acked++
	return nil
}

// fixedStages checks that each stage receives the previous stage's output.
type fixedStages struct {
	t *testing.T
}

func (s fixedStages) DetectPeople(_ context.Context, image []byte) (stage.PeopleResult, error) {
	assert.Equal(s.t, pngHeader, image)
	return stage.PeopleResult{People: []geometry.BoundingBox{geometry.Box(0, 0, 8, 8)}}, nil
}

func (s fixedStages) DetectFaces(_ context.Context, _ []byte, people []geometry.BoundingBox) (stage.FacesResult, error) {
	assert.Equal(s.t, []geometry.BoundingBox{geometry.Box(0, 0, 8, 8)}, people)
	return stage.FacesResult{Faces: []geometry.BoundingBox{geometry.Box(2, 2, 5, 5)}}, nil
}

func (s fixedStages) EstimateAge(_ context.Context, _ []byte, faces []geometry.BoundingBox) (stage.AgeResult, error) {
	assert.Equal(s.t, []geometry.BoundingBox{geometry.Box(2, 2, 5, 5)}, faces)
	return stage.AgeResult{AgeEstimation: []stage.AgeEstimate{{BoundingBox: faces[0], Age: 33}}}, nil
}

func TestAsyncJobRunsThroughEveryStage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	root := t.TempDir()
	store, err := resources.NewFSStore(root, zap.NewNop())
	require.NoError(t, err)
	requireService, token := serviceAuth(t)
	router := gin.New()
	router.Use(LimitBody())
	RegisterResourceRoutes(router, "resource_manager_service", store, requireService, zap.NewNop())
	server := httptest.NewServer(router)
	defer server.Close()

	client := httpclient.NewResourcesClient(httpclient.Endpoint{BaseURL: server.URL, ServiceName: "resource_manager_service"}, httpclient.StaticToken(token), nil)
	jobs := &memoryQueue{}
	pipeline := usecase.NewPipeline(nil, client, jobs, zap.NewNop())
	ctx := context.Background()

	requestID, err := pipeline.StartAsync(ctx, "alice", pngHeader)
	require.NoError(t, err)

	results, err := pipeline.FetchAsync(ctx, "alice", requestID)
	require.NoError(t, err)
	require.Len(t, results, len(resources.AllResultTypes))
	for _, resultType := range resources.AllResultTypes {
		assert.Nil(t, results[resultType], "%s before processing", resultType)
	}

	adapters := map[queue.Stage]*worker.Adapter{}
	for _, st := range queue.Stages() {
		adapters[st] = worker.NewAdapter(st, fixedStages{t: t}, client, jobs, nil, zap.NewNop())
	}
	for _, want := range queue.Stages() {
		job := jobs.pop(t)
		require.Equal(t, want, job.stage)
		assert.Equal(t, queue.JobMessage{RequesterLogin: "alice", RequestIdentifier: requestID}, job.msg)
		data, err := job.msg.Encode()
		require.NoError(t, err)
		delivery := &queuedDelivery{data: data}
		adapters[job.stage].Handle(ctx, delivery)
		assert.Equal(t, 1, delivery.acked)
	}
	assert.Empty(t, jobs.jobs)

	results, err = pipeline.FetchAsync(ctx, "alice", requestID)
	require.NoError(t, err)
	stored, err := os.ReadFile(filepath.Join(root, requestID, "alice", string(resources.AgeEstimation)+".json"))
	require.NoError(t, err)
	assert.Equal(t, string(stored), string(results[resources.AgeEstimation]))
	assert.JSONEq(t, `{"age_estimation":[{"bounding_box":{"left_top":{"x":2,"y":2},"right_bottom":{"x":5,"y":5}},"age":33}]}`, string(results[resources.AgeEstimation]))
	assert.JSONEq(t, `{"people":[{"left_top":{"x":0,"y":0},"right_bottom":{"x":8,"y":8}}]}`, string(results[resources.PeopleDetection]))
	assert.JSONEq(t, `{"faces":[{"left_top":{"x":2,"y":2},"right_bottom":{"x":5,"y":5}}]}`, string(results[resources.FacesDetection]))
	assert.Nil(t, results[resources.ErrorResult])

	encoded, err := json.Marshal(results)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"error":null`)
}

func TestResourceStoreAcceptsUnsniffableImages(t *testing.T) {
	router, token := newResourcesRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()
	client := httpclient.NewResourcesClient(httpclient.Endpoint{BaseURL: server.URL, ServiceName: "resource_manager_service"}, httpclient.StaticToken(token), nil)
	ppm := []byte("P6\n1 1\n255\n\x10\x20\x30")

	key, err := client.RegisterInput(context.Background(), "alice", ppm)
	require.NoError(t, err)
	stored, err := client.FetchInput(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, ppm, stored)

	body, contentType := buildMultipartForm(t, map[string]string{"login": "bob"}, map[string]filePart{"image": {contentType: "text/plain", content: ppm}})
	req := httptest.NewRequest(http.MethodPost, "/v1/resource_manager_service/register_input_image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

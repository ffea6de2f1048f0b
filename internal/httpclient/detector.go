package httpclient

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/stage"
)

// DetectorClient calls the three synchronous detection services.
type DetectorClient struct {
	people caller
	faces  caller
	age    caller
}

// NewDetectorClient builds a client for the detection services.
func NewDetectorClient(people, faces, age Endpoint, tokens TokenSource, httpClient *http.Client) *DetectorClient {
	return &DetectorClient{
		people: newCaller(people, tokens, httpClient),
		faces:  newCaller(faces, tokens, httpClient),
		age:    newCaller(age, tokens, httpClient),
	}
}

// DetectPeople sends image to people detection.
func (c *DetectorClient) DetectPeople(ctx context.Context, image []byte) (stage.PeopleResult, error) {
	var result stage.PeopleResult
	err := c.people.postMultipart(ctx, "detect_people", nil, []formPart{imagePart(image)}, &result)
	return result, err
}

// DetectFaces sends image and the people boxes to face detection.
func (c *DetectorClient) DetectFaces(ctx context.Context, image []byte, people []geometry.BoundingBox) (stage.FacesResult, error) {
	var result stage.FacesResult
	encoded, err := encodeBoxes(people)
	if err != nil {
		return result, err
	}
	err = c.faces.postMultipart(ctx, "detect_faces", nil, []formPart{imagePart(image), jsonPart("people", encoded)}, &result)
	return result, err
}

// EstimateAge sends image and the face boxes to age estimation.
func (c *DetectorClient) EstimateAge(ctx context.Context, image []byte, faces []geometry.BoundingBox) (stage.AgeResult, error) {
	var result stage.AgeResult
	encoded, err := encodeBoxes(faces)
	if err != nil {
		return result, err
	}
	err = c.age.postMultipart(ctx, "estimate_age", nil, []formPart{imagePart(image), jsonPart("faces", encoded)}, &result)
	return result, err
}

func encodeBoxes(boxes []geometry.BoundingBox) ([]byte, error) {
	if boxes == nil {
		boxes = []geometry.BoundingBox{}
	}
	return json.Marshal(boxes)
}

package imageprocessor

import (
	"context"
	"math/rand"
	"sync"

	"github.com/example/face-pipeline/internal/geometry"
)

const (
	maxPeople = 6
	maxFaces  = 2
	minAge    = 4
	maxAge    = 99
)

// RandomModel produces plausible random detections. It stands in for the
// real models in development deployments.
type RandomModel struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomModel returns a model seeded with seed.
func NewRandomModel(seed int64) *RandomModel {
	return &RandomModel{rnd: rand.New(rand.NewSource(seed))}
}

// Infer returns random boxes inside the ROI, relative to its left-top corner.
func (m *RandomModel) Infer(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ParseTask(string(req.Task)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	width, height := req.ROI.Width(), req.ROI.Height()
	switch req.Task {
	case TaskAgeEstimation:
		return &Result{Age: minAge + m.rnd.Intn(maxAge-minAge+1)}, nil
	case TaskFaceDetection:
		return &Result{Boxes: m.boxes(m.rnd.Intn(maxFaces+1), width, height)}, nil
	default:
		return &Result{Boxes: m.boxes(m.rnd.Intn(maxPeople+1), width, height)}, nil
	}
}

func (m *RandomModel) boxes(n, width, height int) []geometry.BoundingBox {
	out := make([]geometry.BoundingBox, 0, n)
	if width <= 0 || height <= 0 {
		return out
	}
	for i := 0; i < n; i++ {
		cx, cy := m.rnd.Intn(width+1), m.rnd.Intn(height+1)
		halfW, halfH := m.rnd.Intn(width/3+1)/2, m.rnd.Intn(height/3+1)/2
		out = append(out, geometry.Box(cx-halfW, cy-halfH, cx+halfW, cy+halfH).Clip(width, height))
	}
	return out
}

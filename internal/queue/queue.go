// Package queue carries asynchronous pipeline jobs between stages over NATS
// JetStream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// StreamName is the JetStream stream holding every stage subject.
	StreamName = "PIPELINE"
	// SubjectPrefix prefixes each stage subject.
	SubjectPrefix = "pipeline."
)

// Stage is one step of the fixed pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	PeopleDetection Stage = "people_detection"
	FacesDetection  Stage = "faces_detection"
	AgeEstimation   Stage = "age_estimation"
)

var order = []Stage{PeopleDetection, FacesDetection, AgeEstimation}

// Stages returns the stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// ParseStage validates s.
func ParseStage(s string) (Stage, error) {
	s = strings.TrimSpace(s)
	for _, stage := range order {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Subject is the queue subject of the stage.
func (s Stage) Subject() string {
	return SubjectPrefix + string(s)
}

// Next returns the stage that consumes this stage's output.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range order {
		if stage == s && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

// Previous returns the stage whose output this stage consumes.
func (s Stage) Previous() (Stage, bool) {
	for i, stage := range order {
		if stage == s && i > 0 {
			return order[i-1], true
		}
	}
	return "", false
}

// JobMessage is the body of every queue message.
type JobMessage struct {
	RequesterLogin    string `json:"requester_login"`
	RequestIdentifier string `json:"request_identifier"`
}

// Encode serializes the message.
func (m JobMessage) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a message body.
func Decode(data []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	if err := msg.validate(); err != nil {
		return JobMessage{}, err
	}
	return msg, nil
}

func (m JobMessage) validate() error {
	if strings.TrimSpace(m.RequesterLogin) == "" {
		return errors.New("job message: requester_login missing")
	}
	if strings.TrimSpace(m.RequestIdentifier) == "" {
		return errors.New("job message: request_identifier missing")
	}
	return nil
}

// Delivery is a received message awaiting acknowledgment.
type Delivery interface {
	Data() []byte
	Ack() error
}

// Publisher enqueues jobs for a stage.
type Publisher interface {
	Publish(ctx context.Context, stage Stage, msg JobMessage) error
}

// Handler processes one delivery. It owns the acknowledgment.
type Handler func(ctx context.Context, delivery Delivery)

type source interface {
	Next() (Delivery, error)
	Stop()
}

// consume feeds deliveries to handler one at a time until ctx is done or the
// source closes.
func consume(ctx context.Context, src source, handler Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			src.Stop()
		case <-done:
		}
	}()

	for {
		delivery, err := src.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handler(ctx, delivery)
	}
}

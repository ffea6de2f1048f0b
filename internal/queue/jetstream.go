package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/logging"
)

// JetStream publishes and consumes jobs on the pipeline stream.
type JetStream struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// Connect dials url and makes sure the pipeline stream exists.
func Connect(ctx context.Context, url, clientName string, logger *zap.Logger) (*JetStream, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, failure.Transport("connect to message broker", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	q := &JetStream{conn: conn, js: js, logger: logger.Named("queue")}
	if err := q.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStream) ensureStream(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return failure.Transport("create pipeline stream", err)
	}
	return nil
}

// Publish enqueues msg on the stage subject.
func (q *JetStream) Publish(ctx context.Context, stage Stage, msg JobMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, stage.Subject(), data); err != nil {
		wrapped := logging.NewOperationError("queue.publish", msg.RequestIdentifier, err)
		q.logger.Error("failed to publish job", zap.String("stage", string(stage)), zap.Error(wrapped))
		return failure.Transport("publish job", wrapped)
	}
	logging.WithOperation(q.logger, "queue.publish", msg.RequestIdentifier).
		Info("job published", zap.String("stage", string(stage)))
	return nil
}

// Consume pulls jobs for stage one at a time with explicit acknowledgment
// and blocks until ctx is done.
func (q *JetStream) Consume(ctx context.Context, stage Stage, handler Handler) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       string(stage) + "_worker",
		FilterSubject: stage.Subject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		AckWait:       time.Hour,
	})
	if err != nil {
		return failure.Transport(fmt.Sprintf("create %s consumer", stage), err)
	}
	messages, err := consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return failure.Transport(fmt.Sprintf("subscribe %s", stage), err)
	}
	q.logger.Info("consuming jobs", zap.String("stage", string(stage)), zap.String("subject", stage.Subject()))
	return consume(ctx, messageSource{messages}, handler)
}

// Close drains the connection.
func (q *JetStream) Close() error {
	return q.conn.Drain()
}

type messageSource struct {
	messages jetstream.MessagesContext
}

func (s messageSource) Next() (Delivery, error) {
	msg, err := s.messages.Next()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s messageSource) Stop() {
	s.messages.Stop()
}

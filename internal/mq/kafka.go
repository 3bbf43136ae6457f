// Package mq implements the EventBus on Kafka.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

// NewWriter returns a writer without a fixed topic; each message names its own.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           250 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
}

// NewGroupReader consumes every topic under one consumer group.
func NewGroupReader(brokers []string, groupID string, topics []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
}

func PublishJSON(ctx context.Context, writer MessageWriter, topic, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal %s payload: %w", topic, err))
	}

	return writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Time:  time.Now().UTC(),
	})
}

// ToEnvelope converts a consumed message into the bus envelope.
func ToEnvelope(msg kafka.Message) domain.Envelope {
	return domain.Envelope{Topic: msg.Topic, Key: string(msg.Key), Payload: msg.Value, Time: msg.Time}
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Options struct {
	Brokers []string
	GroupID string
	// PublishTimeout bounds the retries of a single publish.
	PublishTimeout time.Duration
}

// KafkaBus publishes through one shared writer and opens a group reader per
// subscription.
type KafkaBus struct {
	opts      Options
	writer    MessageWriter
	newReader func(topics []string) MessageReader
	logger    *zap.Logger
}

func NewKafkaBus(opts Options, logger *zap.Logger) *KafkaBus {
	return newKafkaBus(opts, NewWriter(opts.Brokers), func(topics []string) MessageReader {
		return NewGroupReader(opts.Brokers, opts.GroupID, topics)
	}, logger)
}

func newKafkaBus(opts Options, writer MessageWriter, newReader func([]string) MessageReader, logger *zap.Logger) *KafkaBus {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	return &KafkaBus{opts: opts, writer: writer, newReader: newReader, logger: logger.Named("kafka_bus")}
}

// Publish retries transient broker errors with exponential backoff until
// PublishTimeout elapses.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, payload any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = b.opts.PublishTimeout

	attempt := 0
	op := func() error {
		attempt++
		err := PublishJSON(ctx, b.writer, topic, key, payload)
		if err != nil && attempt > 1 {
			b.logger.Debug("publish retry failed", zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(_ context.Context, topics ...string) (domain.Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe: at least one topic is required")
	}
	if b.opts.GroupID == "" {
		return nil, errors.New("subscribe: consumer group id is required")
	}
	b.logger.Info("subscribing", zap.Strings("topics", topics), zap.String("group_id", b.opts.GroupID))
	return &subscription{reader: b.newReader(topics)}, nil
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

type subscription struct {
	reader MessageReader
}

// Next reads one message. Hitting the wait deadline while ctx is still live
// is a heartbeat.
func (s *subscription) Next(ctx context.Context, wait time.Duration) (domain.Envelope, bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := s.reader.ReadMessage(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Envelope{}, false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Envelope{}, false, nil
		}
		return domain.Envelope{}, false, fmt.Errorf("read message: %w", err)
	}
	return ToEnvelope(msg), true, nil
}

func (s *subscription) Close() error {
	return s.reader.Close()
}

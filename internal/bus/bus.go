// Package bus provides the in-process EventBus used by single-node runs and
// tests, plus a publisher that mirrors every event onto the dashboard topic.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

var ErrClosed = errors.New("event bus closed")

// MemoryBus fans every published message out to the subscribers of its
// topic. Payloads are JSON encoded so consumers decode them exactly as they
// would from Kafka. A subscriber whose buffer is full misses the message.
type MemoryBus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string][]*subscription
	closed      bool
}

func NewMemoryBus(logger *zap.Logger, bufferSize int) *MemoryBus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &MemoryBus{
		logger:      logger.Named("memory_bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[string][]*subscription),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	env := domain.Envelope{Topic: topic, Key: key, Payload: body, Time: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("subscriber buffer full, dropping message",
				zap.String("topic", topic), zap.String("key", key))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topics ...string) (domain.Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("subscribe: at least one topic is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &subscription{bus: b, topics: append([]string(nil), topics...), ch: make(chan domain.Envelope, b.bufferSize)}
	for _, topic := range sub.topics {
		b.subscribers[topic] = append(b.subscribers[topic], sub)
	}
	return sub, nil
}

// Close detaches every subscriber. Pending Next calls return ErrClosed once
// their buffers are drained.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*subscription]struct{})
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				sub.closeOnce.Do(func() { close(sub.ch) })
			}
		}
	}
	b.subscribers = make(map[string][]*subscription)
}

func (b *MemoryBus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
	sub.closeOnce.Do(func() { close(sub.ch) })
}

type subscription struct {
	bus       *MemoryBus
	topics    []string
	ch        chan domain.Envelope
	closeOnce sync.Once
}

func (s *subscription) Next(ctx context.Context, wait time.Duration) (domain.Envelope, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case env, ok := <-s.ch:
		if !ok {
			return domain.Envelope{}, false, ErrClosed
		}
		return env, true, nil
	case <-timer.C:
		return domain.Envelope{}, false, nil
	case <-ctx.Done():
		return domain.Envelope{}, false, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.bus.unsubscribe(s)
	return nil
}

// Mirrored republishes every event onto a catch-all topic after delivering
// it to its own. A failed mirror write is logged, never returned.
type Mirrored struct {
	inner  domain.EventBus
	topic  string
	logger *zap.Logger
}

func Mirror(inner domain.EventBus, topic string, logger *zap.Logger) *Mirrored {
	return &Mirrored{inner: inner, topic: topic, logger: logger.Named("mirror")}
}

func (m *Mirrored) Publish(ctx context.Context, topic, key string, payload any) error {
	if err := m.inner.Publish(ctx, topic, key, payload); err != nil {
		return err
	}
	if m.topic == "" || topic == m.topic {
		return nil
	}
	if err := m.inner.Publish(ctx, m.topic, key, payload); err != nil {
		m.logger.Warn("mirror publish failed",
			zap.String("topic", topic), zap.String("mirror", m.topic), zap.Error(err))
	}
	return nil
}

func (m *Mirrored) Subscribe(ctx context.Context, topics ...string) (domain.Subscription, error) {
	return m.inner.Subscribe(ctx, topics...)
}

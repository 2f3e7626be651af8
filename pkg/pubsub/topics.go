// Package pubsub provides the in-process event bus connecting the processor,
// the caches and the automation engine to monitoring.
//
// Topic Naming Convention:
//   - task.completed: terminal task outcomes from the processor
//   - rule.triggered: automation rules that fired
//   - cache.cleanup: expired entries swept from a cache tier
//
// Design Notes:
//   - Topics are typed (Topic[T]) so subscribers never type-assert
//   - Delivery is synchronous and in publish order; a slow subscriber slows the publisher
//   - Subscriber errors and panics are logged and never reach the publisher
//   - Version field in events enables schema evolution without breaking consumers
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// TopicTaskCompleted is published once per terminal TaskResult.
	// Publishers: processor
	// Subscribers: monitoring
	TopicTaskCompleted = "task.completed"

	// TopicRuleTriggered is published when a rule's conditions matched and its actions ran.
	// Publishers: automation
	// Subscribers: monitoring
	TopicRuleTriggered = "rule.triggered"

	// TopicCacheCleanup is published after an expiry sweep.
	// Publishers: cache-manager
	// Subscribers: monitoring
	TopicCacheCleanup = "cache.cleanup"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{
		TopicTaskCompleted,
		TopicRuleTriggered,
		TopicCacheCleanup,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// Event is implemented by every payload published on a Topic.
type Event interface {
	Validate() error
}

// Handler processes one event.
type Handler[T Event] func(ctx context.Context, event T) error

type subscription[T Event] struct {
	name    string
	handler Handler[T]
}

// Topic is a named, typed fan-out point.
//
// Thread Safety: Safe for concurrent Publish and Subscribe.
type Topic[T Event] struct {
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	subs []subscription[T]
}

// NewTopic creates a topic. A nil logger uses slog.Default().
func NewTopic[T Event](name string, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{
		name:   name,
		logger: logger.With("topic", name),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers a named handler. Names must be unique per topic.
func (t *Topic[T]) Subscribe(name string, handler Handler[T]) error {
	if name == "" {
		return fmt.Errorf("subscription name is required")
	}
	if handler == nil {
		return fmt.Errorf("subscription %s: handler is required", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.subs {
		if s.name == name {
			return fmt.Errorf("subscription %s already exists on %s", name, t.name)
		}
	}
	t.subs = append(t.subs, subscription[T]{name: name, handler: handler})
	return nil
}

// Subscribers returns the number of registered handlers.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Publish validates event and delivers it to every subscriber.
// It returns a message id, or an error only when the event is invalid.
func (t *Topic[T]) Publish(ctx context.Context, event T) (string, error) {
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s event: %w", t.name, err)
	}

	t.mu.RLock()
	subs := make([]subscription[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	msgID := uuid.NewString()
	for _, s := range subs {
		t.deliver(ctx, msgID, s, event)
	}
	return msgID, nil
}

func (t *Topic[T]) deliver(ctx context.Context, msgID string, s subscription[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("subscriber panicked",
				"subscription", s.name,
				"message_id", msgID,
				"panic", r,
			)
		}
	}()

	if err := s.handler(ctx, event); err != nil {
		t.logger.Warn("subscriber failed",
			"subscription", s.name,
			"message_id", msgID,
			"error", err,
		)
	}
}

// Bus groups the topics used by the application.
type Bus struct {
	TaskCompleted *Topic[*TaskCompletedEvent]
	RuleTriggered *Topic[*RuleTriggeredEvent]
	CacheCleanup  *Topic[*CacheCleanupEvent]
}

// NewBus creates all topics.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		TaskCompleted: NewTopic[*TaskCompletedEvent](TopicTaskCompleted, logger),
		RuleTriggered: NewTopic[*RuleTriggeredEvent](TopicRuleTriggered, logger),
		CacheCleanup:  NewTopic[*CacheCleanupEvent](TopicCacheCleanup, logger),
	}
}

package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// NewRequestID returns a correlation id for a new event.
func NewRequestID() string {
	return uuid.NewString()
}

// TaskCompletedEvent reports a terminal task outcome.
// This event is published to TopicTaskCompleted.
type TaskCompletedEvent struct {
	Version int    `json:"version"`
	TaskID  string `json:"task_id"`

	// Priority name ("low", "normal", "high", "critical")
	Priority string `json:"priority"`

	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	RetriesUsed   int           `json:"retries_used"`
	CompletedAt   time.Time     `json:"completed_at"`
	RequestID     string        `json:"request_id"`
}

// Validate checks if the TaskCompletedEvent is well-formed.
func (e *TaskCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.TaskID == "" {
		return errors.New("task_id is required")
	}
	if e.ExecutionTime < 0 {
		return errors.New("execution_time cannot be negative")
	}
	if e.RetriesUsed < 0 {
		return errors.New("retries_used cannot be negative")
	}
	if !e.Success && e.Error == "" {
		return errors.New("failed task must carry an error")
	}
	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *TaskCompletedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TaskCompletedEventFromJSON deserializes a TaskCompletedEvent from JSON.
func TaskCompletedEventFromJSON(data []byte) (*TaskCompletedEvent, error) {
	var e TaskCompletedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal TaskCompletedEvent: %w", err)
	}
	return &e, nil
}

// RuleTriggeredEvent reports a rule whose conditions matched.
// This event is published to TopicRuleTriggered.
//
// ActionsFailed > 0 still counts as a trigger.
type RuleTriggeredEvent struct {
	Version       int       `json:"version"`
	RuleID        string    `json:"rule_id"`
	RuleName      string    `json:"rule_name"`
	ContentType   string    `json:"content_type"`
	SourceApp     string    `json:"source_app,omitempty"`
	ActionsOK     int       `json:"actions_ok"`
	ActionsFailed int       `json:"actions_failed"`
	TriggeredAt   time.Time `json:"triggered_at"`
	RequestID     string    `json:"request_id"`
}

// Validate checks if the RuleTriggeredEvent is well-formed.
func (e *RuleTriggeredEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.RuleID == "" {
		return errors.New("rule_id is required")
	}
	if e.ActionsOK < 0 || e.ActionsFailed < 0 {
		return errors.New("actions_ok and actions_failed cannot be negative")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *RuleTriggeredEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// RuleTriggeredEventFromJSON deserializes a RuleTriggeredEvent from JSON.
func RuleTriggeredEventFromJSON(data []byte) (*RuleTriggeredEvent, error) {
	var e RuleTriggeredEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RuleTriggeredEvent: %w", err)
	}
	return &e, nil
}

// CacheCleanupEvent reports an expiry sweep over one cache tier.
// This event is published to TopicCacheCleanup.
type CacheCleanupEvent struct {
	Version int `json:"version"`

	// Cache names the swept tier ("general", "content.hot", "content.disk")
	Cache     string    `json:"cache"`
	Removed   int       `json:"removed"`
	Remaining int       `json:"remaining"`
	CleanedAt time.Time `json:"cleaned_at"`
	RequestID string    `json:"request_id"`
}

// Validate checks if the CacheCleanupEvent is well-formed.
func (e *CacheCleanupEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Cache == "" {
		return errors.New("cache field is required")
	}
	if e.Removed < 0 || e.Remaining < 0 {
		return errors.New("removed and remaining cannot be negative")
	}
	if e.CleanedAt.IsZero() {
		return errors.New("cleaned_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// ToJSON serializes the event to JSON.
func (e *CacheCleanupEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smartpaste/smartpaste/pkg/models"
)

// Priority orders queued tasks. Higher values are dequeued first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// priorityStop sorts stop sentinels ahead of every real task.
const priorityStop Priority = 1 << 30

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText encodes p by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts a level name in any case.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority maps "low", "normal", "high" or "critical" to a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// TaskFunc is the unit of work run by the processor. It should return
// promptly once ctx is done; a timed-out function's result is discarded.
type TaskFunc func(ctx context.Context) (any, error)

// Callback receives the terminal result of a task on the worker goroutine.
type Callback func(TaskResult)

// Task is a queued unit of work.
type Task struct {
	ID         string
	Priority   Priority
	CreatedAt  time.Time
	Timeout    time.Duration
	Retries    int
	MaxRetries int
	UseCPUPool bool

	fn       TaskFunc
	callback Callback
	keep     bool

	// queue bookkeeping
	seq       uint64
	index     int
	holdsSlot bool
	stop      bool
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	Success       bool          `json:"success"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	RetriesUsed   int           `json:"retries_used"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// ProcessorStats is a snapshot of processor counters.
type ProcessorStats struct {
	TasksSubmitted int64                 `json:"tasks_submitted"`
	TasksCompleted int64                 `json:"tasks_completed"`
	TasksFailed    int64                 `json:"tasks_failed"`
	TasksRetried   int64                 `json:"tasks_retried"`
	TasksCancelled int64                 `json:"tasks_cancelled"`
	QueueSize      int                   `json:"queue_size"`
	ActiveTasks    int                   `json:"active_tasks"`
	PendingResults int                   `json:"pending_results"`
	ExecutionTime  models.LatencySummary `json:"execution_time"`
}

// CompletionRate is the percentage of submitted tasks that completed
// successfully. Zero submissions yield 0.
func (s ProcessorStats) CompletionRate() float64 {
	if s.TasksSubmitted == 0 {
		return 0
	}
	return float64(s.TasksCompleted) / float64(s.TasksSubmitted) * 100
}

package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
)

// defaultLatencySamples bounds the task latency window.
const defaultLatencySamples = 10000

// Collector turns bus events into counters.
//
// Design: Atomic counters for the hot counts; a mutex only around the
// latency window and the per-cache sweep totals.
//
// Memory: Bounded by the latency window size.
type Collector struct {
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64

	rulesTriggered    atomic.Int64
	rulesWithFailures atomic.Int64
	actionsFailed     atomic.Int64

	mu          sync.Mutex
	latency     *models.LatencyWindow
	swept       map[string]int64
	lastSweep   map[string]time.Time
	lastEventAt time.Time
}

// NewCollector creates a collector keeping up to latencySamples task
// durations. latencySamples <= 0 uses the default.
func NewCollector(latencySamples int) *Collector {
	if latencySamples <= 0 {
		latencySamples = defaultLatencySamples
	}
	return &Collector{
		latency:   models.NewLatencyWindow(latencySamples),
		swept:     make(map[string]int64),
		lastSweep: make(map[string]time.Time),
	}
}

// Subscribe attaches the collector to every topic on bus.
func (c *Collector) Subscribe(bus *pubsub.Bus) error {
	if err := bus.TaskCompleted.Subscribe("monitoring-tasks", c.onTaskCompleted); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TaskCompleted.Name(), err)
	}
	if err := bus.RuleTriggered.Subscribe("monitoring-rules", c.onRuleTriggered); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.RuleTriggered.Name(), err)
	}
	if err := bus.CacheCleanup.Subscribe("monitoring-cache", c.onCacheCleanup); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.CacheCleanup.Name(), err)
	}
	return nil
}

func (c *Collector) onTaskCompleted(_ context.Context, ev *pubsub.TaskCompletedEvent) error {
	if ev.Success {
		c.tasksCompleted.Add(1)
	} else {
		c.tasksFailed.Add(1)
	}
	c.tasksRetried.Add(int64(ev.RetriesUsed))

	c.mu.Lock()
	if ev.Success {
		c.latency.Add(ev.ExecutionTime)
	}
	c.touchUnsafe(ev.CompletedAt)
	c.mu.Unlock()
	return nil
}

func (c *Collector) onRuleTriggered(_ context.Context, ev *pubsub.RuleTriggeredEvent) error {
	c.rulesTriggered.Add(1)
	if ev.ActionsFailed > 0 {
		c.rulesWithFailures.Add(1)
		c.actionsFailed.Add(int64(ev.ActionsFailed))
	}

	c.mu.Lock()
	c.touchUnsafe(ev.TriggeredAt)
	c.mu.Unlock()
	return nil
}

func (c *Collector) onCacheCleanup(_ context.Context, ev *pubsub.CacheCleanupEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swept[ev.Cache] += int64(ev.Removed)
	c.lastSweep[ev.Cache] = ev.CleanedAt
	c.touchUnsafe(ev.CleanedAt)
	return nil
}

// touchUnsafe records the newest event time. Caller must hold c.mu.
func (c *Collector) touchUnsafe(at time.Time) {
	if at.After(c.lastEventAt) {
		c.lastEventAt = at
	}
}

// Snapshot is a point-in-time copy of the collector's counters.
type Snapshot struct {
	TasksCompleted    int64                 `json:"tasks_completed"`
	TasksFailed       int64                 `json:"tasks_failed"`
	TasksRetried      int64                 `json:"tasks_retried"`
	TaskLatency       models.LatencySummary `json:"task_latency"`
	RulesTriggered    int64                 `json:"rules_triggered"`
	RulesWithFailures int64                 `json:"rules_with_failures"`
	ActionsFailed     int64                 `json:"actions_failed"`
	CacheSwept        map[string]int64      `json:"cache_swept"`
	LastSweep         map[string]time.Time  `json:"last_sweep"`
	LastEventAt       time.Time             `json:"last_event_at"`
}

// TaskTotal returns completed plus failed tasks.
func (s Snapshot) TaskTotal() int64 {
	return s.TasksCompleted + s.TasksFailed
}

// TaskFailureRate returns failed tasks as a percentage of terminal tasks.
func (s Snapshot) TaskFailureRate() float64 {
	total := s.TaskTotal()
	if total == 0 {
		return 0
	}
	return float64(s.TasksFailed) / float64(total) * 100
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		TasksCompleted:    c.tasksCompleted.Load(),
		TasksFailed:       c.tasksFailed.Load(),
		TasksRetried:      c.tasksRetried.Load(),
		RulesTriggered:    c.rulesTriggered.Load(),
		RulesWithFailures: c.rulesWithFailures.Load(),
		ActionsFailed:     c.actionsFailed.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.TaskLatency = c.latency.Summary()
	s.CacheSwept = make(map[string]int64, len(c.swept))
	for k, v := range c.swept {
		s.CacheSwept[k] = v
	}
	s.LastSweep = make(map[string]time.Time, len(c.lastSweep))
	for k, v := range c.lastSweep {
		s.LastSweep[k] = v
	}
	s.LastEventAt = c.lastEventAt
	return s
}

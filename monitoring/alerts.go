package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/ratelimit"
)

// maxResolvedAlerts bounds the resolved alert history.
const maxResolvedAlerts = 100

// AlertType represents the category of alert.
type AlertType string

const (
	AlertLowHitRate      AlertType = "low_hit_rate"
	AlertHighFailureRate AlertType = "high_failure_rate"
	AlertQueueBacklog    AlertType = "queue_backlog"
)

// Severity levels.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert represents an active or resolved alert.
type Alert struct {
	ID           string        `json:"id"`
	Type         AlertType     `json:"type"`
	Severity     string        `json:"severity"`
	Metric       string        `json:"metric"`
	CurrentValue float64       `json:"current_value"`
	Threshold    float64       `json:"threshold"`
	Message      string        `json:"message"`
	TriggeredAt  time.Time     `json:"triggered_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	Resolved     bool          `json:"resolved"`
}

// Observation is what alert rules look at.
type Observation struct {
	Snapshot      Snapshot          `json:"snapshot"`
	ContentCache  models.CacheStats `json:"content_cache"`
	QueueSize     int               `json:"queue_size"`
	QueueCapacity int               `json:"queue_capacity"`
}

// AlertRule defines a condition that triggers an alert.
type AlertRule interface {
	ID() string
	Evaluate(obs Observation) *Alert
}

// NotifyFunc delivers a newly triggered alert.
type NotifyFunc func(ctx context.Context, alert Alert) error

// AlertStats summarizes alert activity.
type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	Suppressed     int64   `json:"suppressed"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

// AlertManager evaluates alert rules, tracks active alerts and resolves
// them once their condition clears.
//
// Design: Rules are evaluated on demand or from Run's ticker. A newly
// triggered alert is passed to the notify func at most once per cooldown
// per alert id.
type AlertManager struct {
	rules    []AlertRule
	notify   NotifyFunc
	throttle *ratelimit.KeyedLimiter
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu             sync.RWMutex
	activeAlerts   map[string]*Alert
	resolvedAlerts []Alert

	totalTriggered atomic.Int64
	totalResolved  atomic.Int64
	totalDuration  atomic.Int64 // milliseconds
	suppressed     atomic.Int64
}

// AlertOption configures an AlertManager.
type AlertOption func(*AlertManager)

// WithNotify sets the notification sink.
func WithNotify(fn NotifyFunc) AlertOption {
	return func(am *AlertManager) {
		am.notify = fn
	}
}

// WithAlertClock overrides the time source.
func WithAlertClock(now func() time.Time) AlertOption {
	return func(am *AlertManager) {
		if now != nil {
			am.now = now
		}
	}
}

// WithAlertLogger sets the logger.
func WithAlertLogger(logger *slog.Logger) AlertOption {
	return func(am *AlertManager) {
		if logger != nil {
			am.logger = logger
		}
	}
}

// NewAlertManager creates a manager for rules. Notifications for the same
// alert are throttled to one per cooldown.
func NewAlertManager(rules []AlertRule, cooldown time.Duration, opts ...AlertOption) *AlertManager {
	am := &AlertManager{
		rules:        rules,
		cooldown:     cooldown,
		now:          time.Now,
		logger:       slog.Default(),
		activeAlerts: make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(am)
	}
	am.throttle = ratelimit.New(ratelimit.WithClock(am.now))
	return am
}

// Evaluate runs every rule against obs and returns alerts that became
// active during this call.
func (am *AlertManager) Evaluate(ctx context.Context, obs Observation) []Alert {
	var fired []Alert
	for _, rule := range am.rules {
		if alert := rule.Evaluate(obs); alert != nil {
			if am.trigger(alert) {
				fired = append(fired, *alert)
			}
		} else {
			am.resolve(rule.ID())
		}
	}

	for _, alert := range fired {
		am.deliver(ctx, alert)
	}
	return fired
}

// trigger activates an alert or updates an existing one. It reports
// whether the alert is new.
func (am *AlertManager) trigger(alert *Alert) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	if existing, ok := am.activeAlerts[alert.ID]; ok {
		existing.CurrentValue = alert.CurrentValue
		existing.Severity = alert.Severity
		existing.Message = alert.Message
		return false
	}

	alert.TriggeredAt = am.now()
	am.activeAlerts[alert.ID] = alert
	am.totalTriggered.Add(1)
	am.logger.Warn("alert triggered",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"value", alert.CurrentValue,
		"threshold", alert.Threshold,
	)
	return true
}

// resolve marks an alert as resolved if it is active.
func (am *AlertManager) resolve(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, ok := am.activeAlerts[alertID]
	if !ok {
		return
	}

	now := am.now()
	alert.ResolvedAt = &now
	alert.Duration = now.Sub(alert.TriggeredAt)
	alert.Resolved = true

	am.resolvedAlerts = append(am.resolvedAlerts, *alert)
	delete(am.activeAlerts, alertID)
	if len(am.resolvedAlerts) > maxResolvedAlerts {
		am.resolvedAlerts = am.resolvedAlerts[len(am.resolvedAlerts)-maxResolvedAlerts:]
	}

	am.totalResolved.Add(1)
	am.totalDuration.Add(alert.Duration.Milliseconds())
	am.logger.Info("alert resolved", "alert_id", alertID, "duration", alert.Duration)
}

func (am *AlertManager) deliver(ctx context.Context, alert Alert) {
	if am.notify == nil {
		return
	}
	if !am.throttle.Allow(alert.ID, rate.Every(am.cooldown), 1) {
		am.suppressed.Add(1)
		am.logger.Debug("alert notification throttled", "alert_id", alert.ID)
		return
	}
	if err := am.notify(ctx, alert); err != nil {
		am.logger.Warn("alert notification failed", "alert_id", alert.ID, "error", err)
	}
}

// Run evaluates rules every interval until ctx is done. observe supplies
// the current observation.
func (am *AlertManager) Run(ctx context.Context, interval time.Duration, observe func() Observation) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.Evaluate(ctx, observe())
		}
	}
}

// ActiveAlerts returns the currently active alerts ordered by id.
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.activeAlerts))
	for _, alert := range am.activeAlerts {
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// RecentResolvedAlerts returns up to n resolved alerts, newest first.
func (am *AlertManager) RecentResolvedAlerts(n int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if n > len(am.resolvedAlerts) {
		n = len(am.resolvedAlerts)
	}
	if n < 0 {
		n = 0
	}
	result := make([]Alert, n)
	for i := 0; i < n; i++ {
		result[i] = am.resolvedAlerts[len(am.resolvedAlerts)-1-i]
	}
	return result
}

// Stats returns alert manager statistics.
func (am *AlertManager) Stats() AlertStats {
	resolved := am.totalResolved.Load()
	avg := 0.0
	if resolved > 0 {
		avg = float64(am.totalDuration.Load()) / float64(resolved) / 1000.0
	}

	am.mu.RLock()
	active := len(am.activeAlerts)
	am.mu.RUnlock()

	return AlertStats{
		TotalTriggered: am.totalTriggered.Load(),
		TotalResolved:  resolved,
		Suppressed:     am.suppressed.Load(),
		ActiveCount:    active,
		AvgDuration:    avg,
	}
}

// LowHitRateRule fires when the content cache hit rate drops below a
// percentage once enough lookups have happened.
type LowHitRateRule struct {
	threshold   float64
	minRequests int64
}

func NewLowHitRateRule(threshold float64, minRequests int64) *LowHitRateRule {
	return &LowHitRateRule{threshold: threshold, minRequests: minRequests}
}

func (r *LowHitRateRule) ID() string { return string(AlertLowHitRate) }

func (r *LowHitRateRule) Evaluate(obs Observation) *Alert {
	stats := obs.ContentCache
	if stats.TotalRequests() < r.minRequests {
		return nil
	}
	hitRate := stats.HitRate()
	if hitRate >= r.threshold {
		return nil
	}

	severity := SeverityWarning
	if hitRate < r.threshold/2 {
		severity = SeverityCritical
	}
	return &Alert{
		ID:           r.ID(),
		Type:         AlertLowHitRate,
		Severity:     severity,
		Metric:       "content_cache_hit_rate",
		CurrentValue: hitRate,
		Threshold:    r.threshold,
		Message:      fmt.Sprintf("Content cache hit rate %.2f%% below threshold %.2f%%", hitRate, r.threshold),
	}
}

// HighFailureRateRule fires when the share of failed tasks exceeds a
// percentage. It needs at least minTasks terminal tasks.
type HighFailureRateRule struct {
	threshold float64
	minTasks  int64
}

func NewHighFailureRateRule(threshold float64, minTasks int64) *HighFailureRateRule {
	return &HighFailureRateRule{threshold: threshold, minTasks: minTasks}
}

func (r *HighFailureRateRule) ID() string { return string(AlertHighFailureRate) }

func (r *HighFailureRateRule) Evaluate(obs Observation) *Alert {
	if obs.Snapshot.TaskTotal() < r.minTasks {
		return nil
	}
	failureRate := obs.Snapshot.TaskFailureRate()
	if failureRate <= r.threshold {
		return nil
	}
	return &Alert{
		ID:           r.ID(),
		Type:         AlertHighFailureRate,
		Severity:     SeverityCritical,
		Metric:       "task_failure_rate",
		CurrentValue: failureRate,
		Threshold:    r.threshold,
		Message:      fmt.Sprintf("Task failure rate %.2f%% exceeds threshold %.2f%%", failureRate, r.threshold),
	}
}

// QueueBacklogRule fires when the processor queue holds more than max tasks.
type QueueBacklogRule struct {
	limit int
}

func NewQueueBacklogRule(limit int) *QueueBacklogRule {
	return &QueueBacklogRule{limit: limit}
}

func (r *QueueBacklogRule) ID() string { return string(AlertQueueBacklog) }

func (r *QueueBacklogRule) Evaluate(obs Observation) *Alert {
	if obs.QueueSize <= r.limit {
		return nil
	}

	severity := SeverityWarning
	if obs.QueueCapacity > 0 && obs.QueueSize >= obs.QueueCapacity {
		severity = SeverityCritical
	}
	return &Alert{
		ID:           r.ID(),
		Type:         AlertQueueBacklog,
		Severity:     severity,
		Metric:       "queue_size",
		CurrentValue: float64(obs.QueueSize),
		Threshold:    float64(r.limit),
		Message:      fmt.Sprintf("Task queue holds %d tasks, above %d", obs.QueueSize, r.limit),
	}
}

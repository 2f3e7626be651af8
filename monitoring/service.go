// Package monitoring provides observability for the smartpaste core.
//
// Design Philosophy:
//   - Event-driven ingestion via the in-process bus (task, rule and cache topics)
//   - Atomic counters for ingestion, bounded latency window for percentiles
//   - Threshold alerts over counters plus live cache and queue readings
//   - Alert notifications throttled per alert id
//
// Architecture:
//   - Collector subscribes to every topic and keeps counters
//   - AlertManager evaluates rules on a ticker and tracks active/resolved alerts
//   - Service wires both to the live sources supplied by the caller
package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smartpaste/smartpaste/pkg/config"
	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
)

// minTasksForFailureRate is the sample floor for the failure-rate alert.
const minTasksForFailureRate = 20

// Sources reads live state the bus does not carry.
type Sources struct {
	ContentCacheStats func() models.CacheStats
	QueueSize         func() int
	QueueCapacity     int
}

// Report is the combined monitoring view.
type Report struct {
	Observation  Observation `json:"observation"`
	ActiveAlerts []Alert     `json:"active_alerts"`
	RecentAlerts []Alert     `json:"recent_alerts"`
	AlertStats   AlertStats  `json:"alert_stats"`
	GeneratedAt  time.Time   `json:"generated_at"`
}

// Service owns the collector and the alert manager.
type Service struct {
	cfg       config.MonitoringConfig
	collector *Collector
	alerts    *AlertManager
	sources   Sources
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger *slog.Logger
	now    func() time.Time
	notify NotifyFunc
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithAlertNotify delivers new alerts to fn.
func WithAlertNotify(fn NotifyFunc) Option {
	return func(o *serviceOptions) { o.notify = fn }
}

// New builds the service and subscribes its collector to bus.
func New(cfg config.MonitoringConfig, bus *pubsub.Bus, sources Sources, opts ...Option) (*Service, error) {
	o := serviceOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	logger := o.logger.With("component", "monitoring")

	collector := NewCollector(0)
	if bus != nil {
		if err := collector.Subscribe(bus); err != nil {
			return nil, err
		}
	}

	rules := []AlertRule{
		NewLowHitRateRule(cfg.MinHitRate, cfg.MinRequests),
		NewHighFailureRateRule(cfg.MaxFailureRate, minTasksForFailureRate),
		NewQueueBacklogRule(cfg.MaxQueueBacklog),
	}
	alerts := NewAlertManager(rules, cfg.AlertCooldown(),
		WithNotify(o.notify),
		WithAlertClock(o.now),
		WithAlertLogger(logger),
	)

	return &Service{
		cfg:       cfg,
		collector: collector,
		alerts:    alerts,
		sources:   sources,
		now:       o.now,
		logger:    logger,
	}, nil
}

// Collector returns the event collector.
func (s *Service) Collector() *Collector {
	return s.collector
}

// Alerts returns the alert manager.
func (s *Service) Alerts() *AlertManager {
	return s.alerts
}

// Observe reads the collector and the live sources.
func (s *Service) Observe() Observation {
	obs := Observation{
		Snapshot:      s.collector.Snapshot(),
		QueueCapacity: s.sources.QueueCapacity,
	}
	if s.sources.ContentCacheStats != nil {
		obs.ContentCache = s.sources.ContentCacheStats()
	}
	if s.sources.QueueSize != nil {
		obs.QueueSize = s.sources.QueueSize()
	}
	return obs
}

// Evaluate runs the alert rules once against a fresh observation.
func (s *Service) Evaluate(ctx context.Context) []Alert {
	return s.alerts.Evaluate(ctx, s.Observe())
}

// Start evaluates alerts every configured interval until Stop or ctx ends.
// Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	interval := s.cfg.EvaluateInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.alerts.Run(ctx, interval, s.Observe)
	}()
	s.logger.Info("monitoring started", "evaluate_interval", interval)
}

// Stop ends the evaluation loop and waits for it.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Report returns the current observation and alert state.
func (s *Service) Report() Report {
	return Report{
		Observation:  s.Observe(),
		ActiveAlerts: s.alerts.ActiveAlerts(),
		RecentAlerts: s.alerts.RecentResolvedAlerts(10),
		AlertStats:   s.alerts.Stats(),
		GeneratedAt:  s.now(),
	}
}

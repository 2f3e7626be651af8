// Package app assembles the smartpaste core into a running system.
//
// Design Philosophy:
//   - One Registry owns every long-lived component; nothing is global
//   - Components talk through constructor-injected dependencies and the bus
//   - Construction has no side effects beyond opening files; Start launches
//     goroutines and Close releases everything in reverse order
//
// Data flow (Pipeline.Handle):
//
//	clip -> Classify -> ContentHashCache.GetOrCompute
//	     -> (miss) ContentProcessor -> AsyncProcessor -> handler
//	     -> WorkflowAutomation.ProcessContent
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smartpaste/smartpaste/automation"
	cachemanager "github.com/smartpaste/smartpaste/cache-manager"
	"github.com/smartpaste/smartpaste/monitoring"
	"github.com/smartpaste/smartpaste/pkg/config"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
	"github.com/smartpaste/smartpaste/processor"
)

const (
	bytesPerMB = 1024 * 1024

	// Scheduled job ids.
	JobContentCacheSweep = "content-cache-sweep"
	JobHistoryPrune      = "rule-history-prune"

	historyPruneSchedule = "@daily"
	sweepTimeout         = 5 * time.Minute

	// DefaultHistoryRetention is how long rule trigger history is kept.
	DefaultHistoryRetention = 30 * 24 * time.Hour

	// DefaultStopTimeout bounds how long Close waits for the processor.
	DefaultStopTimeout = 10 * time.Second

	alertTitle         = "SmartPaste alert"
	alertNotifyTimeout = 10 * time.Second
)

// Registry owns the configured components of one smartpaste instance.
type Registry struct {
	cfg         *config.Config
	logger      *slog.Logger
	now         func() time.Time
	stopTimeout time.Duration

	bus          *pubsub.Bus
	generalCache *cachemanager.LRUCache
	contentCache *cachemanager.ContentHashCache
	proc         *processor.AsyncProcessor
	content      *processor.ContentProcessor
	engine       *automation.WorkflowAutomation
	scheduler    *processor.Scheduler
	monitor      *monitoring.Service
	pipeline     *Pipeline

	mu      sync.Mutex
	watcher *automation.RulesWatcher
	started bool
	closed  bool
}

// RegistryOption customizes a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	env         *automation.Env
	now         func() time.Time
	stopTimeout time.Duration
}

// WithEnv supplies the clipboard, notifier and URL opener used by rule
// actions and alert notifications.
func WithEnv(env *automation.Env) RegistryOption {
	return func(o *registryOptions) { o.env = env }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) RegistryOption {
	return func(o *registryOptions) { o.now = now }
}

// WithStopTimeout sets how long Close waits for running tasks.
func WithStopTimeout(d time.Duration) RegistryOption {
	return func(o *registryOptions) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// NewRegistry builds every component described by cfg. A nil cfg uses
// config.DefaultConfig and a nil logger uses slog.Default.
func NewRegistry(cfg *config.Config, logger *slog.Logger, opts ...RegistryOption) (*Registry, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := registryOptions{now: time.Now, stopTimeout: DefaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.env == nil {
		o.env = &automation.Env{}
	}
	if o.env.Notifier == nil {
		o.env.Notifier = automation.LogNotifier{Logger: logger}
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		now:    o.now,
		bus:    pubsub.NewBus(logger),
	}

	r.generalCache = cachemanager.NewLRUCache(cachemanager.Config{
		MaxSize:         cfg.Cache.GeneralMaxEntries,
		MaxMemoryBytes:  cfg.Cache.GeneralMaxMemoryMB * bytesPerMB,
		CleanupInterval: cfg.Cache.CleanupInterval(),
	},
		cachemanager.WithClock(o.now),
		cachemanager.WithLogger(logger.With("component", "general_cache")),
		cachemanager.WithCleanupEvents(r.bus.CacheCleanup, "general"),
	)

	contentCache, err := cachemanager.NewContentHashCache(cachemanager.ContentCacheConfig{
		Dir:             cfg.Cache.Dir,
		MaxEntries:      cfg.Cache.MaxEntries,
		MaxMemoryBytes:  cfg.Cache.MaxMemoryMB * bytesPerMB,
		TTL:             cfg.Cache.TTL(),
		CleanupInterval: cfg.Cache.CleanupInterval(),
	},
		cachemanager.WithContentClock(o.now),
		cachemanager.WithContentLogger(logger.With("component", "content_cache")),
		cachemanager.WithContentEvents(r.bus.CacheCleanup),
	)
	if err != nil {
		r.generalCache.Close()
		return nil, fmt.Errorf("failed to open content cache: %w", err)
	}
	r.contentCache = contentCache

	r.proc = processor.New(processor.Config{
		MaxWorkers:     cfg.Processor.MaxWorkers,
		MaxQueueSize:   cfg.Processor.MaxQueueSize,
		EnableCPUPool:  cfg.Processor.EnableCPUPool,
		CPUPoolSize:    cfg.Processor.CPUPoolSize,
		EnqueueTimeout: cfg.Processor.EnqueueTimeout(),
		MaxRetries:     cfg.Processor.MaxRetries,
		DefaultTimeout: cfg.Processor.DefaultTimeout(),
	},
		processor.WithLogger(logger.With("component", "processor")),
		processor.WithClock(o.now),
		processor.WithEvents(r.bus.TaskCompleted),
	)
	r.content = processor.NewContentProcessor(r.proc,
		processor.WithHandlerTimeout(cfg.Processor.DefaultTimeout()),
		processor.WithResultTimeout(cfg.Processor.ResultTimeout()),
	)

	if cfg.Automation.Enabled {
		engine, err := automation.New(automation.Config{
			RulesFile:       cfg.Automation.RulesFile,
			AuditFile:       cfg.Automation.AuditFile,
			InstallDefaults: cfg.Automation.InstallDefaults,
		},
			automation.WithLogger(logger),
			automation.WithClock(o.now),
			automation.WithEnv(o.env),
			automation.WithEvents(r.bus.RuleTriggered),
		)
		if err != nil {
			r.closeCaches()
			return nil, fmt.Errorf("failed to start automation: %w", err)
		}
		r.engine = engine
	}

	if cfg.Scheduler.Enabled {
		r.scheduler = processor.NewScheduler(r.proc,
			processor.WithTick(cfg.Scheduler.Tick()),
			processor.WithSchedulerClock(o.now),
			processor.WithSchedulerLogger(logger.With("component", "scheduler")),
		)
		if err := r.registerJobs(); err != nil {
			r.closeEngine()
			r.closeCaches()
			return nil, err
		}
	}

	if cfg.Monitoring.Enabled {
		notifier := o.env.Notifier
		monitor, err := monitoring.New(cfg.Monitoring, r.bus, monitoring.Sources{
			ContentCacheStats: r.contentCache.Stats,
			QueueSize:         func() int { return r.proc.Stats().QueueSize },
			QueueCapacity:     cfg.Processor.MaxQueueSize,
		},
			monitoring.WithLogger(logger),
			monitoring.WithClock(o.now),
			monitoring.WithAlertNotify(func(ctx context.Context, a monitoring.Alert) error {
				return notifier.Notify(ctx, alertTitle, a.Message, alertNotifyTimeout)
			}),
		)
		if err != nil {
			r.closeEngine()
			r.closeCaches()
			return nil, fmt.Errorf("failed to start monitoring: %w", err)
		}
		r.monitor = monitor
	}

	r.pipeline = NewPipeline(r.contentCache, r.content, r.engine,
		WithPipelineLogger(logger.With("component", "pipeline")),
	)
	r.stopTimeout = o.stopTimeout
	return r, nil
}

func (r *Registry) registerJobs() error {
	err := r.scheduler.Register(processor.Job{
		ID:       JobContentCacheSweep,
		Name:     "Content cache sweep",
		Schedule: r.cfg.Scheduler.CacheCleanupCron,
		Priority: processor.PriorityLow,
		Timeout:  sweepTimeout,
		Run: func(context.Context) error {
			r.contentCache.CleanupExpired()
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", JobContentCacheSweep, err)
	}

	if r.engine == nil || r.cfg.Automation.AuditFile == "" {
		return nil
	}
	err = r.scheduler.Register(processor.Job{
		ID:       JobHistoryPrune,
		Name:     "Rule history prune",
		Schedule: historyPruneSchedule,
		Priority: processor.PriorityLow,
		Timeout:  sweepTimeout,
		Run: func(context.Context) error {
			_, err := r.engine.PruneHistory(DefaultHistoryRetention)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", JobHistoryPrune, err)
	}
	return nil
}

// Start launches the processor workers, the rules watcher, the scheduler and
// alert evaluation. Calling Start again is a no-op.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return processor.ErrProcessorStopped
	}
	if r.started {
		return nil
	}

	if err := r.proc.Start(); err != nil {
		return err
	}

	if r.engine != nil && r.cfg.Automation.WatchRules && r.engine.RulesFile() != "" {
		engine := r.engine
		watcher, err := automation.NewRulesWatcher(engine.RulesFile(), automation.DefaultWatchDebounce, func() {
			if err := engine.Reload(); err != nil {
				r.logger.Warn("rules reload failed", "error", err)
			}
		}, r.logger)
		if err != nil {
			return fmt.Errorf("failed to watch rules: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch rules: %w", err)
		}
		r.watcher = watcher
	}

	if r.scheduler != nil {
		r.scheduler.Start(ctx)
	}
	if r.monitor != nil {
		r.monitor.Start(ctx)
	}

	r.started = true
	r.logger.Info("smartpaste started",
		"automation", r.engine != nil,
		"scheduler", r.scheduler != nil,
		"monitoring", r.monitor != nil,
	)
	return nil
}

// Close stops background work and releases every component. It is safe to
// call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	watcher := r.watcher
	r.mu.Unlock()

	var errs []error
	if r.monitor != nil {
		r.monitor.Stop()
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.proc.Stop(r.stopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeEngine(); err != nil {
		errs = append(errs, err)
	}
	r.closeCaches()

	r.logger.Info("smartpaste stopped")
	return errors.Join(errs...)
}

func (r *Registry) closeEngine() error {
	if r.engine == nil {
		return nil
	}
	return r.engine.Close()
}

func (r *Registry) closeCaches() {
	r.contentCache.Close()
	r.generalCache.Close()
}

// Config returns the configuration the registry was built from.
func (r *Registry) Config() *config.Config { return r.cfg }

// Logger returns the root logger.
func (r *Registry) Logger() *slog.Logger { return r.logger }

// Bus returns the event bus.
func (r *Registry) Bus() *pubsub.Bus { return r.bus }

// GeneralCache returns the general-purpose cache.
func (r *Registry) GeneralCache() *cachemanager.LRUCache { return r.generalCache }

// ContentCache returns the handler result cache.
func (r *Registry) ContentCache() *cachemanager.ContentHashCache { return r.contentCache }

// Processor returns the async processor.
func (r *Registry) Processor() *processor.AsyncProcessor { return r.proc }

// ContentProcessor returns the policy layer over the processor.
func (r *Registry) ContentProcessor() *processor.ContentProcessor { return r.content }

// Automation returns the rule engine, or nil when automation is disabled.
func (r *Registry) Automation() *automation.WorkflowAutomation { return r.engine }

// Scheduler returns the maintenance scheduler, or nil when disabled.
func (r *Registry) Scheduler() *processor.Scheduler { return r.scheduler }

// Monitoring returns the monitoring service, or nil when disabled.
func (r *Registry) Monitoring() *monitoring.Service { return r.monitor }

// Pipeline returns the clip pipeline.
func (r *Registry) Pipeline() *Pipeline { return r.pipeline }

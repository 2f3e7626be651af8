// Package processor runs work off the caller's goroutine: a bounded priority
// queue feeds a fixed set of workers, which hand each task to an IO or CPU
// execution pool with a per-task timeout and bounded retries.
//
// Design Notes:
//   - One mutex-protected heap orders tasks by priority, then FIFO.
//   - Submit applies backpressure: it waits up to EnqueueTimeout for space and
//     then fails with ErrQueueFull. Nothing else is surfaced to submitters.
//   - Every submitted task ends in exactly one TaskResult, delivered through a
//     per-task completion channel, the optional callback and the
//     task.completed topic.
//   - A task that exceeds its timeout has its context cancelled and its result
//     discarded. Go cannot preempt the function; it keeps its execution slot
//     until it returns.
//
// Performance Characteristics:
//   - Submit / dequeue: O(log n)
//   - CancelTask: O(log n)
//   - GetResult: O(1) once complete
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
)

var (
	ErrQueueFull        = errors.New("task queue is full")
	ErrProcessorStopped = errors.New("processor is stopped")
	ErrDuplicateTask    = errors.New("task id already in use")
	ErrUnknownTask      = errors.New("unknown task id")
	ErrStopTimeout      = errors.New("processor stop timed out")
)

const (
	errTaskCancelled    = "task cancelled"
	errProcessorStopped = "processor stopped"

	defaultMaxWorkers     = 8
	defaultMaxQueueSize   = 1000
	defaultEnqueueTimeout = time.Second
	defaultMaxRetries     = 3
	defaultLatencyWindow  = 1000
	maxDequeueWorkers     = 4
)

// Config sizes an AsyncProcessor.
type Config struct {
	// MaxWorkers is the IO pool size.
	MaxWorkers int

	// Workers is the number of dequeue loops. Zero means min(4, MaxWorkers).
	Workers int

	MaxQueueSize int

	// EnableCPUPool routes tasks submitted WithCPUPool to a separate pool of
	// CPUPoolSize slots (zero means runtime.NumCPU()).
	EnableCPUPool bool
	CPUPoolSize   int

	// EnqueueTimeout is how long Submit waits for queue space.
	EnqueueTimeout time.Duration

	// MaxRetries is the default retry budget per task.
	MaxRetries int

	// DefaultTimeout applies to tasks submitted without WithTimeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration

	// LatencyWindow is how many recent execution times feed Stats.
	LatencyWindow int
}

// DefaultConfig mirrors the stock processor settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     defaultMaxWorkers,
		MaxQueueSize:   defaultMaxQueueSize,
		EnableCPUPool:  true,
		EnqueueTimeout: defaultEnqueueTimeout,
		MaxRetries:     defaultMaxRetries,
		LatencyWindow:  defaultLatencyWindow,
	}
}

// Option customizes an AsyncProcessor.
type Option func(*AsyncProcessor)

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *AsyncProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the time source used for CreatedAt and CompletedAt.
func WithClock(now func() time.Time) Option {
	return func(p *AsyncProcessor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithEvents publishes every terminal result on topic.
func WithEvents(topic *pubsub.Topic[*pubsub.TaskCompletedEvent]) Option {
	return func(p *AsyncProcessor) { p.events = topic }
}

// SubmitOption customizes a single task.
type SubmitOption func(*Task)

// WithTaskID sets the task id instead of generating one.
func WithTaskID(id string) SubmitOption {
	return func(t *Task) { t.ID = id }
}

// WithPriority sets the queue priority. The default is PriorityNormal.
func WithPriority(p Priority) SubmitOption {
	return func(t *Task) { t.Priority = p }
}

// WithCallback registers fn to receive the terminal result.
func WithCallback(fn Callback) SubmitOption {
	return func(t *Task) { t.callback = fn }
}

// WithTimeout bounds each execution attempt.
func WithTimeout(d time.Duration) SubmitOption {
	return func(t *Task) { t.Timeout = d }
}

// WithMaxRetries overrides the processor's retry budget.
func WithMaxRetries(n int) SubmitOption {
	return func(t *Task) {
		if n < 0 {
			n = 0
		}
		t.MaxRetries = n
	}
}

// WithCPUPool runs the task on the CPU pool when it is enabled.
func WithCPUPool() SubmitOption {
	return func(t *Task) { t.UseCPUPool = true }
}

// WithoutResult drops the result once callbacks have run, for
// fire-and-forget tasks nobody will collect.
func WithoutResult() SubmitOption {
	return func(t *Task) { t.keep = false }
}

// pending tracks one submitted task until its result is collected.
type pending struct {
	done     chan struct{}
	result   TaskResult
	consumed bool
	discard  bool
}

// AsyncProcessor is a priority task queue with IO and CPU execution pools.
type AsyncProcessor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	events *pubsub.Topic[*pubsub.TaskCompletedEvent]

	queue *taskQueue
	io    *executor
	cpu   *executor

	mu       sync.Mutex
	running  bool
	stopped  bool
	workers  []*Worker
	pending  map[string]*pending
	active   map[string]*Task
	latency  *models.LatencyWindow
	ctx      context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	cancelled atomic.Int64
}

// New creates a processor. Workers start on Start or on the first Submit.
func New(cfg Config, opts ...Option) *AsyncProcessor {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.Workers < 1 {
		cfg.Workers = min(maxDequeueWorkers, cfg.MaxWorkers)
	}
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.CPUPoolSize < 1 {
		cfg.CPUPoolSize = runtime.NumCPU()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EnqueueTimeout < 0 {
		cfg.EnqueueTimeout = 0
	}
	if cfg.LatencyWindow < 1 {
		cfg.LatencyWindow = defaultLatencyWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &AsyncProcessor{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		queue:   newTaskQueue(cfg.MaxQueueSize),
		io:      newExecutor("io", cfg.MaxWorkers),
		pending: make(map[string]*pending),
		active:  make(map[string]*Task),
		latency: models.NewLatencyWindow(cfg.LatencyWindow),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.EnableCPUPool {
		p.cpu = newExecutor("cpu", cfg.CPUPoolSize)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It is a no-op if they are running and an
// error once the processor has been stopped.
func (p *AsyncProcessor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startUnsafe()
}

// startUnsafe must be called with p.mu held.
func (p *AsyncProcessor) startUnsafe() error {
	if p.stopped {
		return ErrProcessorStopped
	}
	if p.running {
		return nil
	}

	p.workers = make([]*Worker, p.cfg.Workers)
	for i := range p.workers {
		w := &Worker{id: i, state: WorkerIdle}
		p.workers[i] = w
		p.workerWG.Add(1)
		go p.runWorker(w)
	}
	p.running = true

	p.logger.Info("async processor started",
		"workers", p.cfg.Workers,
		"max_workers", p.cfg.MaxWorkers,
		"queue_capacity", p.cfg.MaxQueueSize,
		"cpu_pool", p.cpu != nil,
	)
	return nil
}

// Submit queues fn and returns its task id. It starts the processor if
// needed. The only errors are ErrQueueFull (after waiting EnqueueTimeout),
// ErrProcessorStopped and ErrDuplicateTask.
func (p *AsyncProcessor) Submit(fn TaskFunc, opts ...SubmitOption) (string, error) {
	if fn == nil {
		return "", errors.New("task function is required")
	}

	t := &Task{
		Priority:   PriorityNormal,
		CreatedAt:  p.now(),
		Timeout:    p.cfg.DefaultTimeout,
		MaxRetries: p.cfg.MaxRetries,
		fn:         fn,
		keep:       true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ID == "" {
		t.ID = "task_" + uuid.NewString()
	}
	if !t.Priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(t.Priority))
	}
	if t.UseCPUPool && p.cpu == nil {
		t.UseCPUPool = false
	}

	p.mu.Lock()
	if err := p.startUnsafe(); err != nil {
		p.mu.Unlock()
		return "", err
	}
	if _, exists := p.pending[t.ID]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	p.pending[t.ID] = &pending{done: make(chan struct{})}
	p.mu.Unlock()

	if err := p.queue.push(t, p.cfg.EnqueueTimeout); err != nil {
		p.mu.Lock()
		delete(p.pending, t.ID)
		p.mu.Unlock()
		p.logger.Warn("task rejected", "task_id", t.ID, "priority", t.Priority, "error", err)
		return "", err
	}

	p.submitted.Add(1)

	// Stop may have drained the queue while we were pushing.
	if !p.Running() {
		if queued, ok := p.queue.remove(t.ID); ok {
			p.finish(queued, TaskResult{TaskID: t.ID, Error: errProcessorStopped})
		}
	}

	p.logger.Debug("task queued",
		"task_id", t.ID,
		"priority", t.Priority,
		"queue_len", p.queue.len(),
	)
	return t.ID, nil
}

// GetResult waits up to timeout for the task's result. A successful read
// removes the result; a timed-out wait leaves it for a later call. Unknown
// or already collected ids return false immediately.
func (p *AsyncProcessor) GetResult(taskID string, timeout time.Duration) (TaskResult, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := p.WaitResult(ctx, taskID)
	return res, err == nil
}

// WaitResult is GetResult bounded by ctx instead of a timeout.
func (p *AsyncProcessor) WaitResult(ctx context.Context, taskID string) (TaskResult, error) {
	p.mu.Lock()
	entry, ok := p.pending[taskID]
	p.mu.Unlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
	return p.consume(taskID, entry)
}

// GetResultAsync returns the result if the task has already finished.
func (p *AsyncProcessor) GetResultAsync(taskID string) (TaskResult, bool) {
	p.mu.Lock()
	entry, ok := p.pending[taskID]
	p.mu.Unlock()
	if !ok {
		return TaskResult{}, false
	}

	select {
	case <-entry.done:
		res, err := p.consume(taskID, entry)
		return res, err == nil
	default:
		return TaskResult{}, false
	}
}

func (p *AsyncProcessor) consume(taskID string, entry *pending) (TaskResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry.consumed {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	entry.consumed = true
	delete(p.pending, taskID)
	return entry.result, nil
}

// CancelTask removes a still-queued task and resolves it as cancelled.
// Tasks that are already executing, finished or unknown return false.
func (p *AsyncProcessor) CancelTask(taskID string) bool {
	t, ok := p.queue.remove(taskID)
	if !ok {
		p.mu.Lock()
		_, isActive := p.active[taskID]
		p.mu.Unlock()
		if isActive {
			p.logger.Warn("cannot cancel running task", "task_id", taskID)
		}
		return false
	}

	p.resolveCancelled(t)
	return true
}

func (p *AsyncProcessor) resolveCancelled(t *Task) {
	p.cancelled.Add(1)
	p.finish(t, TaskResult{
		TaskID:      t.ID,
		Error:       errTaskCancelled,
		RetriesUsed: t.Retries,
	})
	p.logger.Info("task cancelled", "task_id", t.ID)
}

// Discard gives up on a task's result. A queued task is cancelled; a
// running one keeps executing but its result is dropped when it finishes
// instead of waiting for a GetResult. It returns false for unknown or
// already collected ids.
func (p *AsyncProcessor) Discard(taskID string) bool {
	if t, ok := p.queue.remove(taskID); ok {
		p.resolveCancelled(t)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[taskID]; !ok {
		return false
	}
	p.dropResultUnsafe(taskID)
	return true
}

// dropResultUnsafe drops the pending result for taskID now if the task has
// finished, or marks it to be dropped by finish. Must be called with p.mu
// held.
func (p *AsyncProcessor) dropResultUnsafe(taskID string) {
	entry, ok := p.pending[taskID]
	if !ok {
		return
	}
	select {
	case <-entry.done:
		entry.consumed = true
		delete(p.pending, taskID)
	default:
		entry.discard = true
	}
}

// Stop stops the workers, waits for running executions and resolves every
// still-queued task as stopped. If that takes longer than timeout, running
// functions have their contexts cancelled and ErrStopTimeout is returned.
// A stopped processor cannot be restarted.
func (p *AsyncProcessor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	wasRunning := p.running
	p.running = false
	workers := len(p.workers)
	p.mu.Unlock()

	if wasRunning {
		for i := 0; i < workers; i++ {
			p.queue.pushUnbounded(&Task{Priority: priorityStop, stop: true})
		}
	}

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		p.io.wait()
		if p.cpu != nil {
			p.cpu.wait()
		}
		close(done)
	}()

	var err error
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
	}
	p.cancel()

	leftover := p.queue.drain()
	for _, t := range leftover {
		p.finish(t, TaskResult{
			TaskID:      t.ID,
			Error:       errProcessorStopped,
			RetriesUsed: t.Retries,
		})
	}

	p.logger.Info("async processor stopped",
		"unprocessed", len(leftover),
		"completed", p.completed.Load(),
		"failed", p.failed.Load(),
	)
	return err
}

// Running reports whether workers are accepting tasks.
func (p *AsyncProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns a snapshot of the processor counters.
func (p *AsyncProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	activeTasks := len(p.active)
	pendingResults := len(p.pending)
	latency := p.latency.Summary()
	p.mu.Unlock()

	return ProcessorStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		TasksCancelled: p.cancelled.Load(),
		QueueSize:      p.queue.len(),
		ActiveTasks:    activeTasks,
		PendingResults: pendingResults,
		ExecutionTime:  latency,
	}
}

// ProcessorInfo describes the processor configuration and live state.
type ProcessorInfo struct {
	Stats          ProcessorStats `json:"stats"`
	Running        bool           `json:"running"`
	Workers        []WorkerStatus `json:"workers"`
	MaxWorkers     int            `json:"max_workers"`
	QueueCapacity  int            `json:"queue_capacity"`
	IOPoolSize     int            `json:"io_pool_size"`
	IOPoolBusy     int            `json:"io_pool_busy"`
	CPUPoolEnabled bool           `json:"cpu_pool_enabled"`
	CPUPoolSize    int            `json:"cpu_pool_size,omitempty"`
	CPUPoolBusy    int            `json:"cpu_pool_busy,omitempty"`
	CompletionRate float64        `json:"completion_rate"`
}

// Info returns Stats plus pool and worker details.
func (p *AsyncProcessor) Info() ProcessorInfo {
	stats := p.Stats()

	p.mu.Lock()
	running := p.running
	workers := make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w.status())
	}
	p.mu.Unlock()

	info := ProcessorInfo{
		Stats:          stats,
		Running:        running,
		Workers:        workers,
		MaxWorkers:     p.cfg.MaxWorkers,
		QueueCapacity:  p.queue.capacity(),
		IOPoolSize:     int(p.io.size),
		IOPoolBusy:     p.io.running(),
		CPUPoolEnabled: p.cpu != nil,
		CompletionRate: stats.CompletionRate(),
	}
	if p.cpu != nil {
		info.CPUPoolSize = int(p.cpu.size)
		info.CPUPoolBusy = p.cpu.running()
	}
	return info
}

// runWorker is the dequeue loop. It exits on a stop sentinel.
func (p *AsyncProcessor) runWorker(w *Worker) {
	defer p.workerWG.Done()

	for {
		t := p.queue.pop()
		if t.stop {
			w.setState(WorkerStopped)
			return
		}
		w.startTask(t.ID)
		p.execute(t)
		w.finishTask()
	}
}

func (p *AsyncProcessor) execute(t *Task) {
	logger := p.logger.With("task_id", t.ID, "priority", t.Priority)

	p.mu.Lock()
	p.active[t.ID] = t
	p.mu.Unlock()

	start := time.Now()
	value, err := p.attempt(t)
	elapsed := time.Since(start)

	p.mu.Lock()
	delete(p.active, t.ID)
	stopping := p.stopped
	p.mu.Unlock()

	if err != nil {
		if t.Retries < t.MaxRetries && !stopping {
			t.Retries++
			p.retried.Add(1)
			logger.Warn("task failed, retrying",
				"attempt", t.Retries,
				"max_retries", t.MaxRetries,
				"error", err,
			)
			p.queue.pushUnbounded(t)
			return
		}

		logger.Error("task failed", "retries_used", t.Retries, "error", err)
		p.finish(t, TaskResult{
			TaskID:        t.ID,
			Error:         err.Error(),
			ExecutionTime: elapsed,
			RetriesUsed:   t.Retries,
		})
		return
	}

	logger.Debug("task completed", "execution_time", elapsed, "retries_used", t.Retries)
	p.finish(t, TaskResult{
		TaskID:        t.ID,
		Success:       true,
		Result:        value,
		ExecutionTime: elapsed,
		RetriesUsed:   t.Retries,
	})
}

// attempt runs one execution on the task's pool within its timeout.
func (p *AsyncProcessor) attempt(t *Task) (any, error) {
	exec := p.io
	if t.UseCPUPool && p.cpu != nil {
		exec = p.cpu
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()

	select {
	case out := <-exec.run(ctx, t.fn):
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, fmt.Errorf("task timed out after %s", t.Timeout)
		}
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("task timed out after %s", t.Timeout)
		}
		return nil, fmt.Errorf("task aborted: %w", ctx.Err())
	}
}

// finish records the terminal result and notifies the waiter, the callback
// and subscribers.
func (p *AsyncProcessor) finish(t *Task, res TaskResult) {
	res.CompletedAt = p.now()
	if res.Success {
		p.completed.Add(1)
	} else if res.Error != errTaskCancelled {
		p.failed.Add(1)
	}

	p.mu.Lock()
	if res.Success {
		p.latency.Add(res.ExecutionTime)
	}
	entry, ok := p.pending[t.ID]
	if ok {
		entry.result = res
		if !t.keep || entry.discard {
			entry.consumed = true
			delete(p.pending, t.ID)
		}
	}
	p.mu.Unlock()
	if ok {
		close(entry.done)
	}

	if t.callback != nil {
		p.runCallback(t, res)
	}
	p.publish(t, res)
}

func (p *AsyncProcessor) runCallback(t *Task, res TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task callback panicked", "task_id", t.ID, "panic", r)
		}
	}()
	t.callback(res)
}

func (p *AsyncProcessor) publish(t *Task, res TaskResult) {
	if p.events == nil {
		return
	}
	_, err := p.events.Publish(context.Background(), &pubsub.TaskCompletedEvent{
		Version:       pubsub.EventVersion1,
		TaskID:        res.TaskID,
		Priority:      t.Priority.String(),
		Success:       res.Success,
		Error:         res.Error,
		ExecutionTime: res.ExecutionTime,
		RetriesUsed:   res.RetriesUsed,
		CompletedAt:   res.CompletedAt,
		RequestID:     pubsub.NewRequestID(),
	})
	if err != nil {
		p.logger.Warn("failed to publish task event", "task_id", t.ID, "error", err)
	}
}

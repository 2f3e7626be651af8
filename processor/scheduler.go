package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSchedulerTick is how often the scheduler checks for due jobs.
const DefaultSchedulerTick = 30 * time.Second

// Job is a recurring unit of maintenance work.
type Job struct {
	ID       string
	Name     string
	Schedule string // cron expression, e.g. "@hourly" or "*/5 * * * *"
	Priority Priority
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is a snapshot of a registered job.
type JobStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Priority  Priority   `json:"priority"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	RunCount  int64      `json:"run_count"`
	FailCount int64      `json:"fail_count"`
	LastError string     `json:"last_error,omitempty"`
	Running   bool       `json:"running"`
}

type scheduledJob struct {
	job       Job
	enabled   bool
	lastRun   *time.Time
	nextRun   time.Time
	runCount  int64
	failCount int64
	lastError string
	inflight  bool
}

// Scheduler submits cron-scheduled jobs to an AsyncProcessor. A job that is
// still queued or running when it comes due again is skipped for that tick.
type Scheduler struct {
	proc   *AsyncProcessor
	tick   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*scheduledJob
	started  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTick sets the polling interval.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithSchedulerClock sets the time source used to compute due jobs.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler that runs jobs on proc.
func NewScheduler(proc *AsyncProcessor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		proc:     proc,
		tick:     DefaultSchedulerTick,
		now:      time.Now,
		logger:   slog.Default(),
		jobs:     make(map[string]*scheduledJob),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidSchedule reports whether expr is a cron expression the scheduler accepts.
func ValidSchedule(expr string) bool {
	cron := gronx.New()
	return cron.IsValid(expr)
}

// Register adds a job. The schedule must be a valid cron expression and the
// id must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.ID)
	}
	if !ValidSchedule(job.Schedule) {
		return fmt.Errorf("job %s: invalid cron expression %q", job.ID, job.Schedule)
	}
	if job.Priority == 0 {
		job.Priority = PriorityLow
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("job %s: invalid priority %d", job.ID, int(job.Priority))
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	next, err := gronx.NextTickAfter(job.Schedule, s.now(), false)
	if err != nil {
		return fmt.Errorf("job %s: compute next run: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = &scheduledJob{job: job, enabled: true, nextRun: next}

	s.logger.Info("scheduled job registered",
		"job_id", job.ID,
		"schedule", job.Schedule,
		"next_run", next,
	)
	return nil
}

// Unregister removes a job.
func (s *Scheduler) Unregister(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("job %s not found", jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

// SetEnabled pauses or resumes a job.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s not found", jobID)
	}
	sj.enabled = enabled
	return nil
}

// Jobs lists registered jobs by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, sj := range s.jobs {
		next := sj.nextRun
		out = append(out, JobStatus{
			ID:        sj.job.ID,
			Name:      sj.job.Name,
			Schedule:  sj.job.Schedule,
			Priority:  sj.job.Priority,
			Enabled:   sj.enabled,
			LastRun:   sj.lastRun,
			NextRun:   &next,
			RunCount:  sj.runCount,
			FailCount: sj.failCount,
			LastError: sj.lastError,
			Running:   sj.inflight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow submits a job immediately, regardless of its schedule, and
// returns the task id.
func (s *Scheduler) RunNow(jobID string) (string, error) {
	s.mu.Lock()
	sj, exists := s.jobs[jobID]
	if !exists {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s not found", jobID)
	}
	if sj.inflight {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s is already running", jobID)
	}
	sj.inflight = true
	s.mu.Unlock()

	return s.submit(sj)
}

// Start polls for due jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.runDue()
			}
		}
	}()
}

// Stop halts polling. Jobs already submitted keep running on the processor.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// runDue submits every enabled job whose next run is at or before now and
// returns the ids of the jobs submitted.
func (s *Scheduler) runDue() []string {
	now := s.now()

	s.mu.Lock()
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if !sj.enabled || now.Before(sj.nextRun) {
			continue
		}
		next, err := gronx.NextTickAfter(sj.job.Schedule, now, false)
		if err != nil {
			s.logger.Error("failed to compute next run", "job_id", sj.job.ID, "error", err)
			sj.enabled = false
			continue
		}
		sj.nextRun = next
		if sj.inflight {
			s.logger.Warn("skipping job, previous run still in progress", "job_id", sj.job.ID)
			continue
		}
		sj.inflight = true
		due = append(due, sj)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })

	ids := make([]string, 0, len(due))
	for _, sj := range due {
		if _, err := s.submit(sj); err != nil {
			continue
		}
		ids = append(ids, sj.job.ID)
	}
	return ids
}

func (s *Scheduler) submit(sj *scheduledJob) (string, error) {
	job := sj.job
	opts := []SubmitOption{
		WithPriority(job.Priority),
		WithMaxRetries(0),
		WithoutResult(),
		WithCallback(func(res TaskResult) { s.record(job.ID, res) }),
	}
	if job.Timeout > 0 {
		opts = append(opts, WithTimeout(job.Timeout))
	}

	taskID, err := s.proc.Submit(func(ctx context.Context) (any, error) {
		return nil, job.Run(ctx)
	}, opts...)
	if err != nil {
		s.mu.Lock()
		sj.inflight = false
		sj.failCount++
		sj.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Error("failed to submit scheduled job", "job_id", job.ID, "error", err)
		return "", err
	}

	s.logger.Debug("scheduled job submitted", "job_id", job.ID, "task_id", taskID)
	return taskID, nil
}

func (s *Scheduler) record(jobID string, res TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[jobID]
	if !exists {
		return
	}
	completed := res.CompletedAt
	sj.inflight = false
	sj.lastRun = &completed
	sj.runCount++
	if res.Success {
		sj.lastError = ""
		return
	}
	sj.failCount++
	sj.lastError = res.Error
	s.logger.Warn("scheduled job failed", "job_id", jobID, "error", res.Error)
}

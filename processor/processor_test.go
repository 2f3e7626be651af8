package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/pkg/logging"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
)

func newTestProcessor(t *testing.T, cfg Config, opts ...Option) *AsyncProcessor {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	p := New(cfg, opts...)
	t.Cleanup(func() { _ = p.Stop(5 * time.Second) })
	return p
}

// singleWorker returns a config with one dequeue loop so tests control
// execution order.
func singleWorker() Config {
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	cfg.Workers = 1
	cfg.MaxRetries = 0
	return cfg
}

// blockWorker occupies the only worker until the returned release func is
// called.
func blockWorker(t *testing.T, p *AsyncProcessor) (string, func()) {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	id, err := p.Submit(func(context.Context) (any, error) {
		close(started)
		<-release
		return "blocker", nil
	}, WithPriority(PriorityCritical))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking task never started")
	}
	var once sync.Once
	return id, func() { once.Do(func() { close(release) }) }
}

func TestPriority_Text(t *testing.T) {
	tests := []struct {
		input string
		want  Priority
	}{
		{"low", PriorityLow},
		{"Normal", PriorityNormal},
		{" HIGH ", PriorityHigh},
		{"critical", PriorityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var p Priority
			require.NoError(t, p.UnmarshalText([]byte(tt.input)))
			assert.Equal(t, tt.want, p)

			text, err := p.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.want.String(), string(text))
		})
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
	_, err = Priority(9).MarshalText()
	assert.Error(t, err)
	assert.True(t, PriorityCritical > PriorityHigh && PriorityHigh > PriorityNormal && PriorityNormal > PriorityLow)
}

func TestProcessor_SubmitAndGetResult(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	id, err := p.Submit(func(context.Context) (any, error) { return 21 * 2, nil })
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	res, ok := p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Result)
	assert.Equal(t, id, res.TaskID)
	assert.Equal(t, 0, res.RetriesUsed)
	assert.False(t, res.CompletedAt.IsZero())

	// The first successful read pops the result.
	_, ok = p.GetResult(id, 10*time.Millisecond)
	assert.False(t, ok)
}

func TestProcessor_SubmitAutoStarts(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())
	assert.False(t, p.Running())

	_, err := p.Submit(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, p.Running())
}

func TestProcessor_RetriesThenFails(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	var attempts atomic.Int32
	id, err := p.Submit(func(context.Context) (any, error) {
		attempts.Add(1)
		return nil, errors.New("backend unavailable")
	}, WithMaxRetries(2))
	require.NoError(t, err)

	res, ok := p.GetResult(id, 5*time.Second)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, "backend unavailable", res.Error)
	assert.Equal(t, 2, res.RetriesUsed)
	assert.Equal(t, int32(3), attempts.Load())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.Equal(t, int64(2), stats.TasksRetried)
}

func TestProcessor_RetryThenSucceed(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	var attempts atomic.Int32
	id, err := p.Submit(func(context.Context) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)

	res, ok := p.GetResult(id, 5*time.Second)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, 2, res.RetriesUsed)
}

func TestProcessor_CriticalRunsBeforeQueuedLow(t *testing.T) {
	p := newTestProcessor(t, singleWorker())
	_, release := blockWorker(t, p)
	defer release()

	var mu sync.Mutex
	var order []string
	record := func(name string) TaskFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	var ids []string
	for _, name := range []string{"low-1", "low-2", "low-3"} {
		id, err := p.Submit(record(name), WithPriority(PriorityLow))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	id, err := p.Submit(record("normal"), WithPriority(PriorityNormal))
	require.NoError(t, err)
	ids = append(ids, id)
	id, err = p.Submit(record("critical"), WithPriority(PriorityCritical))
	require.NoError(t, err)
	ids = append(ids, id)

	release()
	for _, id := range ids {
		_, ok := p.GetResult(id, 5*time.Second)
		require.True(t, ok)
	}

	assert.Equal(t, []string{"critical", "normal", "low-1", "low-2", "low-3"}, order)
}

func TestProcessor_Timeout(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	sawCancel := make(chan struct{})
	id, err := p.Submit(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(sawCancel)
		return "too late", nil
	}, WithTimeout(20*time.Millisecond), WithMaxRetries(0))
	require.NoError(t, err)

	res, ok := p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Nil(t, res.Result)

	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestProcessor_TimedOutWaitDoesNotConsume(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	release := make(chan struct{})
	id, err := p.Submit(func(context.Context) (any, error) {
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	_, ok := p.GetResult(id, 10*time.Millisecond)
	assert.False(t, ok)

	close(release)
	res, ok := p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "done", res.Result)
}

func TestProcessor_UnknownTaskReturnsImmediately(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	start := time.Now()
	_, ok := p.GetResult("missing", 5*time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	_, err := p.WaitResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestProcessor_GetResultAsync(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	release := make(chan struct{})
	id, err := p.Submit(func(context.Context) (any, error) {
		<-release
		return 7, nil
	})
	require.NoError(t, err)

	_, ok := p.GetResultAsync(id)
	assert.False(t, ok)

	close(release)
	require.Eventually(t, func() bool {
		res, ok := p.GetResultAsync(id)
		return ok && res.Result == 7
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessor_QueueFull(t *testing.T) {
	cfg := singleWorker()
	cfg.MaxQueueSize = 1
	cfg.EnqueueTimeout = 20 * time.Millisecond
	p := newTestProcessor(t, cfg)

	_, release := blockWorker(t, p)
	defer release()

	_, err := p.Submit(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Submit(func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(2), p.Stats().TasksSubmitted)
}

func TestProcessor_CancelQueuedTask(t *testing.T) {
	p := newTestProcessor(t, singleWorker())
	blockerID, release := blockWorker(t, p)
	defer release()

	var ran atomic.Bool
	id, err := p.Submit(func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	assert.True(t, p.CancelTask(id))
	assert.False(t, p.CancelTask(id), "a task can only be cancelled once")
	assert.False(t, p.CancelTask(blockerID), "running tasks cannot be cancelled")
	assert.False(t, p.CancelTask("unknown"))

	res, ok := p.GetResult(id, time.Second)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, "task cancelled", res.Error)

	release()
	_, ok = p.GetResult(blockerID, 2*time.Second)
	require.True(t, ok)
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), p.Stats().TasksCancelled)
	assert.Equal(t, 0, p.Stats().QueueSize)
}

func TestProcessor_Discard(t *testing.T) {
	p := newTestProcessor(t, singleWorker())
	blockerID, release := blockWorker(t, p)
	defer release()

	queuedID, err := p.Submit(func(context.Context) (any, error) { return "never", nil })
	require.NoError(t, err)

	assert.True(t, p.Discard(queuedID))
	assert.Equal(t, int64(1), p.Stats().TasksCancelled)
	_, ok := p.GetResultAsync(queuedID)
	assert.False(t, ok, "cancelled result is not kept")

	assert.True(t, p.Discard(blockerID))
	assert.Equal(t, 1, p.Stats().PendingResults, "running task keeps its entry until it finishes")

	release()
	require.Eventually(t, func() bool {
		return p.Stats().PendingResults == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().TasksCompleted)

	doneID, err := p.Submit(func(context.Context) (any, error) { return "done", nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.Stats().TasksCompleted == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.Discard(doneID))
	assert.Equal(t, 0, p.Stats().PendingResults)

	assert.False(t, p.Discard(doneID))
	assert.False(t, p.Discard("task_unknown"))
}

func TestProcessor_PanicIsRecovered(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	id, err := p.Submit(func(context.Context) (any, error) {
		panic("handler bug")
	}, WithMaxRetries(0))
	require.NoError(t, err)

	res, ok := p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")

	// The processor keeps working.
	id, err = p.Submit(func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	res, ok = p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.True(t, res.Success)
}

func TestProcessor_Callback(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	got := make(chan TaskResult, 1)
	id, err := p.Submit(func(context.Context) (any, error) { return "x", nil },
		WithCallback(func(res TaskResult) { got <- res }))
	require.NoError(t, err)

	select {
	case res := <-got:
		assert.Equal(t, id, res.TaskID)
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	// The result is still available to a waiter.
	_, ok := p.GetResult(id, time.Second)
	assert.True(t, ok)
}

func TestProcessor_CallbackPanicIsContained(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	id, err := p.Submit(func(context.Context) (any, error) { return "x", nil },
		WithCallback(func(TaskResult) { panic("callback bug") }))
	require.NoError(t, err)

	res, ok := p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.True(t, res.Success)
}

func TestProcessor_WithoutResult(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	done := make(chan struct{})
	id, err := p.Submit(func(context.Context) (any, error) { return nil, nil },
		WithoutResult(), WithCallback(func(TaskResult) { close(done) }))
	require.NoError(t, err)

	<-done
	_, ok := p.GetResult(id, 10*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, 0, p.Stats().PendingResults)
}

func TestProcessor_DuplicateTaskID(t *testing.T) {
	p := newTestProcessor(t, singleWorker())
	_, release := blockWorker(t, p)
	defer release()

	_, err := p.Submit(func(context.Context) (any, error) { return nil, nil }, WithTaskID("same"))
	require.NoError(t, err)
	_, err = p.Submit(func(context.Context) (any, error) { return nil, nil }, WithTaskID("same"))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestProcessor_InvalidSubmissions(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())

	_, err := p.Submit(nil)
	assert.Error(t, err)

	_, err = p.Submit(func(context.Context) (any, error) { return nil, nil }, WithPriority(Priority(42)))
	assert.Error(t, err)
}

func TestProcessor_StopResolvesQueuedTasks(t *testing.T) {
	p := newTestProcessor(t, singleWorker())
	blockerID, release := blockWorker(t, p)

	var queued []string
	for i := 0; i < 3; i++ {
		id, err := p.Submit(func(context.Context) (any, error) { return nil, nil })
		require.NoError(t, err)
		queued = append(queued, id)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	require.NoError(t, p.Stop(5*time.Second))
	assert.False(t, p.Running())

	res, ok := p.GetResult(blockerID, time.Second)
	require.True(t, ok)
	assert.True(t, res.Success, "in-flight work is allowed to finish")

	for _, id := range queued {
		res, ok := p.GetResult(id, time.Second)
		require.True(t, ok)
		assert.False(t, res.Success)
		assert.Equal(t, "processor stopped", res.Error)
	}

	_, err := p.Submit(func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrProcessorStopped)
	assert.ErrorIs(t, p.Start(), ErrProcessorStopped)
	assert.NoError(t, p.Stop(time.Second), "stop is idempotent")
}

func TestProcessor_StopTimeoutCancelsRunningTasks(t *testing.T) {
	p := newTestProcessor(t, singleWorker())

	started := make(chan struct{})
	_, err := p.Submit(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	err = p.Stop(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimeout)
}

func TestProcessor_WorkersExitAfterStopTimeout(t *testing.T) {
	p := newTestProcessor(t, singleWorker())
	blockerID, release := blockWorker(t, p)
	defer release()

	queuedID, err := p.Submit(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	err = p.Stop(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.False(t, p.Running())

	_, ok := p.GetResult(queuedID, time.Second)
	require.True(t, ok, "queued task must still be resolved")

	release()

	exited := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after its task returned")
	}

	res, ok := p.GetResult(blockerID, time.Second)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "task aborted")
	assert.Equal(t, WorkerStopped, p.Info().Workers[0].State)
	assert.Equal(t, 0, p.queue.len())
}

func TestProcessor_StopBeforeStart(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig())
	assert.NoError(t, p.Stop(time.Second))
}

func TestProcessor_PublishesEvents(t *testing.T) {
	bus := pubsub.NewBus(logging.Discard())
	var mu sync.Mutex
	var events []*pubsub.TaskCompletedEvent
	require.NoError(t, bus.TaskCompleted.Subscribe("test", func(_ context.Context, e *pubsub.TaskCompletedEvent) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	}))

	p := newTestProcessor(t, DefaultConfig(), WithEvents(bus.TaskCompleted))

	okID, err := p.Submit(func(context.Context) (any, error) { return 1, nil }, WithPriority(PriorityHigh))
	require.NoError(t, err)
	failID, err := p.Submit(func(context.Context) (any, error) { return nil, errors.New("nope") }, WithMaxRetries(0))
	require.NoError(t, err)

	_, ok := p.GetResult(okID, 2*time.Second)
	require.True(t, ok)
	_, ok = p.GetResult(failID, 2*time.Second)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	byID := map[string]*pubsub.TaskCompletedEvent{}
	mu.Lock()
	for _, e := range events {
		byID[e.TaskID] = e
	}
	mu.Unlock()
	assert.True(t, byID[okID].Success)
	assert.Equal(t, "high", byID[okID].Priority)
	assert.False(t, byID[failID].Success)
	assert.Equal(t, "nope", byID[failID].Error)
}

func TestProcessor_StatsAndInfo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUPoolSize = 2
	p := newTestProcessor(t, cfg)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := p.Submit(func(context.Context) (any, error) { return nil, nil }, WithCPUPool())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	id, err := p.Submit(func(context.Context) (any, error) { return nil, errors.New("x") }, WithMaxRetries(0))
	require.NoError(t, err)
	ids = append(ids, id)

	for _, id := range ids {
		_, ok := p.GetResult(id, 2*time.Second)
		require.True(t, ok)
	}

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.TasksSubmitted)
	assert.Equal(t, int64(3), stats.TasksCompleted)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.InDelta(t, 75.0, stats.CompletionRate(), 0.001)
	assert.Equal(t, uint64(3), stats.ExecutionTime.Count)

	info := p.Info()
	assert.True(t, info.Running)
	assert.Len(t, info.Workers, 4)
	assert.Equal(t, 8, info.MaxWorkers)
	assert.Equal(t, 8, info.IOPoolSize)
	assert.True(t, info.CPUPoolEnabled)
	assert.Equal(t, 2, info.CPUPoolSize)
	assert.Equal(t, cfg.MaxQueueSize, info.QueueCapacity)
}

func TestProcessor_CPUPoolDisabledFallsBackToIO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCPUPool = false
	p := newTestProcessor(t, cfg)

	id, err := p.Submit(func(context.Context) (any, error) { return "ran", nil }, WithCPUPool())
	require.NoError(t, err)

	res, ok := p.GetResult(id, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "ran", res.Result)
	assert.False(t, p.Info().CPUPoolEnabled)
}

func TestProcessorStats_CompletionRateEmpty(t *testing.T) {
	assert.Equal(t, 0.0, ProcessorStats{}.CompletionRate())
}

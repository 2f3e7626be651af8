package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/automation"
	"github.com/smartpaste/smartpaste/pkg/config"
	"github.com/smartpaste/smartpaste/pkg/logging"
	"github.com/smartpaste/smartpaste/processor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, message string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, title+": "+message)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.items...)
}

type fixture struct {
	reg      *Registry
	clock    *fakeClock
	notifier *recordingNotifier
	dir      string
}

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Cache.MaxEntries = 100
	cfg.Cache.MaxMemoryMB = 1
	cfg.Processor.MaxWorkers = 2
	cfg.Processor.MaxQueueSize = 50
	cfg.Processor.MaxRetries = 0
	cfg.Processor.EnqueueTimeoutMS = 100
	cfg.Automation.RulesFile = filepath.Join(dir, "rules.json")
	cfg.Automation.AuditFile = filepath.Join(dir, "audit.db")
	cfg.Automation.WatchRules = false
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		clock:    &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		dir:      dir,
	}
	reg, err := NewRegistry(cfg, logging.Discard(),
		WithClock(f.clock.Now),
		WithEnv(&automation.Env{Notifier: f.notifier, BaseDir: dir}),
		WithStopTimeout(2*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() { _ = reg.Close() })

	f.reg = reg
	return f
}

func TestRegistry_Components(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.reg

	assert.NotNil(t, reg.Config())
	assert.NotNil(t, reg.Logger())
	assert.NotNil(t, reg.Bus())
	assert.NotNil(t, reg.GeneralCache())
	assert.NotNil(t, reg.ContentCache())
	assert.NotNil(t, reg.Processor())
	assert.NotNil(t, reg.ContentProcessor())
	assert.NotNil(t, reg.Automation())
	assert.NotNil(t, reg.Scheduler())
	assert.NotNil(t, reg.Monitoring())
	assert.NotNil(t, reg.Pipeline())

	assert.True(t, reg.Processor().Running())
	assert.Equal(t, 500, reg.GeneralCache().Info().MaxSize)
	assert.Equal(t, 10, reg.ContentCache().Hot().Info().MaxSize)
	assert.Len(t, reg.Automation().Rules(), len(automation.DefaultRules(f.clock.Now())))

	var ids []string
	for _, job := range reg.Scheduler().Jobs() {
		ids = append(ids, job.ID)
		assert.Equal(t, processor.PriorityLow, job.Priority)
	}
	assert.Equal(t, []string{JobContentCacheSweep, JobHistoryPrune}, ids)
}

func TestRegistry_OptionalComponents(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Automation.Enabled = false
		cfg.Scheduler.Enabled = false
		cfg.Monitoring.Enabled = false
	})

	assert.Nil(t, f.reg.Automation())
	assert.Nil(t, f.reg.Scheduler())
	assert.Nil(t, f.reg.Monitoring())

	out, err := f.reg.Pipeline().Handle(context.Background(), Clip{Content: "42"})
	require.NoError(t, err)
	assert.Nil(t, out.Automation)
	assert.Equal(t, 42.0, out.Result["value"])
}

func TestRegistry_Lifecycle(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Automation.WatchRules = true
	})
	reg := f.reg

	require.NoError(t, reg.Start(context.Background()))
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	assert.False(t, reg.Processor().Running())
	assert.ErrorIs(t, reg.Start(context.Background()), processor.ErrProcessorStopped)
}

func TestRegistry_BadCacheDir(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Cache.Dir = ""

	_, err := NewRegistry(cfg, logging.Discard())
	assert.Error(t, err)
}

func TestRegistry_ScheduledSweep(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.reg

	_, err := reg.Pipeline().Handle(context.Background(), Clip{Content: "hello world, this is a note"})
	require.NoError(t, err)
	require.Equal(t, 1, reg.ContentCache().Info().DiskFiles)

	f.clock.Advance(25 * time.Hour)
	_, err = reg.Scheduler().RunNow(JobContentCacheSweep)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, job := range reg.Scheduler().Jobs() {
			if job.ID == JobContentCacheSweep {
				return job.RunCount == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, reg.ContentCache().Info().DiskFiles)
	assert.Equal(t, int64(1), reg.Monitoring().Collector().Snapshot().CacheSwept["content.disk"])
}

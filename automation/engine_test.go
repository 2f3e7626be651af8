package automation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/pkg/logging"
	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
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

type engineFixture struct {
	engine   *WorkflowAutomation
	clock    *fakeClock
	notifier *recordingNotifier
	dir      string
}

func newEngine(t *testing.T, cfg Config, opts ...Option) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	if cfg.RulesFile == "" {
		cfg.RulesFile = filepath.Join(dir, "rules.json")
	}

	clock := newFakeClock()
	notifier := &recordingNotifier{}
	env := &Env{Notifier: notifier, BaseDir: dir}

	base := []Option{WithLogger(logging.Discard()), WithClock(clock.Now), WithEnv(env)}
	w, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	return &engineFixture{engine: w, clock: clock, notifier: notifier, dir: dir}
}

func notifyRule(id string, priority int, cond Condition) *Rule {
	return &Rule{
		ID:         id,
		Name:       id,
		Enabled:    true,
		Priority:   priority,
		Conditions: []Condition{cond},
		Actions: []Action{{
			Type:       ActionSendNotification,
			Enabled:    true,
			Parameters: map[string]any{"title": id},
		}},
	}
}

func TestEngine_InstallsAndSavesDefaults(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})

	rules := f.engine.Rules()
	require.Len(t, rules, 4)
	assert.Equal(t, "emergency_alert", rules[0].ID, "highest priority first")
	assert.Equal(t, "email_to_todo", rules[1].ID)

	_, err := os.Stat(f.engine.RulesFile())
	require.NoError(t, err, "defaults are written back")

	reopened, err := New(Config{RulesFile: f.engine.RulesFile()}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Len(t, reopened.Rules(), 4)
}

func TestEngine_CorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	f := newEngine(t, Config{RulesFile: path, InstallDefaults: true})
	assert.Len(t, f.engine.Rules(), 4)

	g := newEngine(t, Config{RulesFile: filepath.Join(t.TempDir(), "missing.json")})
	assert.Empty(t, g.engine.Rules())
}

func TestEngine_EmptyFileListIsRespected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	f := newEngine(t, Config{RulesFile: path, InstallDefaults: true})
	assert.Empty(t, f.engine.Rules())
}

func TestEngine_RuleManagement(t *testing.T) {
	f := newEngine(t, Config{})
	w := f.engine

	id, err := w.AddRule(&Rule{Name: "generated", Enabled: true})
	require.NoError(t, err)
	assert.Contains(t, id, "rule_")

	got, ok := w.GetRule(id)
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), got.CreatedAt)

	_, err = w.AddRule(&Rule{ID: id, Name: "again"})
	assert.True(t, errors.Is(err, ErrDuplicateRule))

	_, err = w.AddRule(&Rule{ID: "bad", Name: "bad", Conditions: []Condition{{Type: "weather"}}})
	assert.True(t, errors.Is(err, ErrInvalidRule))

	require.NoError(t, w.DisableRule(id))
	got, _ = w.GetRule(id)
	assert.False(t, got.Enabled)
	require.NoError(t, w.EnableRule(id))

	assert.True(t, errors.Is(w.EnableRule("missing"), ErrRuleNotFound))
	assert.True(t, errors.Is(w.DisableRule("missing"), ErrRuleNotFound))
	assert.True(t, errors.Is(w.RemoveRule("missing"), ErrRuleNotFound))

	// Copies do not leak into the engine.
	got.Name = "mutated"
	again, _ := w.GetRule(id)
	assert.Equal(t, "generated", again.Name)

	require.NoError(t, w.RemoveRule(id))
	_, ok = w.GetRule(id)
	assert.False(t, ok)

	// Structural changes are persisted.
	reopened, err := New(Config{RulesFile: w.RulesFile()}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Empty(t, reopened.Rules())
}

func TestEngine_ProcessContent(t *testing.T) {
	f := newEngine(t, Config{})
	w := f.engine
	ctx := context.Background()

	_, err := w.AddRule(notifyRule("low", 1, Condition{Type: ConditionContentType, Value: "url"}))
	require.NoError(t, err)
	_, err = w.AddRule(notifyRule("high", 5, Condition{Type: ConditionContentContains, Value: "example"}))
	require.NoError(t, err)
	_, err = w.AddRule(notifyRule("never", 9, Condition{Type: ConditionContentType, Value: "email"}))
	require.NoError(t, err)

	res := w.ProcessContent(ctx, "https://example.com", models.ContentURL, "Browser")
	assert.Equal(t, []string{"high", "low"}, res.TriggeredRules)
	assert.Equal(t, models.ContentURL, res.Context.ContentType)
	assert.Equal(t, "Browser", res.Context.SourceApp)
	assert.Equal(t, int64(1), res.Stats.ContentProcessed)
	assert.Equal(t, int64(2), res.Stats.RulesTriggered)

	calls := f.notifier.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "high", calls[0].title)
	assert.Equal(t, "low", calls[1].title)

	r, _ := w.GetRule("high")
	assert.Equal(t, int64(1), r.TriggerCount)
	require.NotNil(t, r.LastTriggered)
	assert.Equal(t, f.clock.Now(), *r.LastTriggered)

	res = w.ProcessContent(ctx, "plain words", models.ContentText, "")
	assert.Empty(t, res.TriggeredRules)
	assert.Equal(t, int64(2), res.Stats.ContentProcessed)
}

func TestEngine_Cooldown(t *testing.T) {
	f := newEngine(t, Config{})
	w := f.engine
	ctx := context.Background()

	rule := notifyRule("alert", 10, Condition{Type: ConditionPatternRegex, Value: `\burgent\b`})
	rule.CooldownSeconds = 300
	_, err := w.AddRule(rule)
	require.NoError(t, err)

	assert.Equal(t, []string{"alert"}, w.ProcessContent(ctx, "urgent!", models.ContentText, "").TriggeredRules)

	f.clock.Advance(100 * time.Second)
	assert.Empty(t, w.ProcessContent(ctx, "urgent!", models.ContentText, "").TriggeredRules)
	got, _ := w.GetRule("alert")
	assert.Equal(t, StateCoolingDown, got.State(f.clock.Now()))

	f.clock.Advance(201 * time.Second)
	assert.Equal(t, []string{"alert"}, w.ProcessContent(ctx, "urgent!", models.ContentText, "").TriggeredRules)
}

func TestEngine_FailedActionsStillTrigger(t *testing.T) {
	f := newEngine(t, Config{})
	w := f.engine

	failing := &Rule{
		ID:       "failing",
		Name:     "failing",
		Enabled:  true,
		Priority: 2,
		Actions: []Action{
			{Type: ActionCopyToClipboard, Enabled: true}, // no clipboard configured
			{Type: ActionSendNotification, Enabled: true, Parameters: map[string]any{"title": "after failure"}},
		},
	}
	_, err := w.AddRule(failing)
	require.NoError(t, err)
	_, err = w.AddRule(notifyRule("next", 1, Condition{Type: ConditionContentLength, Value: 0, Operator: OpGreaterThan}))
	require.NoError(t, err)

	res := w.ProcessContent(context.Background(), "anything", models.ContentText, "")
	assert.Equal(t, []string{"failing", "next"}, res.TriggeredRules)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, RuleOutcome{RuleID: "failing", ActionsOK: 1, ActionsFailed: 1}, res.Outcomes[0])
	assert.Equal(t, int64(1), res.Stats.RulesFailed)
	assert.Len(t, f.notifier.all(), 2, "later actions and rules still run")
}

func TestEngine_TransformVisibleToLaterActions(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})

	res := f.engine.ProcessContent(context.Background(), "func  main()  {\n\treturn\n}", models.ContentCode, "")
	assert.Equal(t, []string{"format_code"}, res.TriggeredRules)
	assert.Equal(t, "func main() { return }", res.Context.TransformedContent)

	saved := readFile(t, filepath.Join(f.dir, "smartpaste_code_snippets", "2024-06-01_snippet.txt"))
	assert.Equal(t, "// Copied at 2024-06-01 09:00:00\nfunc main() { return }", saved)
}

func TestEngine_DefaultRules(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})
	ctx := context.Background()

	res := f.engine.ProcessContent(ctx, "https://example.com", models.ContentURL, "")
	assert.Equal(t, []string{"auto_save_urls"}, res.TriggeredRules)
	assert.Equal(t, "[2024-06-01 09:00:00] https://example.com\n", readFile(t, filepath.Join(f.dir, "smartpaste_bookmarks.txt")))

	res = f.engine.ProcessContent(ctx, "bob@example.com", models.ContentEmail, "")
	assert.Equal(t, []string{"email_to_todo"}, res.TriggeredRules)
	assert.Equal(t, "[2024-06-01 09:00:00] TODO: Follow up with: bob@example.com\n", readFile(t, filepath.Join(f.dir, "smartpaste_followups.txt")))

	res = f.engine.ProcessContent(ctx, "This is URGENT", models.ContentText, "")
	assert.Equal(t, []string{"emergency_alert"}, res.TriggeredRules)
	res = f.engine.ProcessContent(ctx, "still urgent", models.ContentText, "")
	assert.Empty(t, res.TriggeredRules, "emergency alert cools down")
}

func TestEngine_HourlyCap(t *testing.T) {
	f := newEngine(t, Config{})
	w := f.engine
	ctx := context.Background()

	capped := notifyRule("capped", 1, Condition{Type: ConditionContentType, Value: "text"})
	two := 2
	capped.MaxTriggersPerHour = &two
	_, err := w.AddRule(capped)
	require.NoError(t, err)

	assert.Len(t, w.ProcessContent(ctx, "a", models.ContentText, "").TriggeredRules, 1)
	assert.Len(t, w.ProcessContent(ctx, "b", models.ContentText, "").TriggeredRules, 1)
	assert.Empty(t, w.ProcessContent(ctx, "c", models.ContentText, "").TriggeredRules)

	f.clock.Advance(time.Hour)
	assert.Len(t, w.ProcessContent(ctx, "d", models.ContentText, "").TriggeredRules, 1)
}

func TestEngine_CancelledContextStopsEvaluation(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.engine.ProcessContent(ctx, "https://example.com", models.ContentURL, "")
	assert.Empty(t, res.TriggeredRules)
	assert.Equal(t, int64(1), res.Stats.ContentProcessed)
}

func TestEngine_Stats(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})
	w := f.engine
	ctx := context.Background()

	require.NoError(t, w.DisableRule("format_code"))
	for i := 0; i < 3; i++ {
		w.ProcessContent(ctx, "https://example.com", models.ContentURL, "")
	}
	w.ProcessContent(ctx, "bob@example.com", models.ContentEmail, "")

	stats := w.Stats()
	assert.Equal(t, 4, stats.TotalRules)
	assert.Equal(t, 3, stats.EnabledRules)
	assert.Equal(t, int64(4), stats.Stats.ContentProcessed)
	assert.Equal(t, int64(4), stats.Stats.RulesTriggered)
	require.Len(t, stats.MostTriggered, 4)
	assert.Equal(t, RuleSummary{ID: "auto_save_urls", Name: "Auto-save URLs", TriggerCount: 3}, stats.MostTriggered[0])
	assert.Equal(t, "email_to_todo", stats.MostTriggered[1].ID)

	f.clock.Advance(90 * time.Minute)
	assert.InDelta(t, 1.5, stats.Stats.RuntimeHours(f.clock.Now()), 1e-9)
}

func TestEngine_AuditAndEvents(t *testing.T) {
	dir := t.TempDir()
	topic := pubsub.NewTopic[*pubsub.RuleTriggeredEvent](pubsub.TopicRuleTriggered, logging.Discard())

	var (
		mu     sync.Mutex
		events []*pubsub.RuleTriggeredEvent
	)
	require.NoError(t, topic.Subscribe("test", func(_ context.Context, ev *pubsub.RuleTriggeredEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	}))

	f := newEngine(t, Config{
		AuditFile:       filepath.Join(dir, "audit.db"),
		InstallDefaults: true,
	}, WithEvents(topic))
	w := f.engine
	ctx := context.Background()

	w.ProcessContent(ctx, "https://example.com", models.ContentURL, "Browser")
	f.clock.Advance(time.Minute)
	w.ProcessContent(ctx, "bob@example.com", models.ContentEmail, "Mail")

	history, err := w.History(10, "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "email_to_todo", history[0].RuleID, "newest first")
	assert.Equal(t, "auto_save_urls", history[1].RuleID)
	assert.Equal(t, "Browser", history[1].SourceApp)
	assert.Len(t, history[1].ContentHash, 64)

	only, err := w.History(10, "auto_save_urls")
	require.NoError(t, err)
	require.Len(t, only, 1)

	mu.Lock()
	require.Len(t, events, 2)
	assert.Equal(t, "auto_save_urls", events[0].RuleID)
	assert.Equal(t, 2, events[0].ActionsOK)
	assert.Equal(t, history[1].RequestID, events[0].RequestID)
	mu.Unlock()

	f.clock.Advance(time.Hour)
	removed, err := w.PruneHistory(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestEngine_ReloadKeepsTriggerState(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})
	w := f.engine

	w.ProcessContent(context.Background(), "https://example.com", models.ContentURL, "")
	assert.NoError(t, w.Reload(), "own writes are ignored")

	// Edit the file externally: drop every rule except auto_save_urls and
	// change its priority.
	store := NewFileStore(w.RulesFile())
	rules, err := store.Load()
	require.NoError(t, err)
	var kept []*Rule
	for _, r := range rules {
		if r.ID == "auto_save_urls" {
			r.Priority = 7
			kept = append(kept, r)
		}
	}
	require.NoError(t, store.Save(kept))

	require.NoError(t, w.Reload())
	got := w.Rules()
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].Priority)
	assert.Equal(t, int64(1), got[0].TriggerCount, "in-memory trigger state survives")
	require.NotNil(t, got[0].LastTriggered)

	require.NoError(t, os.WriteFile(w.RulesFile(), []byte("garbage"), 0o644))
	assert.Error(t, w.Reload())
	assert.Len(t, w.Rules(), 1, "current rules kept on a bad file")
}

func TestEngine_CloseSavesTriggerState(t *testing.T) {
	f := newEngine(t, Config{InstallDefaults: true})
	w := f.engine

	w.ProcessContent(context.Background(), "bob@example.com", models.ContentEmail, "")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	reopened, err := New(Config{RulesFile: w.RulesFile()}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer reopened.Close()

	r, ok := reopened.GetRule("email_to_todo")
	require.True(t, ok)
	assert.Equal(t, int64(1), r.TriggerCount)
}

func TestEngine_InMemoryOnly(t *testing.T) {
	w, err := New(Config{InstallDefaults: true}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer w.Close()

	assert.Len(t, w.Rules(), 4)
	assert.Equal(t, "", w.RulesFile())
	assert.NoError(t, w.SaveRules())
	assert.NoError(t, w.Reload())

	history, err := w.History(5, "")
	assert.NoError(t, err)
	assert.Nil(t, history)
}

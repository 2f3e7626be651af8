// Package automation implements the rule engine that reacts to processed
// clipboard content.
//
// A rule is a list of AND-combined conditions and an ordered list of
// actions. For every piece of content the engine evaluates enabled rules in
// descending priority order and runs the actions of each rule that is ready
// and whose conditions all hold.
//
// Design Notes:
//   - Rules live in a JSON array file; a missing or corrupt file falls back to
//     the default rule set, which is written back
//   - Trigger state (last_triggered, trigger_count) is kept in memory and
//     persisted on structural changes and on Close
//   - A rule that matched counts as triggered even if some actions failed
//   - One rule's failures never stop evaluation of the rules after it
//   - Side effects go through Env so tests can substitute them
//   - Triggers are appended to an optional audit log and published on the
//     rule.triggered topic
//
// Performance Characteristics:
//   - ProcessContent: O(R*C) condition checks plus the cost of the actions run
//   - ProcessContent calls are serialized so cooldown checks cannot race
//   - Rule reads take a read lock and return copies
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/pubsub"
	"github.com/smartpaste/smartpaste/pkg/ratelimit"
	"github.com/smartpaste/smartpaste/pkg/utils"
)

var (
	// ErrRuleNotFound is returned for operations on an unknown rule id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule is returned by AddRule when the id is taken.
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrInvalidRule wraps validation failures.
	ErrInvalidRule = errors.New("invalid rule")
)

// mostTriggeredLimit bounds EngineStats.MostTriggered.
const mostTriggeredLimit = 5

// Config locates the engine's files.
type Config struct {
	// RulesFile is the JSON rules array. Empty keeps rules in memory only.
	RulesFile string

	// AuditFile is the bbolt trigger history. Empty disables history unless
	// WithAuditLog is used.
	AuditFile string

	// InstallDefaults populates DefaultRules when the rules file is missing
	// or unreadable.
	InstallDefaults bool
}

// Option configures a WorkflowAutomation.
type Option func(*WorkflowAutomation)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *WorkflowAutomation) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source used for cooldowns and templates.
func WithClock(now func() time.Time) Option {
	return func(w *WorkflowAutomation) {
		if now != nil {
			w.now = now
		}
	}
}

// WithEnv sets the side-effect ports used by actions.
func WithEnv(env *Env) Option {
	return func(w *WorkflowAutomation) {
		w.env = env
	}
}

// WithEvents publishes every trigger on topic.
func WithEvents(topic *pubsub.Topic[*pubsub.RuleTriggeredEvent]) Option {
	return func(w *WorkflowAutomation) {
		w.events = topic
	}
}

// WithAuditLog records triggers in log instead of opening Config.AuditFile.
// The caller keeps ownership of log.
func WithAuditLog(log AuditLog) Option {
	return func(w *WorkflowAutomation) {
		w.audit = log
	}
}

// WithLimiter enforces max_triggers_per_hour with limiter.
func WithLimiter(limiter *ratelimit.KeyedLimiter) Option {
	return func(w *WorkflowAutomation) {
		w.limiter = limiter
	}
}

// AutomationStats counts engine activity since start.
type AutomationStats struct {
	ContentProcessed int64     `json:"content_processed"`
	RulesTriggered   int64     `json:"rules_triggered"`
	RulesFailed      int64     `json:"rules_failed"`
	StartTime        time.Time `json:"start_time"`
}

// RuntimeHours returns the time since StartTime in hours.
func (s AutomationStats) RuntimeHours(now time.Time) float64 {
	return now.Sub(s.StartTime).Hours()
}

// RuleSummary is a compact view of one rule's activity.
type RuleSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TriggerCount int64  `json:"trigger_count"`
}

// EngineStats is returned by Stats.
type EngineStats struct {
	TotalRules    int             `json:"total_rules"`
	EnabledRules  int             `json:"enabled_rules"`
	Stats         AutomationStats `json:"stats"`
	MostTriggered []RuleSummary   `json:"most_triggered"`
}

// RuleOutcome reports how one triggered rule's actions went.
type RuleOutcome struct {
	RuleID        string `json:"rule_id"`
	ActionsOK     int    `json:"actions_ok"`
	ActionsFailed int    `json:"actions_failed"`
}

// ProcessResult is returned by ProcessContent.
type ProcessResult struct {
	TriggeredRules []string        `json:"triggered_rules"`
	Context        *RuleContext    `json:"context"`
	Stats          AutomationStats `json:"stats"`
	Outcomes       []RuleOutcome   `json:"outcomes,omitempty"`
}

// WorkflowAutomation evaluates rules against processed content.
//
// Thread Safety: All methods are safe for concurrent use.
type WorkflowAutomation struct {
	cfg       Config
	store     *FileStore
	audit     AuditLog
	ownsAudit bool
	limiter   *ratelimit.KeyedLimiter
	env       *Env
	events    *pubsub.Topic[*pubsub.RuleTriggeredEvent]
	now       func() time.Time
	logger    *slog.Logger

	processMu sync.Mutex

	mu     sync.RWMutex
	rules  map[string]*Rule
	stats  AutomationStats
	closed bool
}

// New creates the engine and loads its rules.
func New(cfg Config, opts ...Option) (*WorkflowAutomation, error) {
	w := &WorkflowAutomation{
		cfg:    cfg,
		rules:  make(map[string]*Rule),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "automation")

	if w.limiter == nil {
		w.limiter = ratelimit.New(ratelimit.WithClock(w.now))
	}
	if w.env == nil {
		w.env = &Env{}
	}
	if w.env.Now == nil {
		w.env.Now = w.now
	}
	if w.env.Logger == nil {
		w.env.Logger = w.logger
	}
	w.stats.StartTime = w.now()

	if cfg.RulesFile != "" {
		w.store = NewFileStore(cfg.RulesFile)
	}

	if w.audit == nil && cfg.AuditFile != "" {
		audit, err := OpenBoltAuditLog(cfg.AuditFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		w.audit = audit
		w.ownsAudit = true
	}

	if err := w.initRules(); err != nil {
		w.closeAudit()
		return nil, err
	}
	return w, nil
}

func (w *WorkflowAutomation) initRules() error {
	if w.store == nil {
		if w.cfg.InstallDefaults {
			w.installDefaults()
		}
		return nil
	}

	rules, err := w.store.Load()
	switch {
	case err == nil:
		w.replaceRules(rules, false)
		w.logger.Info("rules loaded", "count", len(w.rules), "path", w.store.Path())
		return nil
	case errors.Is(err, os.ErrNotExist):
		w.logger.Info("no rules file, starting empty", "path", w.store.Path())
	default:
		w.logger.Error("rules file unreadable, starting empty", "path", w.store.Path(), "error", err)
	}

	if !w.cfg.InstallDefaults {
		return nil
	}
	w.installDefaults()
	if err := w.SaveRules(); err != nil {
		w.logger.Error("failed to save default rules", "error", err)
	}
	return nil
}

func (w *WorkflowAutomation) installDefaults() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range DefaultRules(w.now()) {
		w.rules[r.ID] = r
	}
	w.logger.Info("default rules installed", "count", len(w.rules))
}

// replaceRules swaps in rules, skipping invalid ones. With merge set, the
// newer trigger state of a rule that survives the swap is kept.
func (w *WorkflowAutomation) replaceRules(rules []*Rule, merge bool) {
	next := make(map[string]*Rule, len(rules))
	for i, r := range rules {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			w.logger.Warn("skipping invalid rule", "index", i, "rule_id", r.ID, "error", err)
			continue
		}
		if _, dup := next[r.ID]; dup {
			w.logger.Warn("skipping duplicate rule", "rule_id", r.ID)
			continue
		}
		next[r.ID] = r
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if merge {
		for id, r := range next {
			old, ok := w.rules[id]
			if !ok {
				continue
			}
			if old.TriggerCount > r.TriggerCount {
				r.TriggerCount = old.TriggerCount
			}
			if old.LastTriggered != nil && (r.LastTriggered == nil || old.LastTriggered.After(*r.LastTriggered)) {
				t := *old.LastTriggered
				r.LastTriggered = &t
			}
		}
	}
	w.rules = next
}

// AddRule validates and stores a copy of r, assigning an id and creation
// time when missing. It returns the rule id.
func (w *WorkflowAutomation) AddRule(r *Rule) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	rule := r.Clone()
	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = w.now()
	}
	if err := rule.Validate(); err != nil {
		return "", err
	}

	w.mu.Lock()
	if _, exists := w.rules[rule.ID]; exists {
		w.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}
	w.rules[rule.ID] = rule
	w.mu.Unlock()

	w.logger.Info("rule added", "rule_id", rule.ID, "rule_name", rule.Name)
	w.persist()
	return rule.ID, nil
}

// RemoveRule deletes a rule.
func (w *WorkflowAutomation) RemoveRule(id string) error {
	w.mu.Lock()
	if _, ok := w.rules[id]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(w.rules, id)
	w.mu.Unlock()

	w.limiter.Reset(id)
	w.logger.Info("rule removed", "rule_id", id)
	w.persist()
	return nil
}

// EnableRule turns a rule on.
func (w *WorkflowAutomation) EnableRule(id string) error {
	return w.setEnabled(id, true)
}

// DisableRule turns a rule off.
func (w *WorkflowAutomation) DisableRule(id string) error {
	return w.setEnabled(id, false)
}

func (w *WorkflowAutomation) setEnabled(id string, enabled bool) error {
	w.mu.Lock()
	r, ok := w.rules[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r.Enabled = enabled
	w.mu.Unlock()

	w.logger.Info("rule updated", "rule_id", id, "enabled", enabled)
	w.persist()
	return nil
}

// GetRule returns a copy of the rule with id.
func (w *WorkflowAutomation) GetRule(id string) (*Rule, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.rules[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Rules returns copies of every rule in evaluation order.
func (w *WorkflowAutomation) Rules() []*Rule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sortedUnsafe(false)
}

// sortedUnsafe returns cloned rules by priority desc, then creation time,
// then id. Caller must hold w.mu.
func (w *WorkflowAutomation) sortedUnsafe(enabledOnly bool) []*Rule {
	out := make([]*Rule, 0, len(w.rules))
	for _, r := range w.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ProcessContent evaluates every enabled rule against the content and runs
// the actions of those that trigger.
func (w *WorkflowAutomation) ProcessContent(ctx context.Context, content string, ct models.ContentType, sourceApp string) ProcessResult {
	w.processMu.Lock()
	defer w.processMu.Unlock()

	now := w.now()
	rc := NewRuleContext(content, ct, sourceApp, now)
	result := ProcessResult{TriggeredRules: []string{}, Context: rc}

	w.mu.Lock()
	w.stats.ContentProcessed++
	candidates := w.sortedUnsafe(true)
	w.mu.Unlock()

	var contentHash string
	for _, rule := range candidates {
		if ctx.Err() != nil {
			w.logger.Warn("content processing cancelled", "error", ctx.Err())
			break
		}
		if !rule.ShouldTrigger(rc, now) {
			continue
		}
		if rule.MaxTriggersPerHour != nil && !w.limiter.AllowPerHour(rule.ID, *rule.MaxTriggersPerHour) {
			w.logger.Debug("rule over hourly cap", "rule_id", rule.ID, "max_per_hour", *rule.MaxTriggersPerHour)
			continue
		}

		outcome := w.trigger(ctx, rule, rc)
		result.TriggeredRules = append(result.TriggeredRules, rule.ID)
		result.Outcomes = append(result.Outcomes, outcome)

		if contentHash == "" {
			contentHash = utils.ContentHash(content)
		}
		w.record(ctx, rule, rc, outcome, contentHash)
	}

	w.mu.RLock()
	result.Stats = w.stats
	w.mu.RUnlock()
	return result
}

// trigger runs rule's actions in order and updates the live rule.
func (w *WorkflowAutomation) trigger(ctx context.Context, rule *Rule, rc *RuleContext) RuleOutcome {
	outcome := RuleOutcome{RuleID: rule.ID}
	for _, action := range rule.Actions {
		if action.Execute(ctx, rc, w.env) {
			outcome.ActionsOK++
		} else {
			outcome.ActionsFailed++
		}
	}

	done := w.now()
	w.mu.Lock()
	if live, ok := w.rules[rule.ID]; ok {
		live.markTriggered(done)
	}
	w.stats.RulesTriggered++
	if outcome.ActionsFailed > 0 {
		w.stats.RulesFailed++
	}
	w.mu.Unlock()

	if outcome.ActionsFailed > 0 {
		w.logger.Warn("rule triggered with failed actions",
			"rule_id", rule.ID,
			"actions_ok", outcome.ActionsOK,
			"actions_failed", outcome.ActionsFailed,
		)
	} else {
		w.logger.Info("rule triggered", "rule_id", rule.ID, "rule_name", rule.Name)
	}
	return outcome
}

func (w *WorkflowAutomation) record(ctx context.Context, rule *Rule, rc *RuleContext, outcome RuleOutcome, contentHash string) {
	requestID := pubsub.NewRequestID()
	at := w.now()

	if w.audit != nil {
		err := w.audit.Insert(AuditRecord{
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			ContentType:   string(rc.ContentType),
			SourceApp:     rc.SourceApp,
			ContentHash:   contentHash,
			ActionsOK:     outcome.ActionsOK,
			ActionsFailed: outcome.ActionsFailed,
			TriggeredAt:   at,
			RequestID:     requestID,
		})
		if err != nil {
			w.logger.Error("failed to record trigger", "rule_id", rule.ID, "error", err)
		}
	}

	if w.events != nil {
		_, err := w.events.Publish(ctx, &pubsub.RuleTriggeredEvent{
			Version:       pubsub.EventVersion1,
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			ContentType:   string(rc.ContentType),
			SourceApp:     rc.SourceApp,
			ActionsOK:     outcome.ActionsOK,
			ActionsFailed: outcome.ActionsFailed,
			TriggeredAt:   at,
			RequestID:     requestID,
		})
		if err != nil {
			w.logger.Warn("failed to publish rule event", "rule_id", rule.ID, "error", err)
		}
	}
}

// SaveRules writes every rule to the rules file.
func (w *WorkflowAutomation) SaveRules() error {
	if w.store == nil {
		return nil
	}
	w.mu.RLock()
	rules := w.sortedUnsafe(false)
	w.mu.RUnlock()
	return w.store.Save(rules)
}

// persist saves after a structural change. Failures are logged only.
func (w *WorkflowAutomation) persist() {
	if err := w.SaveRules(); err != nil {
		w.logger.Error("failed to save rules", "error", err)
	}
}

// LoadRules replaces the in-memory rules with the file's contents.
func (w *WorkflowAutomation) LoadRules() error {
	if w.store == nil {
		return nil
	}
	rules, err := w.store.Load()
	if err != nil {
		return err
	}
	w.replaceRules(rules, false)
	w.logger.Info("rules loaded", "count", len(rules), "path", w.store.Path())
	return nil
}

// Reload re-reads the rules file after an external edit, keeping runtime
// trigger state for rules that still exist. It does nothing when the file
// is unchanged since the engine last read or wrote it, and keeps the
// current rules when the file is missing or unreadable.
func (w *WorkflowAutomation) Reload() error {
	if w.store == nil || !w.store.Changed() {
		return nil
	}
	rules, err := w.store.Load()
	if err != nil {
		w.logger.Warn("rules reload failed, keeping current rules", "error", err)
		return err
	}
	w.replaceRules(rules, true)
	w.logger.Info("rules reloaded", "count", len(rules), "path", w.store.Path())
	return nil
}

// RulesFile returns the rules file path, or "" when rules are in memory only.
func (w *WorkflowAutomation) RulesFile() string {
	if w.store == nil {
		return ""
	}
	return w.store.Path()
}

// Stats returns rule counts, activity counters and the most triggered rules.
func (w *WorkflowAutomation) Stats() EngineStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := EngineStats{
		TotalRules: len(w.rules),
		Stats:      w.stats,
	}
	summaries := make([]RuleSummary, 0, len(w.rules))
	for _, r := range w.rules {
		if r.Enabled {
			out.EnabledRules++
		}
		summaries = append(summaries, RuleSummary{ID: r.ID, Name: r.Name, TriggerCount: r.TriggerCount})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].TriggerCount != summaries[j].TriggerCount {
			return summaries[i].TriggerCount > summaries[j].TriggerCount
		}
		return summaries[i].ID < summaries[j].ID
	})
	if len(summaries) > mostTriggeredLimit {
		summaries = summaries[:mostTriggeredLimit]
	}
	out.MostTriggered = summaries
	return out
}

// History returns up to limit recorded triggers, newest first, optionally
// for one rule. Without an audit log it returns nil.
func (w *WorkflowAutomation) History(limit int, ruleID string) ([]AuditRecord, error) {
	if w.audit == nil {
		return nil, nil
	}
	return w.audit.Recent(limit, ruleID)
}

// PruneHistory drops audit records older than maxAge.
func (w *WorkflowAutomation) PruneHistory(maxAge time.Duration) (int, error) {
	if w.audit == nil {
		return 0, nil
	}
	n, err := w.audit.Cleanup(w.now().Add(-maxAge))
	if err != nil {
		return n, err
	}
	if n > 0 {
		w.logger.Info("audit history pruned", "removed", n)
	}
	return n, nil
}

// Close saves rules, including trigger state, and closes the audit log if
// the engine opened it.
func (w *WorkflowAutomation) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.SaveRules()
	return errors.Join(err, w.closeAudit())
}

func (w *WorkflowAutomation) closeAudit() error {
	if !w.ownsAudit || w.audit == nil {
		return nil
	}
	return w.audit.Close()
}

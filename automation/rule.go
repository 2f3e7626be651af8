package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuleState is the lifecycle state of a rule at a point in time.
type RuleState string

const (
	StateDisabled    RuleState = "disabled"
	StateCoolingDown RuleState = "cooling_down"
	StateReady       RuleState = "ready"
)

// Rule fires its actions, in order, when every condition holds and its
// cooldown has elapsed.
type Rule struct {
	ID                 string      `json:"id" validate:"required,max=128"`
	Name               string      `json:"name" validate:"required,max=256"`
	Description        string      `json:"description"`
	Conditions         []Condition `json:"conditions" validate:"dive"`
	Actions            []Action    `json:"actions" validate:"dive"`
	Enabled            bool        `json:"enabled"`
	Priority           int         `json:"priority"`
	CreatedAt          time.Time   `json:"created_at"`
	LastTriggered      *time.Time  `json:"last_triggered"`
	TriggerCount       int64       `json:"trigger_count" validate:"gte=0"`
	CooldownSeconds    float64     `json:"cooldown_seconds" validate:"gte=0"`
	MaxTriggersPerHour *int        `json:"max_triggers_per_hour,omitempty" validate:"omitempty,gte=1"`
}

// UnmarshalJSON defaults Enabled to true.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	aux := alias{Enabled: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Rule(aux)
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every condition and action is
// well formed.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	var errs []error
	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			errs = append(errs, fmt.Errorf("condition %d: %w", i, err))
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			errs = append(errs, fmt.Errorf("action %d: unknown action type %q", i, a.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}

// Cooldown returns the minimum gap between two triggers.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds * float64(time.Second))
}

// State reports the rule's state at now.
func (r *Rule) State(now time.Time) RuleState {
	switch {
	case !r.Enabled:
		return StateDisabled
	case r.coolingDown(now):
		return StateCoolingDown
	default:
		return StateReady
	}
}

func (r *Rule) coolingDown(now time.Time) bool {
	if r.LastTriggered == nil || r.CooldownSeconds <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggered) < r.Cooldown()
}

// ShouldTrigger reports whether the rule is ready at now and every
// condition holds for rc. A rule with no conditions always matches.
func (r *Rule) ShouldTrigger(rc *RuleContext, now time.Time) bool {
	if r.State(now) != StateReady {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Evaluate(rc) {
			return false
		}
	}
	return true
}

// markTriggered moves the rule into cooldown.
func (r *Rule) markTriggered(now time.Time) {
	t := now
	r.LastTriggered = &t
	r.TriggerCount++
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	out := *r
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		out.Actions[i] = a
		if a.Parameters != nil {
			params := make(map[string]any, len(a.Parameters))
			for k, v := range a.Parameters {
				params[k] = v
			}
			out.Actions[i].Parameters = params
		}
	}
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		out.LastTriggered = &t
	}
	if r.MaxTriggersPerHour != nil {
		n := *r.MaxTriggersPerHour
		out.MaxTriggersPerHour = &n
	}
	return &out
}

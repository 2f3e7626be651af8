package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smartpaste/smartpaste/pkg/utils"
)

// ConditionType names what a Condition inspects.
type ConditionType string

const (
	ConditionContentMatches    ConditionType = "content_matches"
	ConditionContentContains   ConditionType = "content_contains"
	ConditionContentType       ConditionType = "content_type"
	ConditionContentLength     ConditionType = "content_length"
	ConditionTimeRange         ConditionType = "time_range"
	ConditionDayOfWeek         ConditionType = "day_of_week"
	ConditionFrequency         ConditionType = "frequency"
	ConditionPatternRegex      ConditionType = "pattern_regex"
	ConditionSourceApplication ConditionType = "source_application"
	ConditionUserDefined       ConditionType = "user_defined"
)

// Valid reports whether t is a known condition type. Frequency and
// user-defined conditions are accepted in rule files but never match.
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionContentMatches, ConditionContentContains, ConditionContentType,
		ConditionContentLength, ConditionTimeRange, ConditionDayOfWeek,
		ConditionFrequency, ConditionPatternRegex, ConditionSourceApplication,
		ConditionUserDefined:
		return true
	}
	return false
}

// Comparison operators.
const (
	OpEquals         = "equals"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpGlob           = "glob"
)

// maxPatternLength bounds regex and glob patterns loaded from rule files.
const maxPatternLength = 1000

// Condition is a single predicate over a RuleContext. Value holds decoded
// JSON: a string, a number, or a list, depending on Type.
type Condition struct {
	Type          ConditionType `json:"type" validate:"required"`
	Value         any           `json:"value"`
	Operator      string        `json:"operator,omitempty"`
	CaseSensitive bool          `json:"case_sensitive"`
}

// UnmarshalJSON defaults Operator to "equals".
func (c *Condition) UnmarshalJSON(data []byte) error {
	type alias Condition
	aux := alias{Operator: OpEquals}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Condition(aux)
	return nil
}

// Evaluate reports whether the condition holds for rc. It has no side
// effects; unsupported types and malformed values evaluate to false.
func (c Condition) Evaluate(rc *RuleContext) bool {
	if rc == nil {
		return false
	}

	switch c.Type {
	case ConditionContentContains:
		needle := toString(c.Value)
		if c.CaseSensitive {
			return strings.Contains(rc.Content, needle)
		}
		return strings.Contains(strings.ToLower(rc.Content), strings.ToLower(needle))

	case ConditionContentMatches:
		return c.matchText(rc.Content)

	case ConditionContentType:
		return strings.EqualFold(string(rc.ContentType), toString(c.Value))

	case ConditionContentLength:
		want, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		return compare(float64(rc.ContentLength), want, c.Operator)

	case ConditionPatternRegex:
		re, err := utils.CompileRegex(toString(c.Value), c.CaseSensitive)
		if err != nil {
			return false
		}
		return re.MatchString(rc.Content)

	case ConditionTimeRange:
		return inTimeRange(rc.Timestamp, c.Value)

	case ConditionDayOfWeek:
		return onDay(rc.Timestamp, c.Value)

	case ConditionSourceApplication:
		return c.matchText(rc.SourceApp)
	}
	return false
}

func (c Condition) matchText(s string) bool {
	want := toString(c.Value)
	if c.Operator == OpGlob {
		ok, err := utils.MatchGlob(want, s)
		return err == nil && ok
	}
	if c.CaseSensitive {
		return s == want
	}
	return strings.EqualFold(s, want)
}

// validate checks that Value has the shape Type needs.
func (c Condition) validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}

	switch c.Type {
	case ConditionPatternRegex:
		pattern := toString(c.Value)
		if pattern == "" {
			return errors.New("pattern_regex needs a pattern")
		}
		if len(pattern) > maxPatternLength {
			return fmt.Errorf("pattern longer than %d characters", maxPatternLength)
		}
		if _, err := utils.CompileRegex(pattern, c.CaseSensitive); err != nil {
			return err
		}
	case ConditionContentLength:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("content_length needs a number, got %T", c.Value)
		}
		switch c.Operator {
		case "", OpEquals, OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		default:
			return fmt.Errorf("unsupported operator %q", c.Operator)
		}
	case ConditionTimeRange:
		if _, _, err := parseTimeRange(c.Value); err != nil {
			return err
		}
	case ConditionDayOfWeek:
		if _, err := parseDays(c.Value); err != nil {
			return err
		}
	case ConditionContentMatches, ConditionSourceApplication:
		if c.Operator == OpGlob && len(toString(c.Value)) > maxPatternLength {
			return fmt.Errorf("pattern longer than %d characters", maxPatternLength)
		}
	}
	return nil
}

func compare(got, want float64, op string) bool {
	switch op {
	case OpGreaterThan:
		return got > want
	case OpLessThan:
		return got < want
	case OpGreaterOrEqual:
		return got >= want
	case OpLessOrEqual:
		return got <= want
	default:
		return got == want
	}
}

// inTimeRange expects ["HH:MM", "HH:MM"]. A range whose start is after its
// end wraps past midnight.
func inTimeRange(now time.Time, value any) bool {
	start, end, err := parseTimeRange(value)
	if err != nil {
		return false
	}
	t := secondsOfDay(now)
	if start <= end {
		return start <= t && t <= end
	}
	return t >= start || t <= end
}

func parseTimeRange(value any) (int, int, error) {
	bounds, ok := toStringSlice(value)
	if !ok || len(bounds) != 2 {
		return 0, 0, errors.New(`time_range needs ["HH:MM", "HH:MM"]`)
	}
	start, err := parseClock(bounds[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(bounds[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return secondsOfDay(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func secondsOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

var dayNames = map[string]int{
	"monday": 0, "mon": 0,
	"tuesday": 1, "tue": 1,
	"wednesday": 2, "wed": 2,
	"thursday": 3, "thu": 3,
	"friday": 4, "fri": 4,
	"saturday": 5, "sat": 5,
	"sunday": 6, "sun": 6,
}

// onDay expects a day index (0=Monday .. 6=Sunday), a day name, or a list
// of either.
func onDay(now time.Time, value any) bool {
	days, err := parseDays(value)
	if err != nil {
		return false
	}
	today := (int(now.Weekday()) + 6) % 7
	for _, d := range days {
		if d == today {
			return true
		}
	}
	return false
}

func parseDays(value any) ([]int, error) {
	items, ok := value.([]any)
	if !ok {
		switch v := value.(type) {
		case []int:
			items = make([]any, len(v))
			for i, d := range v {
				items[i] = d
			}
		case []string:
			items = make([]any, len(v))
			for i, d := range v {
				items[i] = d
			}
		default:
			items = []any{value}
		}
	}

	days := make([]int, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			d, known := dayNames[strings.ToLower(strings.TrimSpace(s))]
			if !known {
				return nil, fmt.Errorf("unknown day %q", s)
			}
			days = append(days, d)
			continue
		}
		f, ok := toFloat(item)
		if !ok || f < 0 || f > 6 || f != float64(int(f)) {
			return nil, fmt.Errorf("invalid day %v", item)
		}
		days = append(days, int(f))
	}
	return days, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

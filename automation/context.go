package automation

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/smartpaste/smartpaste/pkg/models"
)

// Layouts used by the {timestamp}, {date} and {time} placeholders.
const (
	TimestampLayout = "2006-01-02 15:04:05"
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05"
)

// RuleContext is what conditions inspect and actions act on for one piece
// of content. Actions may add TransformedContent, which later actions and
// later rules in the same pass can see.
type RuleContext struct {
	Content            string             `json:"content"`
	ContentType        models.ContentType `json:"content_type"`
	SourceApp          string             `json:"source_app,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
	ContentLength      int                `json:"content_length"`
	TransformedContent string             `json:"transformed_content,omitempty"`
	Vars               map[string]string  `json:"vars,omitempty"`
}

// NewRuleContext builds the context for content observed at now.
func NewRuleContext(content string, ct models.ContentType, sourceApp string, now time.Time) *RuleContext {
	return &RuleContext{
		Content:       content,
		ContentType:   ct,
		SourceApp:     sourceApp,
		Timestamp:     now,
		ContentLength: utf8.RuneCountInString(content),
	}
}

// Expand substitutes {content}, {content_type}, {source_app},
// {content_length}, {transformed_content}, {timestamp}, {date}, {time} and
// any {var} from Vars. Unknown placeholders are left as they are.
func (rc *RuleContext) Expand(template string, now time.Time) string {
	if !strings.Contains(template, "{") {
		return template
	}

	pairs := []string{
		"{content}", rc.Content,
		"{content_type}", string(rc.ContentType),
		"{source_app}", rc.SourceApp,
		"{content_length}", strconv.Itoa(rc.ContentLength),
		"{transformed_content}", rc.TransformedContent,
		"{timestamp}", now.Format(TimestampLayout),
		"{date}", now.Format(DateLayout),
		"{time}", now.Format(TimeLayout),
	}
	for k, v := range rc.Vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/smartpaste/smartpaste/pkg/utils"
)

// ActionType names what an Action does.
type ActionType string

const (
	ActionCopyToClipboard  ActionType = "copy_to_clipboard"
	ActionSaveToFile       ActionType = "save_to_file"
	ActionAppendToFile     ActionType = "append_to_file"
	ActionExecuteCommand   ActionType = "execute_command"
	ActionSendNotification ActionType = "send_notification"
	ActionTransformContent ActionType = "transform_content"
	ActionTriggerWebhook   ActionType = "trigger_webhook"
	ActionOpenURL          ActionType = "open_url"
	ActionCreateTodo       ActionType = "create_todo"
	ActionSendEmail        ActionType = "send_email"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCopyToClipboard, ActionSaveToFile, ActionAppendToFile,
		ActionExecuteCommand, ActionSendNotification, ActionTransformContent,
		ActionTriggerWebhook, ActionOpenURL, ActionCreateTodo, ActionSendEmail:
		return true
	}
	return false
}

// Transformations understood by transform_content.
const (
	TransformUppercase        = "uppercase"
	TransformLowercase        = "lowercase"
	TransformTitleCase        = "title_case"
	TransformRemoveWhitespace = "remove_whitespace"
	TransformExtractURLs      = "extract_urls"
	TransformExtractEmails    = "extract_emails"
)

const (
	defaultSaveFile        = "smartpaste_output.txt"
	defaultAppendFile      = "smartpaste_log.txt"
	defaultTodoFile        = "smartpaste_todos.txt"
	defaultNotifyTitle     = "SmartPaste"
	defaultNotifyMessage   = "Content processed"
	defaultNotifyTimeout   = 5 * time.Second
	defaultWebhookTimeout  = 10 * time.Second
	webhookUserAgent       = "smartpaste-automation/1"
	maxWebhookResponseBody = 64 << 10
)

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"']+`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Action is one step a rule performs when it fires.
type Action struct {
	Type         ActionType     `json:"type" validate:"required"`
	Parameters   map[string]any `json:"parameters"`
	DelaySeconds float64        `json:"delay_seconds" validate:"gte=0"`
	Enabled      bool           `json:"enabled"`
}

// UnmarshalJSON defaults Enabled to true.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	aux := alias{Enabled: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Action(aux)
	return nil
}

// Clipboard writes text to the system clipboard.
type Clipboard interface {
	WriteText(text string) error
}

// Notifier shows a desktop notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string, timeout time.Duration) error
}

// URLOpener opens a URL in the user's browser.
type URLOpener interface {
	OpenURL(ctx context.Context, url string) error
}

// Env holds the side-effect ports actions use. A nil Clipboard or URLOpener
// makes the matching action fail; a nil Notifier logs the notification.
type Env struct {
	Clipboard  Clipboard
	Notifier   Notifier
	URLOpener  URLOpener
	HTTPClient *http.Client

	// BaseDir resolves relative file paths. Empty means the working directory.
	BaseDir string

	Now    func() time.Time
	Logger *slog.Logger
}

func (e *Env) now() time.Time {
	if e == nil || e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) path(p string) string {
	if e == nil || e.BaseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.BaseDir, p)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification at info level.
func (n LogNotifier) Notify(_ context.Context, title, message string, _ time.Duration) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", title, "message", message)
	return nil
}

// Execute runs the action. A disabled action succeeds without doing
// anything. Failures and panics are logged and reported as false.
func (a Action) Execute(ctx context.Context, rc *RuleContext, env *Env) (ok bool) {
	if !a.Enabled {
		return true
	}
	logger := env.logger().With("action", a.Type)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("action panicked", "panic", r)
			ok = false
		}
	}()

	if a.DelaySeconds > 0 {
		timer := time.NewTimer(time.Duration(a.DelaySeconds * float64(time.Second)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("action cancelled during delay", "error", ctx.Err())
			return false
		}
	}

	if err := a.run(ctx, rc, env); err != nil {
		logger.Error("action failed", "error", err)
		return false
	}
	return true
}

func (a Action) run(ctx context.Context, rc *RuleContext, env *Env) error {
	now := env.now()

	switch a.Type {
	case ActionCopyToClipboard:
		if env == nil || env.Clipboard == nil {
			return errors.New("no clipboard available")
		}
		return env.Clipboard.WriteText(rc.Expand(a.param("content", rc.Content), now))

	case ActionSaveToFile:
		path := env.path(rc.Expand(a.param("file_path", defaultSaveFile), now))
		content := rc.Expand(a.param("content", rc.Content), now)
		return writeFile(path, content, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)

	case ActionAppendToFile:
		path := env.path(rc.Expand(a.param("file_path", defaultAppendFile), now))
		content := rc.Expand(a.param("content", rc.Content), now)
		return writeFile(path, content+"\n", os.O_CREATE|os.O_WRONLY|os.O_APPEND)

	case ActionCreateTodo:
		path := env.path(rc.Expand(a.param("todo_file", defaultTodoFile), now))
		text := rc.Expand(a.param("text", rc.Content), now)
		line := fmt.Sprintf("[%s] TODO: %s\n", now.Format(TimestampLayout), text)
		return writeFile(path, line, os.O_CREATE|os.O_WRONLY|os.O_APPEND)

	case ActionSendNotification:
		title := rc.Expand(a.param("title", defaultNotifyTitle), now)
		message := rc.Expand(a.param("message", defaultNotifyMessage), now)
		timeout := a.paramDuration("timeout", defaultNotifyTimeout)
		var notifier Notifier = LogNotifier{Logger: env.logger()}
		if env != nil && env.Notifier != nil {
			notifier = env.Notifier
		}
		return notifier.Notify(ctx, title, message, timeout)

	case ActionTransformContent:
		out, err := a.transform(rc.Content)
		if err != nil {
			return err
		}
		rc.TransformedContent = out
		return nil

	case ActionOpenURL:
		if env == nil || env.URLOpener == nil {
			return errors.New("no url opener available")
		}
		return env.URLOpener.OpenURL(ctx, rc.Expand(a.param("url", rc.Content), now))

	case ActionTriggerWebhook:
		return a.webhook(ctx, rc, env, now)

	case ActionExecuteCommand, ActionSendEmail:
		env.logger().Debug("action not implemented, skipping", "action", a.Type)
		return nil
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

func (a Action) transform(content string) (string, error) {
	switch mode := a.param("transformation", TransformUppercase); mode {
	case TransformUppercase:
		return strings.ToUpper(content), nil
	case TransformLowercase:
		return strings.ToLower(content), nil
	case TransformTitleCase:
		return titleCase(content), nil
	case TransformRemoveWhitespace:
		return strings.TrimSpace(spacePattern.ReplaceAllString(content, " ")), nil
	case TransformExtractURLs:
		return strings.Join(urlPattern.FindAllString(content, -1), "\n"), nil
	case TransformExtractEmails:
		return strings.Join(emailPattern.FindAllString(content, -1), "\n"), nil
	default:
		pattern, hasPattern := a.Parameters["regex_pattern"]
		replacement, hasReplacement := a.Parameters["replacement"]
		if !hasPattern || !hasReplacement {
			return content, nil
		}
		re, err := utils.CompileRegex(toString(pattern), true)
		if err != nil {
			return "", fmt.Errorf("invalid regex_pattern: %w", err)
		}
		return re.ReplaceAllString(content, toString(replacement)), nil
	}
}

// webhookPayload is the JSON body posted by trigger_webhook.
type webhookPayload struct {
	Event   string       `json:"event"`
	SentAt  time.Time    `json:"sent_at"`
	Context *RuleContext `json:"context"`
}

func (a Action) webhook(ctx context.Context, rc *RuleContext, env *Env, now time.Time) error {
	url := rc.Expand(a.param("url", ""), now)
	if url == "" {
		return errors.New("trigger_webhook needs a url")
	}
	method := strings.ToUpper(a.param("method", http.MethodPost))

	body, err := json.Marshal(webhookPayload{
		Event:   "smartpaste.rule_triggered",
		SentAt:  now,
		Context: rc,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.paramDuration("timeout", defaultWebhookTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if headers, ok := a.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, rc.Expand(toString(v), now))
		}
	}

	client := http.DefaultClient
	if env != nil && env.HTTPClient != nil {
		client = env.HTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxWebhookResponseBody))
	return nil
}

func (a Action) param(key, def string) string {
	v, ok := a.Parameters[key]
	if !ok || v == nil {
		return def
	}
	return toString(v)
}

// paramDuration reads a number of seconds.
func (a Action) paramDuration(key string, def time.Duration) time.Duration {
	v, ok := a.Parameters[key]
	if !ok {
		return def
	}
	secs, ok := toFloat(v)
	if !ok || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func writeFile(path, content string, flag int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		prevLetter = false
		b.WriteRune(r)
	}
	return b.String()
}

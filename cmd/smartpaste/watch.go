package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartpaste/smartpaste/app"
	"github.com/smartpaste/smartpaste/automation"
	"github.com/smartpaste/smartpaste/processor"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	maxClipBytes        = 4 << 20
)

type watchOptions struct {
	pasteCmd  string
	copyCmd   string
	openCmd   string
	interval  time.Duration
	sourceApp string
	jsonInput bool
	quiet     bool
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process clipboard changes until interrupted",
		Long: strings.TrimSpace(`Poll the clipboard through --paste-cmd and process every new value.
Without --paste-cmd, clips are read from stdin one per line (or as JSON
objects with --json). Each outcome is printed as a JSON line.`),
		Example: strings.Join([]string{
			"  smartpaste watch --paste-cmd pbpaste --copy-cmd pbcopy",
			"  smartpaste watch --paste-cmd 'xclip -o -selection clipboard' --open-cmd xdg-open",
			"  tail -f clips.log | smartpaste watch --source terminal",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, root, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.pasteCmd, "paste-cmd", "", "Command that prints the clipboard contents")
	flags.StringVar(&opts.copyCmd, "copy-cmd", "", "Command that reads new clipboard contents from stdin")
	flags.StringVar(&opts.openCmd, "open-cmd", "", "Command used to open URLs")
	flags.DurationVar(&opts.interval, "interval", defaultPollInterval, "Clipboard poll interval")
	flags.StringVar(&opts.sourceApp, "source", "", "Source application recorded with each clip")
	flags.BoolVar(&opts.jsonInput, "json", false, "Read stdin as JSON lines of {\"content\", \"source_app\"}")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print outcomes")

	return cmd
}

func runWatch(ctx context.Context, root *rootOptions, opts *watchOptions, in io.Reader, out io.Writer) error {
	env := &automation.Env{}
	var clip *commandClipboard
	if opts.pasteCmd != "" {
		clip = &commandClipboard{
			paste: strings.Fields(opts.pasteCmd),
			copy:  strings.Fields(opts.copyCmd),
		}
		if opts.copyCmd != "" {
			env.Clipboard = clip
		}
	}
	if opts.openCmd != "" {
		env.URLOpener = commandOpener{args: strings.Fields(opts.openCmd)}
	}

	sess, err := root.openSession(ctx, longRunning, env)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			sess.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	var mu sync.Mutex
	handle := func(c app.Clip) error {
		outcome, err := sess.reg.Pipeline().Handle(ctx, c)
		switch {
		case errors.Is(err, app.ErrEmptyContent):
			return nil
		case errors.Is(err, app.ErrContentTooLarge), errors.Is(err, processor.ErrQueueFull):
			sess.logger.Warn("clip skipped", "error", err)
			return nil
		case err != nil:
			return err
		}
		if opts.quiet {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		return writeJSON(out, outcome, false)
	}

	if clip != nil {
		sess.logger.Info("watching clipboard", "paste_cmd", opts.pasteCmd, "interval", opts.interval)
		return clip.Watch(ctx, opts.interval, sess.logger, func(content string) error {
			return handle(app.Clip{Content: content, SourceApp: opts.sourceApp})
		})
	}

	sess.logger.Info("reading clips from stdin", "json", opts.jsonInput)
	err = readClips(ctx, in, opts.jsonInput, opts.sourceApp, handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readClips calls fn for every clip read from r until EOF or ctx is done.
// Plain lines have their "\n" escape sequences expanded.
func readClips(ctx context.Context, r io.Reader, jsonLines bool, sourceApp string, fn func(app.Clip) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxClipBytes)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		clip := app.Clip{SourceApp: sourceApp}
		if jsonLines {
			if err := json.Unmarshal([]byte(line), &clip); err != nil {
				return fmt.Errorf("invalid clip %q: %w", truncate(line, 40), err)
			}
			if clip.SourceApp == "" {
				clip.SourceApp = sourceApp
			}
		} else {
			clip.Content = strings.ReplaceAll(line, `\n`, "\n")
		}

		if err := fn(clip); err != nil {
			return err
		}
	}
	return sc.Err()
}

// commandClipboard reads and writes the clipboard through external commands
// such as pbpaste/pbcopy or xclip.
type commandClipboard struct {
	paste []string
	copy  []string

	mu   sync.Mutex
	last string
}

// WriteText pipes text into the copy command. The written text is not
// reported back as a new clip.
func (c *commandClipboard) WriteText(text string) error {
	if len(c.copy) == 0 {
		return errors.New("no copy command configured")
	}
	cmd := exec.Command(c.copy[0], c.copy[1:]...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.copy[0], err, bytes.TrimSpace(out))
	}

	c.mu.Lock()
	c.last = text
	c.mu.Unlock()
	return nil
}

func (c *commandClipboard) read(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, c.paste[0], c.paste[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.paste[0], err)
	}
	return string(out), nil
}

// Watch polls the clipboard every interval and calls fn with each value
// that differs from the previous one. The value present at start is
// skipped.
func (c *commandClipboard) Watch(ctx context.Context, interval time.Duration, logger *slog.Logger, fn func(string) error) error {
	return c.watch(ctx, interval, logger, c.read, fn)
}

func (c *commandClipboard) watch(ctx context.Context, interval time.Duration, logger *slog.Logger, read func(context.Context) (string, error), fn func(string) error) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if initial, err := read(ctx); err == nil {
		c.mu.Lock()
		c.last = initial
		c.mu.Unlock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		content, err := read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Debug("clipboard read failed", "error", err)
			continue
		}

		c.mu.Lock()
		changed := content != c.last
		c.last = content
		c.mu.Unlock()
		if !changed {
			continue
		}

		if err := fn(content); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// commandOpener opens URLs with an external command such as xdg-open.
type commandOpener struct {
	args []string
}

func (o commandOpener) OpenURL(ctx context.Context, url string) error {
	args := append(append([]string(nil), o.args[1:]...), url)
	return exec.CommandContext(ctx, o.args[0], args...).Run()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpaste/smartpaste/app"
	"github.com/smartpaste/smartpaste/automation"
	"github.com/smartpaste/smartpaste/pkg/config"
	"github.com/smartpaste/smartpaste/pkg/logging"
)

func writeTestConfig(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Processor.MaxWorkers = 2
	cfg.Automation.RulesFile = filepath.Join(dir, "rules.json")
	cfg.Automation.AuditFile = filepath.Join(dir, "audit.db")
	cfg.Logging.Output = filepath.Join(dir, "smartpaste.log")

	path = filepath.Join(dir, "config.json")
	require.NoError(t, config.Save(path, cfg))
	return dir, path
}

func runCLI(stdin string, args ...string) (string, error) {
	root := buildRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProcessCommand(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)

	out, err := runCLI("", "--config", cfgPath, "--base-dir", dir, "process", "42")
	require.NoError(t, err, out)

	var outcome map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, "number", outcome["content_type"])
	assert.Equal(t, false, outcome["from_cache"])
	result, ok := outcome["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.0, result["value"])

	out, err = runCLI("42", "--config", cfgPath, "--base-dir", dir, "process", "-")
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, true, outcome["from_cache"])

	_, err = runCLI("", "--config", cfgPath, "process", "   ")
	assert.ErrorIs(t, err, app.ErrEmptyContent)
}

func TestCacheCommands(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)

	_, err := runCLI("", "--config", cfgPath, "--base-dir", dir, "process", "hello there, general kenobi")
	require.NoError(t, err)

	out, err := runCLI("", "--config", cfgPath, "cache", "stats")
	require.NoError(t, err, out)
	var report cacheReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Content.DiskFiles)
	assert.Equal(t, filepath.Join(dir, "cache"), report.Content.Dir)

	out, err = runCLI("", "--config", cfgPath, "cache", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 expired entries\n", out)

	out, err = runCLI("", "--config", cfgPath, "cache", "clear")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 entries\n", out)
}

func TestRulesCommands(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	base := []string{"--config", cfgPath, "--base-dir", dir}
	run := func(stdin string, args ...string) (string, error) {
		return runCLI(stdin, append(append([]string(nil), base...), args...)...)
	}

	out, err := run("", "rules", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.True(t, strings.HasPrefix(lines[1], "emergency_alert"), lines[1])

	out, err = run("", "rules", "disable", "auto_save_urls")
	require.NoError(t, err)
	assert.Equal(t, "disabled rule auto_save_urls\n", out)

	out, err = run("", "rules", "list", "--json")
	require.NoError(t, err)
	var rules []automation.Rule
	require.NoError(t, json.Unmarshal([]byte(out), &rules))
	for _, r := range rules {
		if r.ID == "auto_save_urls" {
			assert.False(t, r.Enabled)
		}
	}

	_, err = run("", "rules", "remove", "no_such_rule")
	assert.ErrorIs(t, err, automation.ErrRuleNotFound)

	rule := `{"id":"shout","name":"Shout","conditions":[{"type":"content_type","value":"text"}],"actions":[{"type":"append_to_file","parameters":{"file_path":"shout.txt"}}]}`
	out, err = run(rule, "rules", "add", "-")
	require.NoError(t, err)
	assert.Equal(t, "added rule shout\n", out)

	_, err = run("", "process", "quiet words here")
	require.NoError(t, err)

	out, err = run("", "rules", "history", "--json", "--rule", "shout")
	require.NoError(t, err)
	var history []automation.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "text", history[0].ContentType)
	assert.Equal(t, "cli", history[0].SourceApp)
	assert.Equal(t, 1, history[0].ActionsOK)
}

func TestConfigCommands(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)

	out, err := runCLI("", "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.Cache.Dir)

	_, err = runCLI("", "--config", cfgPath, "config", "init")
	assert.Error(t, err)

	fresh := filepath.Join(dir, "nested", "fresh.json")
	out, err = runCLI("", "--config", fresh, "config", "init")
	require.NoError(t, err)
	assert.Equal(t, "wrote "+fresh+"\n", out)

	loaded, err := config.Load(fresh)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Cache.Dir, loaded.Cache.Dir)
}

func TestWatchCommand_Stdin(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)

	out, err := runCLI("42\n\nhello world\n", "--config", cfgPath, "--base-dir", dir, "watch", "--source", "terminal")
	require.NoError(t, err)

	var types []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var outcome app.Outcome
		require.NoError(t, json.Unmarshal(sc.Bytes(), &outcome))
		types = append(types, string(outcome.ContentType))
		require.NotNil(t, outcome.Automation)
		assert.Equal(t, "terminal", outcome.Automation.Context.SourceApp)
	}
	assert.Equal(t, []string{"number", "text"}, types)
}

func TestReadClips(t *testing.T) {
	tests := []struct {
		name  string
		input string
		json  bool
		want  []app.Clip
	}{
		{
			name:  "plain lines",
			input: "one\n\n  \ntwo\\nlines\n",
			want: []app.Clip{
				{Content: "one", SourceApp: "src"},
				{Content: "two\nlines", SourceApp: "src"},
			},
		},
		{
			name:  "json lines",
			input: `{"content":"a","source_app":"slack"}` + "\n" + `{"content":"b"}` + "\n",
			json:  true,
			want: []app.Clip{
				{Content: "a", SourceApp: "slack"},
				{Content: "b", SourceApp: "src"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []app.Clip
			err := readClips(context.Background(), strings.NewReader(tt.input), tt.json, "src", func(c app.Clip) error {
				got = append(got, c)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	err := readClips(context.Background(), strings.NewReader("{bad\n"), true, "", func(app.Clip) error { return nil })
	assert.Error(t, err)

	stop := errors.New("stop")
	err = readClips(context.Background(), strings.NewReader("a\nb\n"), false, "", func(app.Clip) error { return stop })
	assert.ErrorIs(t, err, stop)
}

// scriptedClipboard returns queued values, repeating the last one.
type scriptedClipboard struct {
	mu     sync.Mutex
	values []string
}

func (s *scriptedClipboard) read(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[0]
	if len(s.values) > 1 {
		s.values = s.values[1:]
	}
	return v, nil
}

func TestCommandClipboard_WatchReportsChanges(t *testing.T) {
	script := &scriptedClipboard{values: []string{"initial", "initial", "first", "first", "second"}}
	clip := &commandClipboard{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- clip.watch(ctx, time.Millisecond, logging.Discard(), script.read, func(content string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, content)
			if len(seen) == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestCommandClipboard_WriteWithoutCommand(t *testing.T) {
	clip := &commandClipboard{}
	assert.Error(t, clip.WriteText("x"))
}

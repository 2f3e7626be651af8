package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartpaste/smartpaste/app"
	"github.com/smartpaste/smartpaste/automation"
	"github.com/smartpaste/smartpaste/pkg/config"
	"github.com/smartpaste/smartpaste/pkg/logging"
)

const defaultConfigFile = "smartpaste_config.json"

var errAutomationDisabled = errors.New("automation is disabled in the configuration")

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	baseDir    string
}

func buildRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "smartpaste",
		Short: "Clipboard assistant with content enrichment and automation rules",
		Long: strings.TrimSpace(`smartpaste classifies copied content, enriches it with a per-type
handler, caches the result by content hash and runs automation rules
(save to file, notify, transform, webhook) over every clip.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigFile, "Path to the JSON config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Override the log format (json, text)")
	flags.StringVar(&opts.baseDir, "base-dir", "", "Directory relative rule file paths resolve against")

	root.AddCommand(newWatchCommand(opts))
	root.AddCommand(newProcessCommand(opts))
	root.AddCommand(newCacheCommand(opts))
	root.AddCommand(newRulesCommand(opts))
	root.AddCommand(newConfigCommand(opts))

	return root
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type sessionMode int

const (
	// oneShot skips the scheduler, alerting and the rules watcher.
	oneShot sessionMode = iota
	longRunning
)

// session is a started registry plus the log output it writes to.
type session struct {
	reg      *app.Registry
	logger   *slog.Logger
	closeLog func() error
}

func (o *rootOptions) openSession(ctx context.Context, mode sessionMode, env *automation.Env) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if mode == oneShot {
		cfg.Scheduler.Enabled = false
		cfg.Monitoring.Enabled = false
		cfg.Automation.WatchRules = false
	}

	logger, closeLog, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if env == nil {
		env = &automation.Env{}
	}
	if env.BaseDir == "" {
		env.BaseDir = o.baseDir
	}

	reg, err := app.NewRegistry(cfg, logger, app.WithEnv(env))
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	if err := reg.Start(ctx); err != nil {
		_ = reg.Close()
		_ = closeLog()
		return nil, err
	}
	return &session{reg: reg, logger: logger, closeLog: closeLog}, nil
}

func (s *session) Close() error {
	return errors.Join(s.reg.Close(), s.closeLog())
}

// engine returns the rule engine or errAutomationDisabled.
func (s *session) engine() (*automation.WorkflowAutomation, error) {
	engine := s.reg.Automation()
	if engine == nil {
		return nil, errAutomationDisabled
	}
	return engine, nil
}

func writeJSON(w io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartpaste/smartpaste/automation"
)

const defaultHistoryLimit = 20

func newRulesCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
	}

	cmd.AddCommand(newRulesListCommand(root))
	cmd.AddCommand(newRulesAddCommand(root))
	cmd.AddCommand(newRulesToggleCommand(root, "enable", "Enable a rule", (*automation.WorkflowAutomation).EnableRule))
	cmd.AddCommand(newRulesToggleCommand(root, "disable", "Disable a rule", (*automation.WorkflowAutomation).DisableRule))
	cmd.AddCommand(newRulesToggleCommand(root, "remove", "Delete a rule", (*automation.WorkflowAutomation).RemoveRule))
	cmd.AddCommand(newRulesHistoryCommand(root))
	cmd.AddCommand(newRulesStatsCommand(root))

	return cmd
}

// withEngine opens a one-shot session and runs fn against its rule engine.
func withEngine(cmd *cobra.Command, root *rootOptions, fn func(*automation.WorkflowAutomation) error) error {
	sess, err := root.openSession(cmd.Context(), oneShot, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	engine, err := sess.engine()
	if err != nil {
		return err
	}
	return fn(engine)
}

func newRulesListCommand(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, root, func(engine *automation.WorkflowAutomation) error {
				rules := engine.Rules()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), rules, true)
				}
				return printRules(cmd.OutOrStdout(), rules, time.Now())
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full rule definitions as JSON")
	return cmd
}

func printRules(w io.Writer, rules []*automation.Rule, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRIORITY\tSTATE\tTRIGGERS\tLAST TRIGGERED")
	for _, r := range rules {
		last := "-"
		if r.LastTriggered != nil {
			last = r.LastTriggered.Local().Format(automation.TimestampLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n", r.ID, r.Name, r.Priority, r.State(now), r.TriggerCount, last)
	}
	return tw.Flush()
}

func newRulesAddCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <rule.json>",
		Short: "Add a rule from a JSON file (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read rule: %w", err)
			}

			var rule automation.Rule
			if err := json.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("failed to parse rule: %w", err)
			}

			return withEngine(cmd, root, func(engine *automation.WorkflowAutomation) error {
				id, err := engine.AddRule(&rule)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added rule %s\n", id)
				return nil
			})
		},
	}
}

func newRulesToggleCommand(root *rootOptions, verb, short string, op func(*automation.WorkflowAutomation, string) error) *cobra.Command {
	past := verb + "d"
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, root, func(engine *automation.WorkflowAutomation) error {
				if err := op(engine, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s rule %s\n", past, args[0])
				return nil
			})
		},
	}
}

func newRulesHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		limit  int
		ruleID string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent rule triggers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, root, func(engine *automation.WorkflowAutomation) error {
				records, err := engine.History(limit, ruleID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), records, true)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TRIGGERED\tRULE\tCONTENT TYPE\tSOURCE\tACTIONS OK\tFAILED")
				for _, rec := range records {
					source := rec.SourceApp
					if source == "" {
						source = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
						rec.TriggeredAt.Local().Format(automation.TimestampLayout),
						rec.RuleID, rec.ContentType, source, rec.ActionsOK, rec.ActionsFailed)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "Maximum records to show")
	cmd.Flags().StringVar(&ruleID, "rule", "", "Only show triggers of this rule")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newRulesStatsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show rule counts and the most triggered rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, root, func(engine *automation.WorkflowAutomation) error {
				return writeJSON(cmd.OutOrStdout(), engine.Stats(), true)
			})
		},
	}
}

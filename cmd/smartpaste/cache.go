package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cachemanager "github.com/smartpaste/smartpaste/cache-manager"
	"github.com/smartpaste/smartpaste/pkg/models"
)

type cacheReport struct {
	Content cachemanager.ContentCacheInfo `json:"content"`
	Stats   models.CacheStats             `json:"stats"`
	HitRate float64                       `json:"hit_rate"`
}

func newCacheCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the content result cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache size and hit counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := root.openSession(cmd.Context(), oneShot, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			cache := sess.reg.ContentCache()
			stats := cache.Stats()
			return writeJSON(cmd.OutOrStdout(), cacheReport{
				Content: cache.Info(),
				Stats:   stats,
				HitRate: stats.HitRate(),
			}, true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired disk entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := root.openSession(cmd.Context(), oneShot, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			removed := sess.reg.ContentCache().CleanupExpired()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := root.openSession(cmd.Context(), oneShot, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			removed, err := sess.reg.ContentCache().Clear()
			if err != nil {
				return fmt.Errorf("cache clear incomplete after %d entries: %w", removed, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return nil
		},
	})

	return cmd
}

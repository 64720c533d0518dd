package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"geminicord/internal/cache"
	"geminicord/internal/config"
)

// openStore loads the config without requiring the serving credentials and opens
// the persistent tier it names.
func openStore(ctx context.Context, configPath string) (cache.Store, *config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, nil, err
		}
	}
	cfg.ApplyEnv()

	s, err := cache.NewStore(ctx, cfg.Store.Config, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the persistent response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show persistent cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, cfg, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			n, err := s.Count(ctx)
			if err != nil {
				return err
			}
			recent, err := s.LoadRecent(ctx, cfg.Store.WarmLimit, cfg.Store.WarmMaxAge)
			if err != nil {
				return err
			}
			hits := 0
			for _, r := range recent {
				hits += r.Entry.Hits
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend:     %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "Entries:     %d (cap %d)\n", n, cfg.Store.MaxRows)
			fmt.Fprintf(out, "Warmable:    %d (last %s)\n", len(recent), cfg.Store.WarmMaxAge)
			fmt.Fprintf(out, "Warm hits:   %d\n", hits)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every persisted entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, _, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			n, err := s.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entries.\n", n)
			return nil
		},
	}

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete persisted entries older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, cfg, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			age := olderThan
			if age <= 0 {
				age = cfg.Store.WarmMaxAge
			}
			n, err := s.Prune(ctx, age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries older than %s.\n", n, age)
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "maximum age to keep (default: store.warm_max_age)")

	cmd.AddCommand(statsCmd, clearCmd, pruneCmd)
	return cmd
}

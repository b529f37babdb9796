package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch workers and the operations API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Process every eligible queue row once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := app.Pool.Drain(cmd.Context())
			if printErr := printJSON(cmd, summary); printErr != nil {
				return printErr
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("crawl: %w", err)
			}
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var ids string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Walk search result pages, or register the ids given with --ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if ids != "" {
				parsed, err := parseIDs(ids)
				if err != nil {
					return err
				}
				added, err := app.Queue.Discover(cmd.Context(), parsed)
				if err != nil {
					return fmt.Errorf("discover: %w", err)
				}
				return printJSON(cmd, map[string]int{"submitted": len(parsed), "added": added})
			}
			summary, err := app.Discovery.Run(cmd.Context())
			if printErr := printJSON(cmd, summary); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ids, "ids", "", "comma separated listing ids to enqueue without crawling search pages")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue [id]",
		Short: "Print queue counts by state, or one queue row",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				item, err := app.Queue.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, item)
			}
			counts, err := app.Queue.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, counts)
		},
	}
}

func newReenqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reenqueue <id>",
		Short: "Reset a FAILED or INACTIVE listing to NEW",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			item, err := app.Queue.Reenqueue(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, item)
		},
	}
}

func newBuildGoldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build-gold",
		Short: "Reconcile the dimensional model with the current silver state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := app.Gold.Run(cmd.Context())
			if printErr := printJSON(cmd, summary); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("build gold: %w", err)
			}
			return nil
		},
	}
}

func newEnrichViewsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich-views",
		Short: "Fetch view counters for today's snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Views == nil {
				return errors.New("views enrichment is disabled")
			}
			summary, err := app.Views.Run(cmd.Context())
			if printErr := printJSON(cmd, summary); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("enrich views: %w", err)
			}
			return nil
		},
	}
}

func newQualityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Run data quality checks for today; exits non-zero when an error-level check fails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.Quality.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("quality: %w", err)
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-normalize a listing from its latest archived page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := app.Replayer.Replay(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("replay %d: %w", id, err)
			}
			return printJSON(cmd, map[string]any{
				"listing_id":   res.EntityID,
				"outcome":      res.Outcome,
				"day":          res.Day.Format("2006-01-02"),
				"payload_hash": res.PayloadHash,
			})
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid listing id %q", raw)
	}
	return id, nil
}

func parseIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, err := parseID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("no listing ids given")
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

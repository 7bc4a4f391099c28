package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

const defaultReindexLimit = 500

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <bookmark-id>...",
		Short: "Queue bookmarks for processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := app.Enqueue(cmd.Context(), ids)
			cmd.Printf("enqueued %d of %d bookmarks\n", n, len(ids))
			return err
		},
	}
}

func newReindexCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Queue bookmarks whose content is not yet indexed",
		Long: `Finds bookmarks with content_indexed = false, oldest first, and queues
them. Run it after an outage to pick up bookmarks whose enqueue was lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := app.Reindex(cmd.Context(), limit)
			cmd.Printf("enqueued %d bookmarks\n", n)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultReindexLimit, "maximum number of bookmarks to queue")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe Postgres, Elasticsearch and the queue once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Ready(cmd.Context()); err != nil {
				return fmt.Errorf("not ready: %w", err)
			}
			cmd.Println("ready")
			return nil
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid bookmark id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Package cmd defines the booky-indexer CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/booky-indexer/internal/config"
	"github.com/JakeFAU/booky-indexer/internal/server"
)

const closeTimeout = 15 * time.Second

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands drive. Tests swap in a fake through newApp.
type App interface {
	Run(ctx context.Context, opts server.RunOptions) error
	Enqueue(ctx context.Context, ids []int64) (int, error)
	Reindex(ctx context.Context, limit int) (int, error)
	Ready(ctx context.Context) error
	Close(ctx context.Context)
}

var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booky-indexer",
		Short: "Fetches, snapshots and indexes saved bookmarks and serves search.",
		Long: `booky-indexer accepts bookmarks over HTTP, queues them for processing,
and runs workers that fetch each page, keep a raw snapshot, extract its text
and upsert it into Elasticsearch. Search results are hydrated from Postgres.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
				defer cancel()
				appInstance.Close(ctx)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed BOOKY_ override it)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newEnqueueCmd(),
		newReindexCmd(),
		newCheckCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

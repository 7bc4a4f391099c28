package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/booky-indexer/internal/server"
)

func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serves the bookmark and search API along with health, readiness and
metrics endpoints. By default the same process also runs the worker pool.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), server.RunOptions{API: true, Workers: withWorkers})
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "also run the processing workers")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run processing workers only",
		Long: `Consumes the job queue without serving the public API. Health,
readiness and metrics endpoints stay available on the server port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), server.RunOptions{Workers: true})
		},
	}
}

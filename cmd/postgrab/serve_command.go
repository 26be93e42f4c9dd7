package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/postgrab/internal/app"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, unless disabled, the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := app.Options{API: true, Worker: cfg.Worker.Enabled && !noWorker}
			return ctx.withApp(cmd.Context(), opts, func(a *app.App) error {
				err := a.Serve(cmd.Context())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Serve the API without claiming jobs")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Recover stale jobs, then claim and process jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(cmd.Context(), app.Options{Worker: true}, func(a *app.App) error {
				return a.RunWorker(cmd.Context())
			})
		},
	}
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail running jobs older than worker.stale_after",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				n, err := a.RecoverStale(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stale job(s)\n", n)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/djlord-it/flowtick/internal/cron"
	"github.com/djlord-it/flowtick/internal/metrics"
)

func newTickCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler invocation under the scheduler lock and print the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadValid(load)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			a, err := buildApp(cfg, db, metrics.NewNoopSink(), logger)
			if err != nil {
				return err
			}
			defer a.close(logger)

			var out any
			ran, err := a.locks.WithLock(ctx, cron.LockName, func(ctx context.Context) error {
				report, err := a.loop.RunOnce(ctx)
				out = report
				return err
			})
			if err != nil {
				return runtimeErr(errors.Wrap(err, "scheduler invocation"))
			}
			if !ran {
				out = map[string]any{"skipped": true, "reason": "scheduler lock held"}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return runtimeErr(err)
			}
			if !ran {
				fmt.Fprintln(cmd.ErrOrStderr(), "another invocation holds the scheduler lock; nothing done")
			}
			return nil
		},
	}
}

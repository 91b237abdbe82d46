package main

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/djlord-it/flowtick/db/migrations"
	"github.com/djlord-it/flowtick/internal/config"
	"github.com/djlord-it/flowtick/internal/lock"
	"github.com/djlord-it/flowtick/internal/migrate"
	"github.com/djlord-it/flowtick/internal/store/postgres"
)

func newMigrateCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations under the migration lock",
		Long: `migrate applies the embedded SQL migrations in order. Only one process
migrates at a time: when another holds the migration lock, migrate reports the
skip and exits successfully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Only the database settings matter here.
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return configErr(config.ValidationErrors{{Field: "DATABASE_URL", Message: "required"}})
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

			locks := lock.New(postgres.New(db), cfg.LockStaleness).WithLogger(logger.Named("lock"))
			res, err := migrate.New(db, migrations.Files, locks).
				WithLogger(logger.Named("migrate")).
				Run(ctx)
			if err != nil {
				return runtimeErr(errors.Wrap(err, "migrate"))
			}

			out := cmd.OutOrStdout()
			switch {
			case res.Skipped:
				fmt.Fprintln(out, "migration lock held by another process; skipped")
			case len(res.Applied) == 0:
				fmt.Fprintln(out, "database is up to date")
			default:
				for _, name := range res.Applied {
					fmt.Fprintf(out, "applied %s\n", name)
				}
			}
			return nil
		},
	}
}

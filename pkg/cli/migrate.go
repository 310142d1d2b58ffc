package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func migrateCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, turnFlags(&cfg)...)

	return &cli.Command{
		Name:  "migrate",
		Usage: "Create PostgreSQL tables and the BigQuery turn log table",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer a.close()

			w := c.Root().Writer
			done := false

			if a.postgres != nil {
				if err := a.postgres.Migrate(ctx, int(cfg.embeddingDimensions)); err != nil {
					return goerr.Wrap(err, "failed to migrate PostgreSQL")
				}
				fmt.Fprintf(w, "PostgreSQL schema is up to date\n")
				done = true
			}

			tl, err := a.newTurnLog(ctx)
			if err != nil {
				return err
			}
			if tl != nil {
				if err := tl.EnsureTable(ctx); err != nil {
					return err
				}
				fmt.Fprintf(w, "BigQuery table %s is ready\n", cfg.bigqueryTable)
				done = true
			}

			if !done {
				fmt.Fprintf(w, "Nothing to migrate for store %q\n", cfg.store)
			}
			return nil
		},
	}
}

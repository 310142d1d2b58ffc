package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/service/watcher"
	"github.com/urfave/cli/v3"
)

func watchCommand() *cli.Command {
	var (
		cfg      config
		username string
		existing bool
		debounce time.Duration
	)

	flags := []cli.Flag{
		userFlag(&username),
		&cli.BoolFlag{
			Name:        "existing",
			Usage:       "Upload files already present in the directory",
			Destination: &existing,
		},
		&cli.DurationFlag{
			Name:        "debounce",
			Usage:       "Time a file must stay unchanged before it is uploaded",
			Value:       watcher.DefaultDebounce,
			Sources:     cli.EnvVars("PAPERCHAT_WATCH_DEBOUNCE"),
			Destination: &debounce,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)

	return &cli.Command{
		Name:      "watch",
		Usage:     "Upload PDF files as they appear in a directory",
		ArgsUsage: "<dir>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			dir := c.Args().First()
			if dir == "" {
				return goerr.New("directory is required")
			}

			ctx, a, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer a.close()

			user, err := a.lookupUser(ctx, username)
			if err != nil {
				return err
			}

			uc, err := a.newDocuments(ctx)
			if err != nil {
				return err
			}

			w := watcher.New(uc, user.ID,
				watcher.WithExisting(existing),
				watcher.WithDebounce(debounce),
			)
			return w.Run(ctx, dir)
		},
	}
}

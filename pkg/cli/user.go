package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage users",
		Commands: []*cli.Command{
			userCreateCommand(),
		},
	}
}

func userCreateCommand() *cli.Command {
	var (
		cfg      config
		nickname string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "nickname",
			Usage:       "Display name of the user",
			Destination: &nickname,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "create",
		Usage:     "Create a user",
		ArgsUsage: "<username>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			username := c.Args().First()
			if username == "" {
				return goerr.New("username is required")
			}

			ctx, a, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer a.close()

			user, err := a.repo.CreateUser(ctx, username, nickname)
			if err != nil {
				return goerr.Wrap(err, "failed to create user", goerr.V("username", username))
			}

			fmt.Fprintf(c.Root().Writer, "%d\t%s\n", user.ID, user.Username)
			return nil
		},
	}
}

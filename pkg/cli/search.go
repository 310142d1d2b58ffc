package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg      config
		username string
		query    string
		topK     int64
	)

	flags := []cli.Flag{
		userFlag(&username),
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Natural language query to search document fragments",
			Sources:     cli.EnvVars("PAPERCHAT_SEARCH_QUERY"),
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of fragments to return",
			Value:       chat.DefaultTopK,
			Sources:     cli.EnvVars("PAPERCHAT_SEARCH_LIMIT"),
			Destination: &topK,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Search uploaded documents using vector similarity",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
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

			fragments, err := uc.Search(ctx, user.ID, query, int(topK))
			if err != nil {
				return goerr.Wrap(err, "failed to search documents")
			}

			if len(fragments) == 0 {
				fmt.Fprintf(c.Root().Writer, "No fragments found\n")
				return nil
			}

			fmt.Fprintln(c.Root().Writer, agent.FormatContext(fragments))
			return nil
		},
	}
}

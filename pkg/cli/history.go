package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/usecase/history"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show chats, messages and turn statistics",
		Commands: []*cli.Command{
			historyListCommand(),
			historyStatsCommand(),
		},
	}
}

func historyListCommand() *cli.Command {
	var (
		cfg      config
		username string
		chatID   int64
		limit    int64
	)

	flags := []cli.Flag{
		userFlag(&username),
		&cli.IntFlag{
			Name:        "chat-id",
			Aliases:     []string{"id"},
			Usage:       "Show messages of this chat instead of listing chats",
			Sources:     cli.EnvVars("PAPERCHAT_CHAT_ID"),
			Destination: &chatID,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Show only the latest messages (0 for all)",
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List chats of a user, or messages of one chat",
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

			if chatID == 0 {
				chats, err := history.ListChats(ctx, a.repo, user.ID)
				if err != nil {
					return err
				}
				if len(chats) == 0 {
					fmt.Fprintf(c.Root().Writer, "No chats found for user %s\n", user.Username)
					return nil
				}
				for _, ch := range chats {
					fmt.Fprintf(c.Root().Writer, "%d\t%s\t%s\n",
						ch.ID,
						ch.Name,
						ch.CreatedAt.Format(time.DateTime),
					)
				}
				return nil
			}

			ch, err := a.repo.GetChat(ctx, model.ChatID(chatID))
			if err != nil {
				return goerr.Wrap(err, "failed to get chat")
			}
			if ch.UserID != user.ID {
				return goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID))
			}

			messages, err := history.Messages(ctx, a.repo, ch.ID, int(limit))
			if err != nil {
				return err
			}

			for _, m := range messages {
				fmt.Fprintf(c.Root().Writer, "[%s] %s: %s\n",
					m.CreatedAt.Format(time.DateTime),
					m.Author,
					m.Text,
				)
			}
			return nil
		},
	}
}

func historyStatsCommand() *cli.Command {
	var (
		cfg   config
		since time.Duration
	)

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "since",
			Usage:       "Aggregate turns recorded within this duration",
			Value:       7 * 24 * time.Hour,
			Destination: &since,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, turnFlags(&cfg)...)

	return &cli.Command{
		Name:  "stats",
		Usage: "Summarize turns recorded in the BigQuery turn log",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer a.close()

			tl, err := a.newTurnLog(ctx)
			if err != nil {
				return err
			}
			if tl == nil {
				return goerr.New("bigquery-dataset is required for turn statistics")
			}

			stats, err := tl.Stats(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "turns:              %d\n", stats.Turns)
			fmt.Fprintf(w, "avg retrievals:     %.2f\n", stats.AvgRetrievals)
			fmt.Fprintf(w, "max retrievals:     %d\n", stats.MaxRetrievals)
			fmt.Fprintf(w, "avg duration (ms):  %.1f\n", stats.AvgDurationMS)
			fmt.Fprintf(w, "avg history size:   %.1f\n", stats.AvgHistorySize)
			return nil
		},
	}
}

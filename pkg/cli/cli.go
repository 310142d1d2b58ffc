package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "paperchat",
		Usage: "Chat with your PDF documents",
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			uploadCommand(),
			searchCommand(),
			historyCommand(),
			watchCommand(),
			mcpCommand(),
			migrateCommand(),
			userCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

package cli

import (
	"context"

	"github.com/m-mizutani/paperchat/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var (
		cfg      config
		username string
	)

	flags := []cli.Flag{
		userFlag(&username),
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, turnFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve document search and question answering as MCP tools over stdio",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := a.newMCPServer(ctx, username)
			if err != nil {
				return err
			}
			return srv.RunStdio(ctx)
		},
	}
}

func (a *app) newMCPServer(ctx context.Context, username string) (*mcp.Server, error) {
	user, err := a.lookupUser(ctx, username)
	if err != nil {
		return nil, err
	}

	documents, err := a.newDocuments(ctx)
	if err != nil {
		return nil, err
	}

	chatInput, err := a.newChatInput(ctx)
	if err != nil {
		return nil, err
	}

	return mcp.NewServer(mcp.ServerInput{
		Documents: documents,
		Chat:      chatInput,
		UserID:    user.ID,
	}), nil
}

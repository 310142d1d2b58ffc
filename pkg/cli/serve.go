package cli

import (
	"context"

	"github.com/m-mizutani/paperchat/pkg/server"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg            config
		addr           string
		mcpUser        string
		maxUploadBytes int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Listen address",
			Value:       ":8080",
			Sources:     cli.EnvVars("PAPERCHAT_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "mcp-user",
			Usage:       "Mount MCP tools of this user at /mcp",
			Sources:     cli.EnvVars("PAPERCHAT_MCP_USER"),
			Destination: &mcpUser,
		},
		&cli.IntFlag{
			Name:        "max-upload-bytes",
			Usage:       "Maximum size of an uploaded file",
			Value:       server.DefaultMaxUploadBytes,
			Sources:     cli.EnvVars("PAPERCHAT_MAX_UPLOAD_BYTES"),
			Destination: &maxUploadBytes,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, turnFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := cfg.open(ctx, c)
			if err != nil {
				return err
			}
			defer a.close()

			documents, err := a.newDocuments(ctx)
			if err != nil {
				return err
			}

			chatInput, err := a.newChatInput(ctx)
			if err != nil {
				return err
			}

			opts := []server.Option{server.WithMaxUploadBytes(maxUploadBytes)}
			if mcpUser != "" {
				srv, err := a.newMCPServer(ctx, mcpUser)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithMCP(srv.Handler()))
				logging.From(ctx).Info("MCP endpoint enabled", "user", mcpUser)
			}

			return server.New(a.repo, chatInput, documents, opts...).Serve(ctx, addr)
		},
	}
}

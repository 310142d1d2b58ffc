package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func uploadCommand() *cli.Command {
	var (
		cfg      config
		username string
	)

	flags := []cli.Flag{
		userFlag(&username),
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, ingestFlags(&cfg)...)

	return &cli.Command{
		Name:      "upload",
		Usage:     "Parse, chunk and index PDF files",
		ArgsUsage: "<file.pdf> [file.pdf...]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			files := c.Args().Slice()
			if len(files) == 0 {
				return goerr.New("at least one file is required")
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

			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return goerr.Wrap(err, "failed to read file", goerr.V("path", path))
				}

				doc, err := uc.Upload(ctx, user.ID, filepath.Base(path), data)
				if err != nil {
					return goerr.Wrap(err, "failed to upload document", goerr.V("path", path))
				}

				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%d pages\t%d chunks\n",
					doc.ID, doc.Filename, doc.Pages, doc.Chunks)
			}

			return nil
		},
	}
}

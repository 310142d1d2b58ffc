package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg      config
		username string
		chatID   int64
		name     string
	)

	flags := []cli.Flag{
		userFlag(&username),
		&cli.IntFlag{
			Name:        "chat-id",
			Aliases:     []string{"id"},
			Usage:       "Chat to continue. A new chat is created when omitted",
			Sources:     cli.EnvVars("PAPERCHAT_CHAT_ID"),
			Destination: &chatID,
		},
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Name of a new chat",
			Destination: &name,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, turnFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Ask questions about uploaded documents interactively",
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
				if name == "" {
					name = "chat " + time.Now().Format(time.DateTime)
				}
				created, err := a.repo.CreateChat(ctx, user.ID, name)
				if err != nil {
					return err
				}
				chatID = int64(created.ID)
			}

			input, err := a.newChatInput(ctx)
			if err != nil {
				return err
			}
			input.UserID = user.ID
			input.ChatID = model.ChatID(chatID)

			session, err := chat.New(ctx, input)
			if err != nil {
				return goerr.Wrap(err, "failed to create chat session")
			}

			return runREPL(ctx, c.Root().Writer, session)
		},
	}
}

func historyFilePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "paperchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "history")
}

func runREPL(ctx context.Context, w io.Writer, session *chat.Session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFilePath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return goerr.Wrap(err, "failed to initialize prompt")
	}
	defer rl.Close()

	fmt.Fprintf(w, "Chat %d started. Type 'exit' to quit.\n", session.Chat().ID)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		message := strings.TrimSpace(line)
		if message == "exit" {
			break
		}
		if message == "" {
			continue
		}

		spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		spin.Suffix = " thinking..."
		spin.Start()
		reply, err := session.Send(ctx, message)
		spin.Stop()

		if err != nil {
			if chat.IsRetryable(err) {
				fmt.Fprintf(w, "! %s, please try again\n", err.Error())
				continue
			}
			if errors.Is(err, model.ErrInvalidInput) {
				fmt.Fprintf(w, "! %s\n", err.Error())
				continue
			}
			return goerr.Wrap(err, "failed to send message")
		}

		fmt.Fprintf(w, "%s\n", reply.Answer.Text)
		logging.From(ctx).Debug("turn finished",
			"retrievals", reply.RetrievalCount,
			"queries", reply.Queries)
	}

	fmt.Fprintf(w, "\nChat session completed\n")
	return nil
}

package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
)

const (
	DefaultHistoryBudget = 500
	DefaultTopK          = 10
)

// Config holds the per-turn knobs passed to the agent
type Config struct {
	HistoryBudget int
	TopK          int
	MaxRetrievals int
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		HistoryBudget: DefaultHistoryBudget,
		TopK:          DefaultTopK,
		MaxRetrievals: agent.DefaultMaxRetrievals,
	}
}

// Session runs turns for one chat owned by one user
type Session struct {
	repo    interfaces.Repository
	agent   *agent.Agent
	turnLog interfaces.TurnLogger
	config  Config

	user model.UserID
	chat *model.Chat
}

// NewInput contains parameters for opening a chat session
type NewInput struct {
	Repo    interfaces.Repository
	Agent   *agent.Agent
	TurnLog interfaces.TurnLogger // Optional
	Config  Config
	UserID  model.UserID
	ChatID  model.ChatID
}

// New opens a session after checking that the chat belongs to the user. A chat owned by
// someone else is reported as not found.
func New(ctx context.Context, input NewInput) (*Session, error) {
	chat, err := input.Repo.GetChat(ctx, input.ChatID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chat", goerr.V("chat_id", input.ChatID))
	}
	if chat.UserID != input.UserID {
		return nil, goerr.Wrap(model.ErrNotFound, "chat not found",
			goerr.V("chat_id", input.ChatID), goerr.V("user_id", input.UserID))
	}

	return &Session{
		repo:    input.Repo,
		agent:   input.Agent,
		turnLog: input.TurnLog,
		config:  input.Config,
		user:    input.UserID,
		chat:    chat,
	}, nil
}

func (s *Session) Chat() *model.Chat {
	return s.chat
}

// Reply is the outcome of a successful turn
type Reply struct {
	Question       *model.Message `json:"question"`
	Answer         *model.Message `json:"answer"`
	RetrievalCount int            `json:"retrieval_count"`
	Queries        []string       `json:"queries,omitempty"`
}

// Send persists the human message, runs the agent and persists its answer. When the agent
// fails the human message stays and no AI message is written.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.Wrap(model.ErrInvalidInput, "message is empty", goerr.V("chat_id", s.chat.ID))
	}

	logger := logging.From(ctx).With("chat_id", s.chat.ID, "user_id", s.user)
	started := time.Now()

	question, err := s.repo.AppendMessage(ctx, s.chat.ID, text, model.AuthorHuman)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to save human message", goerr.V("chat_id", s.chat.ID))
	}

	state, err := s.agent.Run(ctx, agent.Input{
		UserID:        s.user,
		ChatID:        s.chat.ID,
		HistoryBudget: s.config.HistoryBudget,
		TopK:          s.config.TopK,
		MaxRetrievals: s.config.MaxRetrievals,
	})
	if err != nil {
		logger.Warn("turn failed", "error", err, "question_id", question.ID)
		return nil, err
	}

	answer, err := s.repo.AppendMessage(ctx, s.chat.ID, state.Answer, model.AuthorAI)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to save answer", goerr.V("chat_id", s.chat.ID))
	}

	elapsed := time.Since(started)
	logger.Info("turn completed",
		"retrievals", state.RetrievalCount,
		"history", len(state.History),
		"duration", elapsed.String(),
	)

	s.recordTurn(ctx, state, elapsed)

	return &Reply{
		Question:       question,
		Answer:         answer,
		RetrievalCount: state.RetrievalCount,
		Queries:        state.Queries,
	}, nil
}

func (s *Session) recordTurn(ctx context.Context, state *agent.State, elapsed time.Duration) {
	if s.turnLog == nil {
		return
	}

	record := &model.TurnRecord{
		ChatID:         s.chat.ID,
		UserID:         s.user,
		RetrievalCount: state.RetrievalCount,
		Queries:        state.Queries,
		HistorySize:    len(state.History),
		AnswerLength:   utf8.RuneCountInString(state.Answer),
		DurationMS:     elapsed.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.turnLog.Put(ctx, record); err != nil {
		logging.From(ctx).Warn("failed to record turn", "error", err, "chat_id", s.chat.ID)
	}
}

// RunTurn opens a session and sends one message. It returns the answer text.
func RunTurn(ctx context.Context, input NewInput, text string) (string, error) {
	session, err := New(ctx, input)
	if err != nil {
		return "", err
	}
	reply, err := session.Send(ctx, text)
	if err != nil {
		return "", err
	}
	return reply.Answer.Text, nil
}

// IsRetryable reports whether a failed turn may succeed if the user tries again
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrTurnTimeout) ||
		errors.Is(err, model.ErrModelCallFailed) ||
		errors.Is(err, model.ErrIndexCallFailed)
}

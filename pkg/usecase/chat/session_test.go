package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/repository"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
)

type mockLLM struct {
	mu      sync.Mutex
	prompts []*model.Prompt
	replies [][]byte
	err     error
}

func (m *mockLLM) CompleteStructured(ctx context.Context, prompt *model.Prompt, schema *jsonschema.Schema) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	idx := min(len(m.prompts), len(m.replies)) - 1
	return m.replies[idx], nil
}

type mockIndex struct {
	queries []string
}

func (m *mockIndex) Search(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
	m.queries = append(m.queries, query)
	return []*model.RetrievedFragment{
		{Content: "the answer is in chapter 3", Source: "book.pdf", PageNumber: 12},
	}, nil
}

func (m *mockIndex) Upsert(ctx context.Context, chunks []*model.Chunk) error {
	return nil
}

type mockTurnLog struct {
	records []*model.TurnRecord
	err     error
}

func (m *mockTurnLog) Put(ctx context.Context, record *model.TurnRecord) error {
	m.records = append(m.records, record)
	return m.err
}

func decision(needMore bool, query, answer string) []byte {
	return []byte(fmt.Sprintf(`{"is_need_more_context": %t, "find_context": %q, "answer": %q}`, needMore, query, answer))
}

type fixture struct {
	repo  *repository.Memory
	llm   *mockLLM
	index *mockIndex
	log   *mockTurnLog
	user  *model.User
	chat  *model.Chat
}

func setup(t *testing.T, replies ...[]byte) *fixture {
	ctx := context.Background()
	repo := repository.NewMemory()

	user, err := repo.CreateUser(ctx, "alice", "Alice")
	gt.NoError(t, err)
	c, err := repo.CreateChat(ctx, user.ID, "reading")
	gt.NoError(t, err)

	return &fixture{
		repo:  repo,
		llm:   &mockLLM{replies: replies},
		index: &mockIndex{},
		log:   &mockTurnLog{},
		user:  user,
		chat:  c,
	}
}

func (f *fixture) input() chat.NewInput {
	return chat.NewInput{
		Repo:    f.repo,
		Agent:   agent.New(f.repo, f.llm, f.index),
		TurnLog: f.log,
		Config:  chat.DefaultConfig(),
		UserID:  f.user.ID,
		ChatID:  f.chat.ID,
	}
}

func (f *fixture) messages(t *testing.T) []*model.Message {
	msgs, err := f.repo.LoadMessagesNewestFirst(context.Background(), f.chat.ID)
	gt.NoError(t, err)
	return msgs
}

func TestSendWithoutRetrieval(t *testing.T) {
	f := setup(t, decision(false, "", "Hello Alice"))
	ctx := context.Background()

	session, err := chat.New(ctx, f.input())
	gt.NoError(t, err)

	reply, err := session.Send(ctx, "hi")
	gt.NoError(t, err)
	gt.Equal(t, reply.Answer.Text, "Hello Alice")
	gt.Equal(t, reply.Answer.Author, model.AuthorAI)
	gt.Equal(t, reply.Question.Text, "hi")
	gt.Equal(t, reply.RetrievalCount, 0)
	gt.True(t, reply.Answer.ID > reply.Question.ID)

	msgs := f.messages(t)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0].Author, model.AuthorAI)
	gt.Equal(t, msgs[1].Author, model.AuthorHuman)

	// the model saw the question as part of the history
	gt.A(t, f.llm.prompts).Length(1)
	gt.A(t, f.llm.prompts[0].History).Length(1)
	gt.Equal(t, f.llm.prompts[0].History[0].Text, "hi")
}

func TestSendWithRetrieval(t *testing.T) {
	f := setup(t,
		decision(true, "chapter about answers", ""),
		decision(false, "", "See chapter 3"),
	)
	ctx := context.Background()

	session, err := chat.New(ctx, f.input())
	gt.NoError(t, err)

	reply, err := session.Send(ctx, "where is the answer?")
	gt.NoError(t, err)
	gt.Equal(t, reply.Answer.Text, "See chapter 3")
	gt.Equal(t, reply.RetrievalCount, 1)
	gt.Equal(t, reply.Queries, []string{"chapter about answers"})
	gt.Equal(t, f.index.queries, []string{"chapter about answers"})

	gt.A(t, f.log.records).Length(1)
	rec := f.log.records[0]
	gt.Equal(t, rec.ChatID, f.chat.ID)
	gt.Equal(t, rec.UserID, f.user.ID)
	gt.Equal(t, rec.RetrievalCount, 1)
	gt.Equal(t, rec.AnswerLength, len("See chapter 3"))
	gt.Equal(t, rec.HistorySize, 1)
}

func TestSendFailureKeepsQuestion(t *testing.T) {
	f := setup(t)
	f.llm.err = goerr.New("service unavailable")
	ctx := context.Background()

	session, err := chat.New(ctx, f.input())
	gt.NoError(t, err)

	_, err = session.Send(ctx, "are you there?")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrModelCallFailed))
	gt.True(t, chat.IsRetryable(err))

	msgs := f.messages(t)
	gt.A(t, msgs).Length(1)
	gt.Equal(t, msgs[0].Author, model.AuthorHuman)
	gt.Equal(t, msgs[0].Text, "are you there?")
	gt.A(t, f.log.records).Length(0)
}

func TestSendMalformedResponse(t *testing.T) {
	f := setup(t, []byte(`{"answer": 42}`))
	ctx := context.Background()

	session, err := chat.New(ctx, f.input())
	gt.NoError(t, err)

	_, err = session.Send(ctx, "hi")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrModelResponseMalformed))
	gt.False(t, chat.IsRetryable(err))
	gt.A(t, f.messages(t)).Length(1)
}

func TestSendEmptyMessage(t *testing.T) {
	f := setup(t, decision(false, "", "unused"))
	ctx := context.Background()

	session, err := chat.New(ctx, f.input())
	gt.NoError(t, err)

	_, err = session.Send(ctx, "  \n ")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
	gt.A(t, f.messages(t)).Length(0)
	gt.A(t, f.llm.prompts).Length(0)
}

func TestTurnLogFailureDoesNotFailTurn(t *testing.T) {
	f := setup(t, decision(false, "", "ok"))
	f.log.err = goerr.New("bigquery down")
	ctx := context.Background()

	answer, err := chat.RunTurn(ctx, f.input(), "hi")
	gt.NoError(t, err)
	gt.Equal(t, answer, "ok")
	gt.A(t, f.log.records).Length(1)
}

func TestNewRejectsForeignChat(t *testing.T) {
	f := setup(t, decision(false, "", "unused"))
	ctx := context.Background()

	bob, err := f.repo.CreateUser(ctx, "bob", "Bob")
	gt.NoError(t, err)

	input := f.input()
	input.UserID = bob.ID
	_, err = chat.RunTurn(ctx, input, "let me in")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))
	gt.A(t, f.messages(t)).Length(0)

	input = f.input()
	input.ChatID = f.chat.ID + 100
	_, err = chat.New(ctx, input)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestWithoutTurnLog(t *testing.T) {
	f := setup(t, decision(false, "", "fine"))
	input := f.input()
	input.TurnLog = nil

	answer, err := chat.RunTurn(context.Background(), input, "how are you")
	gt.NoError(t, err)
	gt.Equal(t, answer, "fine")
}

package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/model"
)

type mockStore struct {
	loadFn func(ctx context.Context, chatID model.ChatID) ([]*model.Message, error)
}

func (m *mockStore) AppendMessage(ctx context.Context, chatID model.ChatID, text string, author model.Author) (*model.Message, error) {
	return nil, errors.New("not implemented")
}

func (m *mockStore) LoadMessagesNewestFirst(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
	if m.loadFn == nil {
		return nil, nil
	}
	return m.loadFn(ctx, chatID)
}

type mockLLM struct {
	mu      sync.Mutex
	prompts []*model.Prompt
	fn      func(ctx context.Context, call int, prompt *model.Prompt) ([]byte, error)
}

func (m *mockLLM) CompleteStructured(ctx context.Context, prompt *model.Prompt, schema *jsonschema.Schema) ([]byte, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	call := len(m.prompts)
	m.mu.Unlock()
	return m.fn(ctx, call, prompt)
}

func (m *mockLLM) calls() []*model.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts
}

type searchCall struct {
	query  string
	userID model.UserID
	topK   int
}

type mockIndex struct {
	mu       sync.Mutex
	searches []searchCall
	searchFn func(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error)
}

func (m *mockIndex) Search(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
	m.mu.Lock()
	m.searches = append(m.searches, searchCall{query: query, userID: userID, topK: topK})
	m.mu.Unlock()
	if m.searchFn == nil {
		return nil, nil
	}
	return m.searchFn(ctx, query, userID, topK)
}

func (m *mockIndex) Upsert(ctx context.Context, chunks []*model.Chunk) error {
	return nil
}

func decision(needMore bool, query, answer string) []byte {
	return []byte(fmt.Sprintf(`{"is_need_more_context": %t, "find_context": %q, "answer": %q}`, needMore, query, answer))
}

// sequence answers the n-th model call with the n-th payload and repeats the last one
func sequence(payloads ...[]byte) func(context.Context, int, *model.Prompt) ([]byte, error) {
	return func(_ context.Context, call int, _ *model.Prompt) ([]byte, error) {
		if call > len(payloads) {
			return payloads[len(payloads)-1], nil
		}
		return payloads[call-1], nil
	}
}

func shortHistory() *mockStore {
	return &mockStore{
		loadFn: func(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
			return []*model.Message{
				{ID: 3, ChatID: chatID, Text: strings.Repeat("c", 40), Author: model.AuthorHuman},
				{ID: 2, ChatID: chatID, Text: strings.Repeat("b", 40), Author: model.AuthorAI},
				{ID: 1, ChatID: chatID, Text: strings.Repeat("a", 40), Author: model.AuthorHuman},
			}, nil
		},
	}
}

func defaultInput() agent.Input {
	return agent.Input{
		UserID:        7,
		ChatID:        11,
		HistoryBudget: 1000,
		TopK:          10,
		MaxRetrievals: agent.DefaultMaxRetrievals,
	}
}

func TestRunWithoutRetrieval(t *testing.T) {
	llm := &mockLLM{fn: sequence(decision(false, "", "42"))}
	index := &mockIndex{}

	a := agent.New(shortHistory(), llm, index)
	state, err := a.Run(context.Background(), defaultInput())
	gt.NoError(t, err)
	gt.Equal(t, state.Answer, "42")
	gt.Equal(t, state.RetrievalCount, 0)
	gt.A(t, state.History).Length(3)
	gt.Equal(t, state.History[0].ID, model.MessageID(1))
	gt.Equal(t, state.ExtraContext, agent.NoContextFound)

	gt.A(t, llm.calls()).Length(1)
	gt.A(t, index.searches).Length(0)

	prompt := llm.calls()[0]
	gt.S(t, prompt.System).Contains(agent.NoContextFound)
	gt.A(t, prompt.History).Length(3)
}

func TestRunOneRetrieval(t *testing.T) {
	llm := &mockLLM{fn: sequence(
		decision(true, "refund policy", ""),
		decision(false, "", "See section 3."),
	)}
	index := &mockIndex{
		searchFn: func(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
			return []*model.RetrievedFragment{
				{Content: "Refunds are handled in section 3.", Source: "terms.pdf", PageNumber: 4},
			}, nil
		},
	}

	a := agent.New(shortHistory(), llm, index)
	state, err := a.Run(context.Background(), defaultInput())
	gt.NoError(t, err)
	gt.Equal(t, state.Answer, "See section 3.")
	gt.Equal(t, state.RetrievalCount, 1)
	gt.A(t, state.Queries).Length(1)

	gt.A(t, index.searches).Length(1)
	gt.Equal(t, index.searches[0], searchCall{query: "refund policy", userID: 7, topK: 10})

	calls := llm.calls()
	gt.A(t, calls).Length(2)
	gt.S(t, calls[0].System).Contains(agent.NoContextFound)
	gt.S(t, calls[1].System).Contains("FRAGMENT 1 | SOURCE: terms.pdf | PAGE: 4")
	gt.S(t, calls[1].System).NotContains(agent.NoContextFound)
}

func TestRunRetrievalCap(t *testing.T) {
	llm := &mockLLM{
		fn: func(ctx context.Context, call int, prompt *model.Prompt) ([]byte, error) {
			return decision(true, fmt.Sprintf("query %d", call), fmt.Sprintf("partial %d", call)), nil
		},
	}
	index := &mockIndex{}

	a := agent.New(shortHistory(), llm, index)
	state, err := a.Run(context.Background(), defaultInput())
	gt.NoError(t, err)
	gt.Equal(t, state.RetrievalCount, 3)
	gt.True(t, state.IsNeedMoreContext)
	gt.A(t, index.searches).Length(3)
	gt.A(t, llm.calls()).Length(4)
	gt.Equal(t, state.Answer, "partial 4")
}

func TestRunRetrievalCapCustom(t *testing.T) {
	for _, limit := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("max=%d", limit), func(t *testing.T) {
			llm := &mockLLM{fn: sequence(decision(true, "more", "best effort"))}
			index := &mockIndex{}

			input := defaultInput()
			input.MaxRetrievals = limit
			state, err := agent.New(shortHistory(), llm, index).Run(context.Background(), input)
			gt.NoError(t, err)
			gt.Equal(t, state.RetrievalCount, limit)
			gt.A(t, index.searches).Length(limit)
			gt.Equal(t, state.Answer, "best effort")
		})
	}
}

func TestRunUsesLatestQueryAndReplacesContext(t *testing.T) {
	llm := &mockLLM{fn: sequence(
		decision(true, "alpha", ""),
		decision(true, "beta", ""),
		decision(false, "", "done"),
	)}
	index := &mockIndex{
		searchFn: func(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
			return []*model.RetrievedFragment{
				{Content: "content for " + query, Source: query + ".pdf", PageNumber: 1},
			}, nil
		},
	}

	state, err := agent.New(shortHistory(), llm, index).Run(context.Background(), defaultInput())
	gt.NoError(t, err)
	gt.Equal(t, state.Answer, "done")
	gt.Equal(t, state.RetrievalCount, 2)
	gt.Equal(t, index.searches[0].query, "alpha")
	gt.Equal(t, index.searches[1].query, "beta")
	gt.Equal(t, state.Queries, []string{"alpha", "beta"})

	calls := llm.calls()
	gt.S(t, calls[1].System).Contains("content for alpha")
	gt.S(t, calls[2].System).Contains("content for beta")
	gt.S(t, calls[2].System).NotContains("content for alpha")
}

func TestRunEmptyRetrievalKeepsSentinel(t *testing.T) {
	llm := &mockLLM{fn: sequence(
		decision(true, "missing topic", ""),
		decision(false, "", "I could not find it."),
	)}

	state, err := agent.New(shortHistory(), llm, &mockIndex{}).Run(context.Background(), defaultInput())
	gt.NoError(t, err)
	gt.Equal(t, state.ExtraContext, agent.NoContextFound)
	gt.S(t, llm.calls()[1].System).Contains(agent.NoContextFound)
}

func TestRunMalformedResponse(t *testing.T) {
	llm := &mockLLM{fn: sequence([]byte(`{"find_context": "", "answer": "42"}`))}
	index := &mockIndex{}

	state, err := agent.New(shortHistory(), llm, index).Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.V(t, state).Nil()
	gt.True(t, errors.Is(err, model.ErrModelResponseMalformed))
	gt.False(t, errors.Is(err, model.ErrModelCallFailed))
	gt.A(t, llm.calls()).Length(1)
	gt.A(t, index.searches).Length(0)
}

func TestRunEmptyAnswer(t *testing.T) {
	llm := &mockLLM{fn: sequence(decision(false, "", "  "))}

	_, err := agent.New(shortHistory(), llm, &mockIndex{}).Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrModelResponseMalformed))
}

func TestRunModelCallFailed(t *testing.T) {
	cause := errors.New("503 service unavailable")
	llm := &mockLLM{
		fn: func(ctx context.Context, call int, prompt *model.Prompt) ([]byte, error) {
			return nil, cause
		},
	}

	_, err := agent.New(shortHistory(), llm, &mockIndex{}).Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrModelCallFailed))
	gt.True(t, errors.Is(err, cause))
	gt.False(t, errors.Is(err, model.ErrModelResponseMalformed))
}

func TestRunIndexCallFailed(t *testing.T) {
	cause := errors.New("index unreachable")
	llm := &mockLLM{fn: sequence(decision(true, "anything", ""))}
	index := &mockIndex{
		searchFn: func(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
			return nil, cause
		},
	}

	_, err := agent.New(shortHistory(), llm, index).Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrIndexCallFailed))
	gt.True(t, errors.Is(err, cause))
	gt.A(t, llm.calls()).Length(1)
}

func TestRunHistoryLoadFailed(t *testing.T) {
	store := &mockStore{
		loadFn: func(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
			return nil, errors.New("disk failure")
		},
	}
	llm := &mockLLM{fn: sequence(decision(false, "", "42"))}

	_, err := agent.New(store, llm, &mockIndex{}).Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrHistoryLoadFailed))
	gt.A(t, llm.calls()).Length(0)
}

func TestRunTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// the stub ignores ctx on purpose
	llm := &mockLLM{
		fn: func(ctx context.Context, call int, prompt *model.Prompt) ([]byte, error) {
			<-release
			return decision(false, "", "too late"), nil
		},
	}

	a := agent.New(shortHistory(), llm, &mockIndex{}, agent.WithTimeout(50*time.Millisecond))

	started := time.Now()
	_, err := a.Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrTurnTimeout))
	gt.False(t, errors.Is(err, model.ErrModelCallFailed))
	gt.True(t, time.Since(started) < 5*time.Second)
}

func TestRunTimeoutDuringRetrieval(t *testing.T) {
	llm := &mockLLM{fn: sequence(decision(true, "slow", ""))}
	index := &mockIndex{
		searchFn: func(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	a := agent.New(shortHistory(), llm, index, agent.WithTimeout(50*time.Millisecond))
	_, err := a.Run(context.Background(), defaultInput())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrTurnTimeout))
	gt.False(t, errors.Is(err, model.ErrIndexCallFailed))
}

func TestRunInvalidInput(t *testing.T) {
	llm := &mockLLM{fn: sequence(decision(false, "", "42"))}
	a := agent.New(shortHistory(), llm, &mockIndex{})

	input := defaultInput()
	input.TopK = 0
	_, err := a.Run(context.Background(), input)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))

	input = defaultInput()
	input.MaxRetrievals = -1
	_, err = a.Run(context.Background(), input)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))

	gt.A(t, llm.calls()).Length(0)
}

func TestRunConcurrentTurns(t *testing.T) {
	llm := &mockLLM{
		fn: func(ctx context.Context, call int, prompt *model.Prompt) ([]byte, error) {
			// answer with the chat id found in the history, retrieving once per turn
			chatID := prompt.History[0].ChatID
			if strings.Contains(prompt.System, "FRAGMENT 1") {
				return decision(false, "", fmt.Sprintf("chat %d", chatID)), nil
			}
			return decision(true, fmt.Sprintf("query %d", chatID), ""), nil
		},
	}
	index := &mockIndex{
		searchFn: func(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
			return []*model.RetrievedFragment{{Content: query, Source: "doc.pdf", PageNumber: 1}}, nil
		},
	}
	a := agent.New(shortHistory(), llm, index)

	var wg sync.WaitGroup
	results := make([]*agent.State, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := defaultInput()
			input.ChatID = model.ChatID(100 + i)
			results[i], errs[i] = a.Run(context.Background(), input)
		}(i)
	}
	wg.Wait()

	for i, state := range results {
		gt.NoError(t, errs[i])
		gt.Equal(t, state.Answer, fmt.Sprintf("chat %d", 100+i))
		gt.Equal(t, state.RetrievalCount, 1)
		gt.Equal(t, state.Queries, []string{fmt.Sprintf("query %d", 100+i)})
	}
}

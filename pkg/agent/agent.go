package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/usecase/history"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
)

const DefaultTurnTimeout = 60 * time.Second

// Agent answers one turn by looping between the language model and the vector index
type Agent struct {
	store   interfaces.MessageStore
	llm     interfaces.LLM
	index   interfaces.VectorIndex
	timeout time.Duration
	graph   *Graph
}

type Option func(*Agent)

// WithTimeout sets the overall deadline of a turn. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.timeout = d
	}
}

func New(store interfaces.MessageStore, llm interfaces.LLM, index interfaces.VectorIndex, opts ...Option) *Agent {
	a := &Agent{
		store:   store,
		llm:     llm,
		index:   index,
		timeout: DefaultTurnTimeout,
		graph:   defaultGraph,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// runtime carries the collaborators of one Run into the nodes
type runtime struct {
	store interfaces.MessageStore
	llm   interfaces.LLM
	index interfaces.VectorIndex
}

// Run executes the decision loop for one turn and returns the final state. Collaborator
// errors are returned as they are, tagged with their category.
func (a *Agent) Run(ctx context.Context, input Input) (*State, error) {
	if input.TopK <= 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "top_k must be positive", goerr.V("top_k", input.TopK))
	}
	if input.MaxRetrievals < 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "max_retrievals must not be negative", goerr.V("max_retrievals", input.MaxRetrievals))
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	env := &runtime{store: a.store, llm: a.llm, index: a.index}
	final, err := a.graph.run(ctx, env, NewState(input))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, goerr.Wrap(errors.Join(model.ErrTurnTimeout, ctx.Err()), "turn deadline exceeded",
				goerr.V("timeout", a.timeout.String()),
				goerr.V("interrupted", err.Error()),
				goerr.V("retrieval_count", final.RetrievalCount))
		}
		return nil, err
	}

	if strings.TrimSpace(final.Answer) == "" {
		return nil, goerr.Wrap(model.ErrModelResponseMalformed, "model finished without an answer",
			goerr.V("retrieval_count", final.RetrievalCount))
	}

	logging.From(ctx).Debug("agent finished",
		"chat_id", final.ChatID,
		"retrieval_count", final.RetrievalCount,
		"history_size", len(final.History),
	)
	return &final, nil
}

func loadHistory(ctx context.Context, env *runtime, s State) (State, error) {
	messages, err := await(ctx, func(ctx context.Context) ([]*model.Message, error) {
		return history.Window(ctx, env.store, s.ChatID, s.HistoryBudget)
	})
	if err != nil {
		return s, err
	}
	s.History = messages
	return s, nil
}

func askModel(ctx context.Context, env *runtime, s State) (State, error) {
	prompt, err := buildPrompt(s)
	if err != nil {
		return s, err
	}

	raw, err := await(ctx, func(ctx context.Context) ([]byte, error) {
		return env.llm.CompleteStructured(ctx, prompt, decisionSchema)
	})
	if err != nil {
		if errors.Is(err, model.ErrModelResponseMalformed) {
			return s, err
		}
		return s, goerr.Wrap(errors.Join(model.ErrModelCallFailed, err), "language model call failed",
			goerr.V("retrieval_count", s.RetrievalCount))
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		return s, err
	}

	s.IsNeedMoreContext = decision.IsNeedMoreContext
	s.FindContext = decision.FindContext
	s.proposed = decision.Answer
	return s, nil
}

func retrieve(ctx context.Context, env *runtime, s State) (State, error) {
	fragments, err := await(ctx, func(ctx context.Context) ([]*model.RetrievedFragment, error) {
		return env.index.Search(ctx, s.FindContext, s.UserID, s.TopK)
	})
	if err != nil {
		return s, goerr.Wrap(errors.Join(model.ErrIndexCallFailed, err), "vector search failed",
			goerr.V("query", s.FindContext),
			goerr.V("retrieval_count", s.RetrievalCount))
	}

	logging.From(ctx).Debug("retrieved fragments",
		"query", s.FindContext,
		"count", len(fragments),
	)

	s.ExtraContext = FormatContext(fragments)
	s.RetrievalCount++
	s.Queries = append(slices.Clip(s.Queries), s.FindContext)
	return s, nil
}

// await runs call and gives up as soon as ctx is done, even if call ignores ctx
func await[T any](ctx context.Context, call func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, goerr.Wrap(ctx.Err(), "collaborator call interrupted")
	}
}

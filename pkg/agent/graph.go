package agent

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
)

type node func(ctx context.Context, env *runtime, s State) (State, error)

type route func(s State) Step

// Graph is the compiled topology of the decision loop. It holds no per-turn data and is
// never modified after compile, so one instance serves every concurrent turn.
type Graph struct {
	entry   Step
	nodes   map[Step]node
	routes  map[Step]route
	targets map[Step][]Step
}

// defaultGraph is built once during package initialization
var defaultGraph = mustCompile(newGraphBuilder().
	node(StepLoadingHistory, loadHistory).
	node(StepAwaitingModel, askModel).
	node(StepRetrieving, retrieve).
	edge(StepLoadingHistory, StepAwaitingModel).
	branch(StepAwaitingModel, gateRoute, StepRetrieving, StepDone).
	edge(StepRetrieving, StepAwaitingModel).
	entry(StepLoadingHistory))

func gateRoute(s State) Step {
	if ShouldRetrieve(s.IsNeedMoreContext, s.RetrievalCount, s.MaxRetrievals) {
		return StepRetrieving
	}
	return StepDone
}

type graphBuilder struct {
	g *Graph
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{
		g: &Graph{
			entry:   StepDone,
			nodes:   make(map[Step]node),
			routes:  make(map[Step]route),
			targets: make(map[Step][]Step),
		},
	}
}

func (b *graphBuilder) node(step Step, fn node) *graphBuilder {
	b.g.nodes[step] = fn
	return b
}

func (b *graphBuilder) edge(from, to Step) *graphBuilder {
	b.g.routes[from] = func(State) Step { return to }
	b.g.targets[from] = []Step{to}
	return b
}

func (b *graphBuilder) branch(from Step, r route, targets ...Step) *graphBuilder {
	b.g.routes[from] = r
	b.g.targets[from] = targets
	return b
}

func (b *graphBuilder) entry(step Step) *graphBuilder {
	b.g.entry = step
	return b
}

func (b *graphBuilder) compile() (*Graph, error) {
	g := b.g
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, goerr.New("entry step has no node", goerr.V("step", g.entry))
	}
	if _, ok := g.nodes[StepDone]; ok {
		return nil, goerr.New("terminal step must not have a node")
	}

	for step := range g.nodes {
		if _, ok := g.routes[step]; !ok {
			return nil, goerr.New("step has no outgoing edge", goerr.V("step", step))
		}
		for _, to := range g.targets[step] {
			if _, ok := g.nodes[to]; !ok && to != StepDone {
				return nil, goerr.New("edge points to unknown step", goerr.V("from", step), goerr.V("to", to))
			}
		}
	}
	for step := range g.routes {
		if _, ok := g.nodes[step]; !ok {
			return nil, goerr.New("edge starts from unknown step", goerr.V("step", step))
		}
	}

	return g, nil
}

func mustCompile(b *graphBuilder) *Graph {
	g, err := b.compile()
	if err != nil {
		panic(err)
	}
	return g
}

// run drives s from the entry step to StepDone
func (g *Graph) run(ctx context.Context, env *runtime, s State) (State, error) {
	logger := logging.From(ctx)

	for step := g.entry; step != StepDone; {
		logger.Debug("agent step",
			"step", step.String(),
			"chat_id", s.ChatID,
			"retrieval_count", s.RetrievalCount,
		)

		next, err := g.nodes[step](ctx, env, s)
		if err != nil {
			return s, err
		}
		s = next

		to := g.routes[step](s)
		if !g.allowed(step, to) {
			return s, goerr.New("transition is not part of the graph", goerr.V("from", step), goerr.V("to", to))
		}
		step = to
	}

	s.Answer = s.proposed
	return s, nil
}

func (g *Graph) allowed(from, to Step) bool {
	for _, t := range g.targets[from] {
		if t == to {
			return true
		}
	}
	return false
}

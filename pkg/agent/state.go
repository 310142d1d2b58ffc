package agent

import (
	"github.com/m-mizutani/paperchat/pkg/model"
)

// Step is a node of the decision loop
type Step int

const (
	StepLoadingHistory Step = iota
	StepAwaitingModel
	StepRetrieving
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepLoadingHistory:
		return "loading_history"
	case StepAwaitingModel:
		return "awaiting_model"
	case StepRetrieving:
		return "retrieving"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// State is the per-turn scratchpad. Nodes receive it by value and return the updated copy;
// nothing in it is shared between turns.
type State struct {
	UserID  model.UserID
	ChatID  model.ChatID
	History []*model.Message

	IsNeedMoreContext bool
	FindContext       string
	ExtraContext      string
	Answer            string

	TopK           int
	HistoryBudget  int
	RetrievalCount int
	MaxRetrievals  int

	// Queries holds every retrieval query issued in this turn, oldest first
	Queries []string

	// proposed is the answer of the latest model response. It becomes Answer only on the
	// transition to StepDone.
	proposed string
}

// Input configures one turn
type Input struct {
	UserID        model.UserID
	ChatID        model.ChatID
	HistoryBudget int
	TopK          int
	MaxRetrievals int
}

// NewState builds the initial state of a turn
func NewState(input Input) State {
	return State{
		UserID:        input.UserID,
		ChatID:        input.ChatID,
		ExtraContext:  NoContextFound,
		TopK:          input.TopK,
		HistoryBudget: input.HistoryBudget,
		MaxRetrievals: input.MaxRetrievals,
	}
}

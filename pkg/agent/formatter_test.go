package agent_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/agent"
	"github.com/m-mizutani/paperchat/pkg/model"
)

func TestFormatContextEmpty(t *testing.T) {
	gt.Equal(t, agent.FormatContext(nil), agent.NoContextFound)
	gt.Equal(t, agent.FormatContext([]*model.RetrievedFragment{}), agent.NoContextFound)
	gt.Equal(t, agent.FormatContext([]*model.RetrievedFragment{nil}), agent.NoContextFound)
}

func TestFormatContext(t *testing.T) {
	fragments := []*model.RetrievedFragment{
		{Content: "  Refunds are accepted within 30 days.\n", Source: "policy.pdf", PageNumber: 3},
		{Content: "Contact support first.", Source: "faq.pdf", PageNumber: 1},
	}

	out := agent.FormatContext(fragments)
	gt.Equal(t, out,
		"--- FRAGMENT 1 | SOURCE: policy.pdf | PAGE: 3 ---\n"+
			"Refunds are accepted within 30 days.\n\n"+
			"--- FRAGMENT 2 | SOURCE: faq.pdf | PAGE: 1 ---\n"+
			"Contact support first.")
}

func TestFormatContextNeverSentinel(t *testing.T) {
	fragments := []*model.RetrievedFragment{
		{Content: agent.NoContextFound, Source: "", PageNumber: 0},
	}
	gt.NotEqual(t, agent.FormatContext(fragments), agent.NoContextFound)

	empty := []*model.RetrievedFragment{{}}
	gt.NotEqual(t, agent.FormatContext(empty), agent.NoContextFound)
}

package history_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/usecase/history"
)

func TestMessagesOldestFirst(t *testing.T) {
	store := storeOf(newestFirst("first", "second", "third"))

	messages, err := history.Messages(context.Background(), store, 1, 0)
	gt.NoError(t, err)
	gt.A(t, messages).Length(3)
	gt.Equal(t, messages[0].Text, "first")
	gt.Equal(t, messages[2].Text, "third")

	latest, err := history.Messages(context.Background(), store, 1, 2)
	gt.NoError(t, err)
	gt.A(t, latest).Length(2)
	gt.Equal(t, latest[0].Text, "second")
	gt.Equal(t, latest[1].ID, model.MessageID(3))
}

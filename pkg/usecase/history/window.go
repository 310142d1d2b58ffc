package history

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// Window returns the most recent messages of the chat whose total size fits budget, ordered
// oldest first. Selection is per message: a message that does not fit ends the window, it is
// never truncated.
func Window(ctx context.Context, store interfaces.MessageStore, chatID model.ChatID, budget int) ([]*model.Message, error) {
	if budget <= 0 {
		return []*model.Message{}, nil
	}

	messages, err := store.LoadMessagesNewestFirst(ctx, chatID)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrHistoryLoadFailed, err), "failed to load chat history",
			goerr.V("chat_id", chatID))
	}

	return Select(messages, budget), nil
}

// Select applies the window to messages given newest first
func Select(newestFirst []*model.Message, budget int) []*model.Message {
	selected := []*model.Message{}
	if budget <= 0 {
		return selected
	}

	total := 0
	for _, msg := range newestFirst {
		if msg == nil {
			continue
		}
		total += msg.Size()
		if total > budget {
			break
		}
		selected = append(selected, msg)
	}

	slices.SortStableFunc(selected, func(a, b *model.Message) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return selected
}

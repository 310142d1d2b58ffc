package history

import (
	"context"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// ListChats returns chats of the user
func ListChats(ctx context.Context, repo interfaces.Repository, userID model.UserID) ([]*model.Chat, error) {
	chats, err := repo.ListChats(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list chats", goerr.V("user_id", userID))
	}
	return chats, nil
}

// Messages returns the whole conversation of a chat, oldest first. If limit is positive only
// the latest limit messages are returned.
func Messages(ctx context.Context, store interfaces.MessageStore, chatID model.ChatID, limit int) ([]*model.Message, error) {
	messages, err := store.LoadMessagesNewestFirst(ctx, chatID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load messages", goerr.V("chat_id", chatID))
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	messages = slices.Clone(messages)
	slices.Reverse(messages)
	return messages, nil
}

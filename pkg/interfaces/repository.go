package interfaces

import (
	"context"

	"github.com/m-mizutani/paperchat/pkg/model"
)

// MessageStore is the persistence a turn needs
type MessageStore interface {
	// AppendMessage persists a new message and returns it with its assigned ID
	AppendMessage(ctx context.Context, chatID model.ChatID, text string, author model.Author) (*model.Message, error)

	// LoadMessagesNewestFirst returns every message of the chat ordered by ID descending
	LoadMessagesNewestFirst(ctx context.Context, chatID model.ChatID) ([]*model.Message, error)
}

// Repository defines persistence for users, chats, messages and document metadata
type Repository interface {
	MessageStore

	CreateUser(ctx context.Context, username, nickname string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	CreateChat(ctx context.Context, userID model.UserID, name string) (*model.Chat, error)
	GetChat(ctx context.Context, chatID model.ChatID) (*model.Chat, error)
	ListChats(ctx context.Context, userID model.UserID) ([]*model.Chat, error)

	PutDocument(ctx context.Context, doc *model.Document) error
	ListDocuments(ctx context.Context, userID model.UserID) ([]*model.Document, error)
}

package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// Memory is an in-process repository for local runs and tests
type Memory struct {
	mu sync.RWMutex

	users     map[model.UserID]*model.User
	chats     map[model.ChatID]*model.Chat
	messages  map[model.ChatID][]*model.Message
	documents map[model.DocumentID]*model.Document

	lastUserID    model.UserID
	lastChatID    model.ChatID
	lastMessageID model.MessageID
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[model.UserID]*model.User),
		chats:     make(map[model.ChatID]*model.Chat),
		messages:  make(map[model.ChatID][]*model.Message),
		documents: make(map[model.DocumentID]*model.Document),
	}
}

func (r *Memory) CreateUser(ctx context.Context, username, nickname string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == username {
			return nil, goerr.Wrap(model.ErrInvalidInput, "username already exists", goerr.V("username", username))
		}
	}

	r.lastUserID++
	user := &model.User{
		ID:        r.lastUserID,
		Username:  username,
		Nickname:  nickname,
		CreatedAt: time.Now().UTC(),
	}
	r.users[user.ID] = user
	copied := *user
	return &copied, nil
}

func (r *Memory) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, goerr.Wrap(model.ErrNotFound, "user not found", goerr.V("username", username))
}

func (r *Memory) CreateChat(ctx context.Context, userID model.UserID, name string) (*model.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastChatID++
	chat := &model.Chat{
		ID:        r.lastChatID,
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	r.chats[chat.ID] = chat
	copied := *chat
	return &copied, nil
}

func (r *Memory) GetChat(ctx context.Context, chatID model.ChatID) (*model.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chat, ok := r.chats[chatID]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID))
	}
	copied := *chat
	return &copied, nil
}

func (r *Memory) ListChats(ctx context.Context, userID model.UserID) ([]*model.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chats []*model.Chat
	for _, c := range r.chats {
		if c.UserID == userID {
			copied := *c
			chats = append(chats, &copied)
		}
	}
	slices.SortFunc(chats, func(a, b *model.Chat) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return chats, nil
}

func (r *Memory) AppendMessage(ctx context.Context, chatID model.ChatID, text string, author model.Author) (*model.Message, error) {
	if err := author.Validate(); err != nil {
		return nil, goerr.Wrap(err, "failed to append message", goerr.V("author", author))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chats[chatID]; !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID))
	}

	r.lastMessageID++
	msg := &model.Message{
		ID:        r.lastMessageID,
		ChatID:    chatID,
		Text:      text,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	r.messages[chatID] = append(r.messages[chatID], msg)
	copied := *msg
	return &copied, nil
}

func (r *Memory) LoadMessagesNewestFirst(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.messages[chatID]
	messages := make([]*model.Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		copied := *stored[i]
		messages = append(messages, &copied)
	}
	return messages, nil
}

func (r *Memory) PutDocument(ctx context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *doc
	r.documents[doc.ID] = &copied
	return nil
}

func (r *Memory) ListDocuments(ctx context.Context, userID model.UserID) ([]*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var docs []*model.Document
	for _, d := range r.documents {
		if d.UserID == userID {
			copied := *d
			docs = append(docs, &copied)
		}
	}
	slices.SortFunc(docs, func(a, b *model.Document) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return docs, nil
}

package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionUsers     = "users"
	collectionChats     = "chats"
	collectionMessages  = "messages"
	collectionDocuments = "documents"
	collectionCounters  = "counters"
)

// Firestore implements the repository on Cloud Firestore. Numeric IDs come from counter
// documents updated in the same transaction as the insert.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) Client() *firestore.Client {
	return r.client
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

type counter struct {
	Value int64 `firestore:"value"`
}

// nextID must run before any write of the transaction
func (r *Firestore) nextID(tx *firestore.Transaction, name string) (int64, error) {
	ref := r.client.Collection(collectionCounters).Doc(name)
	snap, err := tx.Get(ref)
	var c counter
	switch {
	case status.Code(err) == codes.NotFound:
	case err != nil:
		return 0, goerr.Wrap(err, "failed to read counter", goerr.V("counter", name))
	default:
		if err := snap.DataTo(&c); err != nil {
			return 0, goerr.Wrap(err, "failed to decode counter", goerr.V("counter", name))
		}
	}

	c.Value++
	if err := tx.Set(ref, c); err != nil {
		return 0, goerr.Wrap(err, "failed to update counter", goerr.V("counter", name))
	}
	return c.Value, nil
}

func chatDocID(chatID model.ChatID) string {
	return strconv.FormatInt(int64(chatID), 10)
}

func messageDocID(id model.MessageID) string {
	return fmt.Sprintf("%020d", id)
}

func (r *Firestore) CreateUser(ctx context.Context, username, nickname string) (*model.User, error) {
	if username == "" || strings.Contains(username, "/") {
		return nil, goerr.Wrap(model.ErrInvalidInput, "invalid username", goerr.V("username", username))
	}

	var user *model.User
	ref := r.client.Collection(collectionUsers).Doc(username)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err == nil {
			return goerr.Wrap(model.ErrInvalidInput, "username already exists", goerr.V("username", username))
		} else if status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to check user")
		}

		id, err := r.nextID(tx, collectionUsers)
		if err != nil {
			return err
		}
		user = &model.User{
			ID:        model.UserID(id),
			Username:  username,
			Nickname:  nickname,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(ref, user)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create user", goerr.V("username", username))
	}
	return user, nil
}

func (r *Firestore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	snap, err := r.client.Collection(collectionUsers).Doc(username).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goerr.Wrap(model.ErrNotFound, "user not found", goerr.V("username", username))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get user", goerr.V("username", username))
	}

	var user model.User
	if err := snap.DataTo(&user); err != nil {
		return nil, goerr.Wrap(err, "failed to decode user", goerr.V("username", username))
	}
	return &user, nil
}

func (r *Firestore) CreateChat(ctx context.Context, userID model.UserID, name string) (*model.Chat, error) {
	var chat *model.Chat
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		id, err := r.nextID(tx, collectionChats)
		if err != nil {
			return err
		}
		chat = &model.Chat{
			ID:        model.ChatID(id),
			UserID:    userID,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(r.client.Collection(collectionChats).Doc(chatDocID(chat.ID)), chat)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chat", goerr.V("user_id", userID))
	}
	return chat, nil
}

func (r *Firestore) GetChat(ctx context.Context, chatID model.ChatID) (*model.Chat, error) {
	snap, err := r.client.Collection(collectionChats).Doc(chatDocID(chatID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chat", goerr.V("chat_id", chatID))
	}

	var chat model.Chat
	if err := snap.DataTo(&chat); err != nil {
		return nil, goerr.Wrap(err, "failed to decode chat", goerr.V("chat_id", chatID))
	}
	return &chat, nil
}

func (r *Firestore) ListChats(ctx context.Context, userID model.UserID) ([]*model.Chat, error) {
	iter := r.client.Collection(collectionChats).Where("user_id", "==", int64(userID)).Documents(ctx)
	defer iter.Stop()

	var chats []*model.Chat
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate chats", goerr.V("user_id", userID))
		}

		var chat model.Chat
		if err := doc.DataTo(&chat); err != nil {
			return nil, goerr.Wrap(err, "failed to decode chat", goerr.V("doc_id", doc.Ref.ID))
		}
		chats = append(chats, &chat)
	}

	slices.SortFunc(chats, func(a, b *model.Chat) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return chats, nil
}

func (r *Firestore) AppendMessage(ctx context.Context, chatID model.ChatID, text string, author model.Author) (*model.Message, error) {
	if err := author.Validate(); err != nil {
		return nil, goerr.Wrap(err, "failed to append message", goerr.V("author", author))
	}

	chatRef := r.client.Collection(collectionChats).Doc(chatDocID(chatID))
	var msg *model.Message
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(chatRef); status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID))
		} else if err != nil {
			return goerr.Wrap(err, "failed to get chat")
		}

		id, err := r.nextID(tx, collectionMessages)
		if err != nil {
			return err
		}
		msg = &model.Message{
			ID:        model.MessageID(id),
			ChatID:    chatID,
			Text:      text,
			Author:    author,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(chatRef.Collection(collectionMessages).Doc(messageDocID(msg.ID)), msg)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to append message", goerr.V("chat_id", chatID))
	}
	return msg, nil
}

func (r *Firestore) LoadMessagesNewestFirst(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
	iter := r.client.Collection(collectionChats).Doc(chatDocID(chatID)).
		Collection(collectionMessages).
		OrderBy("id", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var messages []*model.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate messages", goerr.V("chat_id", chatID))
		}

		var msg model.Message
		if err := doc.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message", goerr.V("doc_id", doc.Ref.ID))
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

func (r *Firestore) PutDocument(ctx context.Context, doc *model.Document) error {
	if _, err := r.client.Collection(collectionDocuments).Doc(string(doc.ID)).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put document", goerr.V("document_id", doc.ID))
	}
	return nil
}

func (r *Firestore) ListDocuments(ctx context.Context, userID model.UserID) ([]*model.Document, error) {
	iter := r.client.Collection(collectionDocuments).Where("user_id", "==", int64(userID)).Documents(ctx)
	defer iter.Stop()

	var docs []*model.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate documents", goerr.V("user_id", userID))
		}

		var doc model.Document
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode document", goerr.V("doc_id", snap.Ref.ID))
		}
		docs = append(docs, &doc)
	}

	slices.SortFunc(docs, func(a, b *model.Document) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return docs, nil
}

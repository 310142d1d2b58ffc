package repository_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// testRepository checks behavior every implementation must share
func testRepository(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	username := fmt.Sprintf("user-%d", time.Now().UnixNano())

	user, err := repo.CreateUser(ctx, username, "nick")
	gt.NoError(t, err)
	gt.Equal(t, user.Username, username)
	gt.True(t, user.ID > 0)

	t.Run("duplicate username", func(t *testing.T) {
		_, err := repo.CreateUser(ctx, username, "other")
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrInvalidInput))
	})

	t.Run("get user", func(t *testing.T) {
		got, err := repo.GetUserByUsername(ctx, username)
		gt.NoError(t, err)
		gt.Equal(t, got.ID, user.ID)

		_, err = repo.GetUserByUsername(ctx, username+"-missing")
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	chat, err := repo.CreateChat(ctx, user.ID, "first chat")
	gt.NoError(t, err)
	gt.Equal(t, chat.UserID, user.ID)

	t.Run("get chat", func(t *testing.T) {
		got, err := repo.GetChat(ctx, chat.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Name, "first chat")

		_, err = repo.GetChat(ctx, chat.ID+100000)
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("list chats newest first", func(t *testing.T) {
		second, err := repo.CreateChat(ctx, user.ID, "second chat")
		gt.NoError(t, err)

		chats, err := repo.ListChats(ctx, user.ID)
		gt.NoError(t, err)
		gt.A(t, chats).Length(2)
		gt.Equal(t, chats[0].ID, second.ID)
		gt.Equal(t, chats[1].ID, chat.ID)
	})

	t.Run("messages", func(t *testing.T) {
		texts := []string{"hello", "hi, how can I help?", "what is the refund policy?"}
		authors := []model.Author{model.AuthorHuman, model.AuthorAI, model.AuthorHuman}
		var appended []*model.Message
		for i, text := range texts {
			msg, err := repo.AppendMessage(ctx, chat.ID, text, authors[i])
			gt.NoError(t, err)
			gt.Equal(t, msg.Text, text)
			gt.Equal(t, msg.ChatID, chat.ID)
			appended = append(appended, msg)
		}
		for i := 1; i < len(appended); i++ {
			gt.True(t, appended[i-1].ID < appended[i].ID)
		}

		loaded, err := repo.LoadMessagesNewestFirst(ctx, chat.ID)
		gt.NoError(t, err)
		gt.A(t, loaded).Length(3)
		gt.Equal(t, loaded[0].Text, texts[2])
		gt.Equal(t, loaded[2].Text, texts[0])
		gt.Equal(t, loaded[1].Author, model.AuthorAI)
	})

	t.Run("invalid author", func(t *testing.T) {
		_, err := repo.AppendMessage(ctx, chat.ID, "x", model.Author("BOT"))
		gt.True(t, errors.Is(err, model.ErrInvalidAuthor))
	})

	t.Run("empty chat", func(t *testing.T) {
		empty, err := repo.CreateChat(ctx, user.ID, "")
		gt.NoError(t, err)

		loaded, err := repo.LoadMessagesNewestFirst(ctx, empty.ID)
		gt.NoError(t, err)
		gt.A(t, loaded).Length(0)
	})

	t.Run("documents", func(t *testing.T) {
		doc := &model.Document{
			ID:        model.NewDocumentID(),
			UserID:    user.ID,
			Key:       "documents/" + strings.ReplaceAll(username, "-", "") + "/a.pdf",
			Filename:  "a.pdf",
			Pages:     3,
			Chunks:    12,
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		gt.NoError(t, repo.PutDocument(ctx, doc))

		docs, err := repo.ListDocuments(ctx, user.ID)
		gt.NoError(t, err)
		gt.A(t, docs).Length(1)
		gt.Equal(t, docs[0].ID, doc.ID)
		gt.Equal(t, docs[0].Chunks, 12)

		others, err := repo.ListDocuments(ctx, user.ID+100000)
		gt.NoError(t, err)
		gt.A(t, others).Length(0)
	})
}

func testConcurrentAppend(t *testing.T, repo interfaces.Repository) {
	ctx := context.Background()
	user, err := repo.CreateUser(ctx, fmt.Sprintf("concurrent-%d", time.Now().UnixNano()), "")
	gt.NoError(t, err)
	chat, err := repo.CreateChat(ctx, user.ID, "concurrent")
	gt.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.AppendMessage(ctx, chat.ID, fmt.Sprintf("message %d", i), model.AuthorHuman)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		gt.NoError(t, err)
	}

	loaded, err := repo.LoadMessagesNewestFirst(ctx, chat.ID)
	gt.NoError(t, err)
	gt.A(t, loaded).Length(10)
	seen := map[model.MessageID]bool{}
	for i, msg := range loaded {
		gt.False(t, seen[msg.ID])
		seen[msg.ID] = true
		if i > 0 {
			gt.True(t, loaded[i-1].ID > msg.ID)
		}
	}
}

package model

import (
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidAuthor = goerr.New("invalid author")
)

type UserID int64

type ChatID int64

type MessageID int64

type Author string

const (
	AuthorHuman  Author = "HUMAN"
	AuthorAI     Author = "AI"
	AuthorSystem Author = "SYSTEM"
)

// Validate checks if the author is one of the known roles
func (a Author) Validate() error {
	switch a {
	case AuthorHuman, AuthorAI, AuthorSystem:
		return nil
	default:
		return ErrInvalidAuthor
	}
}

type User struct {
	ID        UserID    `json:"id" firestore:"id"`
	Username  string    `json:"username" firestore:"username"`
	Nickname  string    `json:"nickname,omitempty" firestore:"nickname"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
}

type Chat struct {
	ID        ChatID    `json:"id" firestore:"id"`
	UserID    UserID    `json:"user_id" firestore:"user_id"`
	Name      string    `json:"name,omitempty" firestore:"name"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
}

// Message is immutable once persisted. IDs grow monotonically, so ordering by ID is
// chronological order.
type Message struct {
	ID        MessageID `json:"id" firestore:"id"`
	ChatID    ChatID    `json:"chat_id" firestore:"chat_id"`
	Text      string    `json:"text" firestore:"text"`
	Author    Author    `json:"author" firestore:"author"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
}

// Size returns the length of the message text in characters. A nil message counts as zero.
func (m *Message) Size() int {
	if m == nil {
		return 0
	}
	return utf8.RuneCountInString(m.Text)
}

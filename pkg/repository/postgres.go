package repository

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"text/template"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
)

//go:embed schema/postgres.sql
var postgresSchemaRaw string

var postgresSchemaTmpl = template.Must(template.New("schema").Parse(postgresSchemaRaw))

const pgUniqueViolation = "23505"

// Postgres implements the repository on PostgreSQL. The pool is shared with the pgvector
// index.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and pings the database
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse connection string")
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to ping database")
	}

	return &Postgres{pool: pool}, nil
}

func (r *Postgres) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *Postgres) Close() {
	r.pool.Close()
}

// Migrate creates tables and indexes if they do not exist. dimensions is the embedding
// vector size of the chunks table.
func (r *Postgres) Migrate(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return goerr.Wrap(model.ErrInvalidInput, "embedding dimensions must be positive", goerr.V("dimensions", dimensions))
	}

	var buf bytes.Buffer
	if err := postgresSchemaTmpl.Execute(&buf, struct{ Dimensions int }{dimensions}); err != nil {
		return goerr.Wrap(err, "failed to render schema")
	}

	if _, err := r.pool.Exec(ctx, buf.String()); err != nil {
		return goerr.Wrap(err, "failed to apply schema")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *Postgres) CreateUser(ctx context.Context, username, nickname string) (*model.User, error) {
	user := model.User{Username: username, Nickname: nickname}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, nickname) VALUES ($1, $2)
		 RETURNING id, created_at`,
		username, nickname,
	).Scan(&user.ID, &user.CreatedAt)
	if isUniqueViolation(err) {
		return nil, goerr.Wrap(errors.Join(model.ErrInvalidInput, err), "username already exists", goerr.V("username", username))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to insert user", goerr.V("username", username))
	}
	return &user, nil
}

func (r *Postgres) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(nickname, ''), created_at FROM users WHERE username = $1`,
		username,
	).Scan(&user.ID, &user.Username, &user.Nickname, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "user not found", goerr.V("username", username))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get user", goerr.V("username", username))
	}
	return &user, nil
}

func (r *Postgres) CreateChat(ctx context.Context, userID model.UserID, name string) (*model.Chat, error) {
	chat := model.Chat{UserID: userID, Name: name}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO chats (user_id, name) VALUES ($1, $2) RETURNING id, created_at`,
		userID, name,
	).Scan(&chat.ID, &chat.CreatedAt)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to insert chat", goerr.V("user_id", userID))
	}
	return &chat, nil
}

func (r *Postgres) GetChat(ctx context.Context, chatID model.ChatID) (*model.Chat, error) {
	var chat model.Chat
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, COALESCE(name, ''), created_at FROM chats WHERE id = $1`,
		chatID,
	).Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chat", goerr.V("chat_id", chatID))
	}
	return &chat, nil
}

func (r *Postgres) ListChats(ctx context.Context, userID model.UserID) ([]*model.Chat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(name, ''), created_at FROM chats
		 WHERE user_id = $1 ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chats", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var chats []*model.Chat
	for rows.Next() {
		var chat model.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Name, &chat.CreatedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan chat")
		}
		chats = append(chats, &chat)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate chats")
	}
	return chats, nil
}

func (r *Postgres) AppendMessage(ctx context.Context, chatID model.ChatID, text string, author model.Author) (*model.Message, error) {
	if err := author.Validate(); err != nil {
		return nil, goerr.Wrap(err, "failed to append message", goerr.V("author", author))
	}

	msg := model.Message{ChatID: chatID, Text: text, Author: author}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (chat_id, text, author) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		chatID, text, string(author),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to insert message", goerr.V("chat_id", chatID))
	}
	return &msg, nil
}

func (r *Postgres) LoadMessagesNewestFirst(ctx context.Context, chatID model.ChatID) ([]*model.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_id, COALESCE(text, ''), author, created_at FROM messages
		 WHERE chat_id = $1 ORDER BY id DESC`,
		chatID,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query messages", goerr.V("chat_id", chatID))
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		var (
			msg    model.Message
			author string
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Text, &author, &msg.CreatedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message")
		}
		msg.Author = model.Author(author)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages")
	}
	return messages, nil
}

func (r *Postgres) PutDocument(ctx context.Context, doc *model.Document) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO documents (id, user_id, key, filename, pages, chunks, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET pages = EXCLUDED.pages, chunks = EXCLUDED.chunks`,
		string(doc.ID), doc.UserID, doc.Key, doc.Filename, doc.Pages, doc.Chunks, doc.CreatedAt,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to put document", goerr.V("document_id", doc.ID))
	}
	return nil
}

func (r *Postgres) ListDocuments(ctx context.Context, userID model.UserID) ([]*model.Document, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, user_id, key, COALESCE(filename, ''), pages, chunks, created_at FROM documents
		 WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query documents", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		var (
			doc model.Document
			id  string
		)
		if err := rows.Scan(&id, &doc.UserID, &doc.Key, &doc.Filename, &doc.Pages, &doc.Chunks, &doc.CreatedAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan document")
		}
		doc.ID = model.DocumentID(id)
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate documents")
	}
	return docs, nil
}

package interfaces

import (
	"context"
	"io"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// LLM produces a JSON document conforming to schema. It returns the raw payload; decoding and
// validation belong to the caller.
type LLM interface {
	CompleteStructured(ctx context.Context, prompt *model.Prompt, schema *jsonschema.Schema) ([]byte, error)
}

// EmbedTask distinguishes document and query embeddings for models that embed them differently
type EmbedTask string

const (
	EmbedTaskDocument EmbedTask = "RETRIEVAL_DOCUMENT"
	EmbedTaskQuery    EmbedTask = "RETRIEVAL_QUERY"
)

type Embedder interface {
	Embed(ctx context.Context, text string, task EmbedTask) ([]float32, error)
}

// VectorIndex stores chunks and answers similarity queries scoped to one user
type VectorIndex interface {
	// Search returns up to topK fragments ranked by relevance. A blank query returns an
	// empty result without error.
	Search(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error)

	// Upsert is idempotent per chunk ID
	Upsert(ctx context.Context, chunks []*model.Chunk) error
}

type Parser interface {
	Parse(ctx context.Context, data []byte, filename string) ([]*model.Page, error)
}

// Storage is the interface for raw document archive
type Storage interface {
	// Put returns a writer to save an object under key
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Get opens an object for reading
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type TurnLogger interface {
	Put(ctx context.Context, record *model.TurnRecord) error
}

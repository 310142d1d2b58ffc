// Package index embeds chunks and serves similarity search scoped by user.
package index

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

type config struct {
	concurrency int
}

type Option func(*config)

// WithConcurrency bounds the number of embedding requests in flight during Upsert
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func newConfig(opts ...Option) config {
	cfg := config{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type embeddedChunk struct {
	id     model.ChunkID
	chunk  *model.Chunk
	vector []float32
}

// embedChunks embeds every chunk as a document. Chunks sharing an ID are embedded once and
// the result keeps the first occurrence order.
func embedChunks(ctx context.Context, embedder interfaces.Embedder, chunks []*model.Chunk, concurrency int) ([]embeddedChunk, error) {
	seen := make(map[model.ChunkID]struct{}, len(chunks))
	items := make([]embeddedChunk, 0, len(chunks))
	for _, c := range chunks {
		if c == nil || strings.TrimSpace(c.Content) == "" {
			continue
		}
		id := c.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, embeddedChunk{id: id, chunk: c})
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for i := range items {
		eg.Go(func() error {
			vec, err := embedder.Embed(ctx, items[i].chunk.Content, interfaces.EmbedTaskDocument)
			if err != nil {
				return goerr.Wrap(err, "failed to embed chunk",
					goerr.V("source", items[i].chunk.Source),
					goerr.V("page", items[i].chunk.PageNumber),
					goerr.V("chunk_index", items[i].chunk.ChunkIndex))
			}
			items[i].vector = vec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return items, nil
}

// embedQuery returns nil for a blank query so callers can short-circuit
func embedQuery(ctx context.Context, embedder interfaces.Embedder, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := embedder.Embed(ctx, query, interfaces.EmbedTaskQuery)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}
	return vec, nil
}

func validateTopK(topK int) error {
	if topK <= 0 {
		return goerr.Wrap(model.ErrInvalidInput, "top_k must be positive", goerr.V("top_k", topK))
	}
	return nil
}

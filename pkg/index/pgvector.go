package index

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/pgvector/pgvector-go"
)

// PGVector stores chunks in the chunks table created by the Postgres repository migration
type PGVector struct {
	pool     *pgxpool.Pool
	embedder interfaces.Embedder
	cfg      config
}

func NewPGVector(pool *pgxpool.Pool, embedder interfaces.Embedder, opts ...Option) *PGVector {
	return &PGVector{
		pool:     pool,
		embedder: embedder,
		cfg:      newConfig(opts...),
	}
}

func (x *PGVector) Upsert(ctx context.Context, chunks []*model.Chunk) error {
	items, err := embedChunks(ctx, x.embedder, chunks, x.cfg.concurrency)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(
			`INSERT INTO chunks (id, user_id, source, page_number, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   source = EXCLUDED.source,
			   page_number = EXCLUDED.page_number,
			   chunk_index = EXCLUDED.chunk_index,
			   embedding = EXCLUDED.embedding`,
			string(item.id), int64(item.chunk.UserID), item.chunk.Source,
			item.chunk.PageNumber, item.chunk.ChunkIndex, item.chunk.Content,
			pgvector.NewVector(item.vector),
		)
	}

	br := x.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, item := range items {
		if _, err := br.Exec(); err != nil {
			return goerr.Wrap(err, "failed to upsert chunk", goerr.V("chunk_id", item.id))
		}
	}
	return nil
}

func (x *PGVector) Search(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
	if err := validateTopK(topK); err != nil {
		return nil, err
	}

	vec, err := embedQuery(ctx, x.embedder, query)
	if err != nil || vec == nil {
		return nil, err
	}

	embedding := pgvector.NewVector(vec)
	rows, err := x.pool.Query(ctx,
		`SELECT content, source, page_number, chunk_index, 1 - (embedding <=> $1) AS score
		 FROM chunks
		 WHERE user_id = $2
		 ORDER BY embedding <=> $1, source, page_number, chunk_index
		 LIMIT $3`,
		&embedding, int64(userID), topK,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search chunks", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var results []*model.RetrievedFragment
	for rows.Next() {
		var f model.RetrievedFragment
		if err := rows.Scan(&f.Content, &f.Source, &f.PageNumber, &f.ChunkIndex, &f.Score); err != nil {
			return nil, goerr.Wrap(err, "failed to scan chunk")
		}
		results = append(results, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate chunks")
	}

	return results, nil
}

package index

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// Memory keeps vectors in process and ranks by cosine similarity
type Memory struct {
	embedder interfaces.Embedder
	cfg      config

	mu      sync.RWMutex
	entries map[model.ChunkID]memoryEntry
}

type memoryEntry struct {
	chunk  model.Chunk
	vector []float32
}

func NewMemory(embedder interfaces.Embedder, opts ...Option) *Memory {
	return &Memory{
		embedder: embedder,
		cfg:      newConfig(opts...),
		entries:  make(map[model.ChunkID]memoryEntry),
	}
}

func (x *Memory) Upsert(ctx context.Context, chunks []*model.Chunk) error {
	items, err := embedChunks(ctx, x.embedder, chunks, x.cfg.concurrency)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, item := range items {
		x.entries[item.id] = memoryEntry{chunk: *item.chunk, vector: item.vector}
	}
	return nil
}

func (x *Memory) Search(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
	if err := validateTopK(topK); err != nil {
		return nil, err
	}

	vec, err := embedQuery(ctx, x.embedder, query)
	if err != nil || vec == nil {
		return nil, err
	}

	x.mu.RLock()
	results := make([]*model.RetrievedFragment, 0, len(x.entries))
	for _, e := range x.entries {
		if e.chunk.UserID != userID {
			continue
		}
		results = append(results, &model.RetrievedFragment{
			Content:    e.chunk.Content,
			Source:     e.chunk.Source,
			PageNumber: e.chunk.PageNumber,
			ChunkIndex: e.chunk.ChunkIndex,
			Score:      cosineSimilarity(vec, e.vector),
		})
	}
	x.mu.RUnlock()

	// ties break on position so that equal scores give a stable order
	slices.SortFunc(results, func(a, b *model.RetrievedFragment) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		if c := cmp.Compare(a.PageNumber, b.PageNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Len returns the number of stored chunks
func (x *Memory) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

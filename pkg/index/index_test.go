package index_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
)

const testDimensions = 256

// bagEmbedder hashes words into a fixed vector so that texts sharing words are similar
type bagEmbedder struct {
	mu    sync.Mutex
	tasks []interfaces.EmbedTask
	calls atomic.Int32
	err   error
}

func (x *bagEmbedder) Embed(ctx context.Context, text string, task interfaces.EmbedTask) ([]float32, error) {
	x.calls.Add(1)
	x.mu.Lock()
	x.tasks = append(x.tasks, task)
	x.mu.Unlock()

	if x.err != nil {
		return nil, x.err
	}

	vec := make([]float32, testDimensions)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,?!")))
		vec[h.Sum32()%testDimensions] += 1
	}
	return vec, nil
}

func testChunks(userID model.UserID) []*model.Chunk {
	return []*model.Chunk{
		{Content: "golang channels are typed conduits", UserID: userID, Source: "go.pdf", PageNumber: 1, ChunkIndex: 0},
		{Content: "postgres stores rows in heap pages", UserID: userID, Source: "db.pdf", PageNumber: 3, ChunkIndex: 0},
		{Content: "cosine similarity compares vector angles", UserID: userID, Source: "math.pdf", PageNumber: 7, ChunkIndex: 2},
	}
}

func testIndex(t *testing.T, idx interfaces.VectorIndex, embedder *bagEmbedder, user, other model.UserID) {
	ctx := context.Background()

	gt.NoError(t, idx.Upsert(ctx, testChunks(user)))
	gt.NoError(t, idx.Upsert(ctx, []*model.Chunk{
		{Content: "golang channels belong to someone else", UserID: other, Source: "other.pdf", PageNumber: 1},
	}))

	t.Run("ranks by relevance", func(t *testing.T) {
		results, err := idx.Search(ctx, "how do golang channels work", user, 3)
		gt.NoError(t, err)
		gt.A(t, results).Longer(0)
		gt.Equal(t, results[0].Source, "go.pdf")
		gt.Equal(t, results[0].PageNumber, 1)
		for i := 1; i < len(results); i++ {
			gt.True(t, results[i-1].Score >= results[i].Score)
		}
	})

	t.Run("scoped to user", func(t *testing.T) {
		results, err := idx.Search(ctx, "golang channels", user, 10)
		gt.NoError(t, err)
		for _, r := range results {
			gt.NotEqual(t, r.Source, "other.pdf")
		}
	})

	t.Run("top k bounds results", func(t *testing.T) {
		results, err := idx.Search(ctx, "golang postgres cosine", user, 2)
		gt.NoError(t, err)
		gt.True(t, len(results) <= 2)
	})

	t.Run("blank query skips embedding", func(t *testing.T) {
		before := embedder.calls.Load()
		results, err := idx.Search(ctx, "   ", user, 5)
		gt.NoError(t, err)
		gt.A(t, results).Length(0)
		gt.Equal(t, embedder.calls.Load(), before)
	})

	t.Run("invalid top k", func(t *testing.T) {
		_, err := idx.Search(ctx, "golang", user, 0)
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrInvalidInput))
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		gt.NoError(t, idx.Upsert(ctx, testChunks(user)))
		results, err := idx.Search(ctx, "golang channels typed conduits", user, 10)
		gt.NoError(t, err)

		count := 0
		for _, r := range results {
			if r.Content == "golang channels are typed conduits" {
				count++
			}
		}
		gt.Equal(t, count, 1)
	})
}

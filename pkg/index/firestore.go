package index

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"google.golang.org/api/iterator"
)

const (
	collectionChunks    = "chunks"
	distanceResultField = "vector_distance"

	// FindNearest accepts at most this many neighbors
	firestoreMaxLimit = 1000
)

// Firestore stores chunks as documents with a vector field. Search needs a composite vector
// index on (user_id, embedding).
type Firestore struct {
	client   *firestore.Client
	embedder interfaces.Embedder
	cfg      config
}

type firestoreChunk struct {
	UserID     int64              `firestore:"user_id"`
	Source     string             `firestore:"source"`
	PageNumber int                `firestore:"page_number"`
	ChunkIndex int                `firestore:"chunk_index"`
	Content    string             `firestore:"content"`
	Embedding  firestore.Vector32 `firestore:"embedding"`
}

func NewFirestore(client *firestore.Client, embedder interfaces.Embedder, opts ...Option) *Firestore {
	return &Firestore{
		client:   client,
		embedder: embedder,
		cfg:      newConfig(opts...),
	}
}

func (x *Firestore) Upsert(ctx context.Context, chunks []*model.Chunk) error {
	items, err := embedChunks(ctx, x.embedder, chunks, x.cfg.concurrency)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	bw := x.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(items))
	for _, item := range items {
		doc := firestoreChunk{
			UserID:     int64(item.chunk.UserID),
			Source:     item.chunk.Source,
			PageNumber: item.chunk.PageNumber,
			ChunkIndex: item.chunk.ChunkIndex,
			Content:    item.chunk.Content,
			Embedding:  firestore.Vector32(item.vector),
		}
		job, err := bw.Set(x.client.Collection(collectionChunks).Doc(string(item.id)), doc)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue chunk", goerr.V("chunk_id", item.id))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write chunk", goerr.V("chunk_id", items[i].id))
		}
	}
	return nil
}

func (x *Firestore) Search(ctx context.Context, query string, userID model.UserID, topK int) ([]*model.RetrievedFragment, error) {
	if err := validateTopK(topK); err != nil {
		return nil, err
	}

	vec, err := embedQuery(ctx, x.embedder, query)
	if err != nil || vec == nil {
		return nil, err
	}

	limit := min(topK, firestoreMaxLimit)
	q := x.client.Collection(collectionChunks).
		Where("user_id", "==", int64(userID)).
		FindNearest("embedding", firestore.Vector32(vec), limit, firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{DistanceResultField: distanceResultField})

	iter := q.Documents(ctx)
	defer iter.Stop()

	var results []*model.RetrievedFragment
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to search chunks", goerr.V("user_id", userID))
		}

		var doc firestoreChunk
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V("chunk_id", snap.Ref.ID))
		}

		var score float64
		if d, err := snap.DataAt(distanceResultField); err == nil {
			if distance, ok := d.(float64); ok {
				score = 1 - distance
			}
		}

		results = append(results, &model.RetrievedFragment{
			Content:    doc.Content,
			Source:     doc.Source,
			PageNumber: doc.PageNumber,
			ChunkIndex: doc.ChunkIndex,
			Score:      score,
		})
	}

	return results, nil
}

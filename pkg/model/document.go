package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DocumentID string

// NewDocumentID generates a new unique DocumentID
func NewDocumentID() DocumentID {
	return DocumentID(uuid.New().String())
}

// Document is the metadata row of an uploaded file. The raw bytes live in object storage
// under Key.
type Document struct {
	ID        DocumentID `json:"id" firestore:"id"`
	UserID    UserID     `json:"user_id" firestore:"user_id"`
	Key       string     `json:"key" firestore:"key"`
	Filename  string     `json:"filename" firestore:"filename"`
	Pages     int        `json:"pages" firestore:"pages"`
	Chunks    int        `json:"chunks" firestore:"chunks"`
	CreatedAt time.Time  `json:"created_at" firestore:"created_at"`
}

// Page is one page of parsed document text. PageNumber is 1-based as extracted.
type Page struct {
	Content    string
	Source     string
	PageNumber int
}

type ChunkID string

// chunkNamespace scopes content-derived chunk IDs
var chunkNamespace = uuid.MustParse("0f6f3c2e-5d7a-4c3b-9a61-1c7b2d8e4f10")

// Chunk is a bounded slice of a single page prepared for the vector index.
type Chunk struct {
	Content    string
	UserID     UserID
	Source     string
	PageNumber int
	ChunkIndex int
}

// ID derives a stable identifier from the owner and the trimmed content. Page and position
// are not part of it, so re-uploading the same text does not create new index entries.
func (c *Chunk) ID() ChunkID {
	key := strconv.FormatInt(int64(c.UserID), 10) + "\x00" + strings.TrimSpace(c.Content)
	return ChunkID(uuid.NewSHA1(chunkNamespace, []byte(key)).String())
}

// RetrievedFragment is a chunk returned by similarity search, ranked by relevance.
type RetrievedFragment struct {
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	PageNumber int     `json:"page_number"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score,omitempty"`
}

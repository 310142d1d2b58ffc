package document

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/chunk"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/policy"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
)

const DefaultFolder = "documents"

// UseCase ingests documents into storage and the vector index
type UseCase struct {
	repo     interfaces.Repository
	parser   interfaces.Parser
	splitter *chunk.Splitter
	storage  interfaces.Storage
	index    interfaces.VectorIndex
	policy   *policy.Upload
	folder   string
}

type Option func(*UseCase)

func WithPolicy(p *policy.Upload) Option {
	return func(u *UseCase) {
		u.policy = p
	}
}

// WithFolder sets the key prefix of archived files
func WithFolder(folder string) Option {
	return func(u *UseCase) {
		u.folder = strings.Trim(folder, "/")
	}
}

func New(repo interfaces.Repository, parser interfaces.Parser, splitter *chunk.Splitter, storage interfaces.Storage, index interfaces.VectorIndex, opts ...Option) *UseCase {
	u := &UseCase{
		repo:     repo,
		parser:   parser,
		splitter: splitter,
		storage:  storage,
		index:    index,
		folder:   DefaultFolder,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *UseCase) objectKey(userID model.UserID, id model.DocumentID) string {
	key := fmt.Sprintf("%d/%s.pdf", userID, id)
	if u.folder == "" {
		return key
	}
	return u.folder + "/" + key
}

// Upload admits, parses, chunks, archives and indexes one file, then records it. Nothing is
// archived for a file without extractable text.
func (u *UseCase) Upload(ctx context.Context, userID model.UserID, filename string, data []byte) (*model.Document, error) {
	filename = filepath.Base(filename)
	if filename == "." || filename == "/" || len(data) == 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "file is empty or unnamed", goerr.V("filename", filename))
	}

	logger := logging.From(ctx).With("user_id", userID, "filename", filename)

	if u.policy != nil {
		docs, err := u.repo.ListDocuments(ctx, userID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list documents", goerr.V("user_id", userID))
		}
		input := &policy.UploadInput{
			UserID:        userID,
			Filename:      filename,
			Extension:     strings.ToLower(filepath.Ext(filename)),
			SizeBytes:     len(data),
			DocumentCount: len(docs),
		}
		if err := u.policy.Evaluate(ctx, input); err != nil {
			return nil, err
		}
	}

	pages, err := u.parser.Parse(ctx, data, filename)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse document", goerr.V("filename", filename))
	}

	chunks := u.splitter.Chunk(pages, userID)
	if len(chunks) == 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "document has no extractable text", goerr.V("filename", filename))
	}

	doc := &model.Document{
		ID:       model.NewDocumentID(),
		UserID:   userID,
		Filename: filename,
		Pages:    len(pages),
		Chunks:   len(chunks),
	}
	doc.Key = u.objectKey(userID, doc.ID)

	if err := u.archive(ctx, doc.Key, data); err != nil {
		return nil, err
	}

	if err := u.index.Upsert(ctx, chunks); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIndexCallFailed, err), "failed to index document",
			goerr.V("filename", filename), goerr.V("chunks", len(chunks)))
	}

	doc.CreatedAt = time.Now().UTC()
	if err := u.repo.PutDocument(ctx, doc); err != nil {
		return nil, goerr.Wrap(err, "failed to save document", goerr.V("document_id", doc.ID))
	}

	logger.Info("document uploaded", "document_id", doc.ID, "pages", doc.Pages, "chunks", doc.Chunks)
	return doc, nil
}

func (u *UseCase) archive(ctx context.Context, key string, data []byte) error {
	w, err := u.storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open storage writer", goerr.V("key", key))
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write document", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to finish writing document", goerr.V("key", key))
	}
	return nil
}

func (u *UseCase) List(ctx context.Context, userID model.UserID) ([]*model.Document, error) {
	docs, err := u.repo.ListDocuments(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list documents", goerr.V("user_id", userID))
	}
	return docs, nil
}

// Search runs a similarity search over the user's documents
func (u *UseCase) Search(ctx context.Context, userID model.UserID, query string, topK int) ([]*model.RetrievedFragment, error) {
	if topK <= 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "top_k must be positive", goerr.V("top_k", topK))
	}

	results, err := u.index.Search(ctx, query, userID, topK)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrIndexCallFailed, err), "failed to search documents",
			goerr.V("user_id", userID))
	}
	return results, nil
}

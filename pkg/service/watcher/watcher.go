// Package watcher uploads PDF files as they appear in a directory.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
)

const DefaultDebounce = time.Second

// Uploader ingests one file for a user
type Uploader interface {
	Upload(ctx context.Context, userID model.UserID, filename string, data []byte) (*model.Document, error)
}

type Watcher struct {
	uploader   Uploader
	userID     model.UserID
	extensions []string
	debounce   time.Duration
	existing   bool
}

type Option func(*Watcher)

// WithDebounce sets how long a file must stay unchanged before it is uploaded
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithExtensions(exts ...string) Option {
	return func(w *Watcher) {
		w.extensions = w.extensions[:0]
		for _, ext := range exts {
			w.extensions = append(w.extensions, strings.ToLower(ext))
		}
	}
}

// WithExisting uploads files already in the directory when watching starts
func WithExisting(enabled bool) Option {
	return func(w *Watcher) {
		w.existing = enabled
	}
}

func New(uploader Uploader, userID model.UserID, opts ...Option) *Watcher {
	w := &Watcher{
		uploader:   uploader,
		userID:     userID,
		extensions: []string{".pdf"},
		debounce:   DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) isTarget(path string) bool {
	return slices.Contains(w.extensions, strings.ToLower(filepath.Ext(path)))
}

// Run watches dir until ctx is canceled. Failed uploads are logged and do not stop the watch.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "failed to create file watcher")
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return goerr.Wrap(err, "failed to watch directory", goerr.V("dir", dir))
	}

	logger := logging.From(ctx).With("dir", dir, "user_id", w.userID)
	logger.Info("watching directory", "extensions", w.extensions)

	pending := make(map[string]time.Time)
	if w.existing {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return goerr.Wrap(err, "failed to read directory", goerr.V("dir", dir))
		}
		for _, e := range entries {
			if !e.IsDir() && w.isTarget(e.Name()) {
				pending[filepath.Join(dir, e.Name())] = time.Time{}
			}
		}
	}

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.isTarget(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", "error", err)

		case now := <-ticker.C:
			for path, changed := range pending {
				if now.Sub(changed) < w.debounce {
					continue
				}
				delete(pending, path)
				w.upload(ctx, path)
			}
		}
	}
}

func (w *Watcher) upload(ctx context.Context, path string) {
	logger := logging.From(ctx).With("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read file", "error", err)
		return
	}

	doc, err := w.uploader.Upload(ctx, w.userID, filepath.Base(path), data)
	if err != nil {
		logger.Warn("failed to upload file", "error", err)
		return
	}
	logger.Info("file uploaded", "document_id", doc.ID, "chunks", doc.Chunks)
}

package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/service/watcher"
)

type upload struct {
	userID   model.UserID
	filename string
	data     string
}

type mockUploader struct {
	mu      sync.Mutex
	uploads []upload
	fail    string
	done    chan struct{}
}

func newMockUploader() *mockUploader {
	return &mockUploader{done: make(chan struct{}, 16)}
}

func (m *mockUploader) Upload(ctx context.Context, userID model.UserID, filename string, data []byte) (*model.Document, error) {
	defer func() { m.done <- struct{}{} }()

	if filename == m.fail {
		return nil, goerr.New("broken file")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, upload{userID: userID, filename: filename, data: string(data)})
	return &model.Document{ID: model.NewDocumentID(), Filename: filename}, nil
}

func (m *mockUploader) snapshot() []upload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]upload(nil), m.uploads...)
}

func (m *mockUploader) wait(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-m.done:
		case <-timeout:
			t.Fatalf("timed out waiting for upload %d/%d", i+1, n)
		}
	}
}

func startWatcher(t *testing.T, w *watcher.Watcher, dir string) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, dir)
	}()
	t.Cleanup(func() {
		cancel()
		gt.NoError(t, <-errCh)
	})
	// give fsnotify time to register the directory
	time.Sleep(100 * time.Millisecond)
}

func TestWatcherUploadsNewPDF(t *testing.T) {
	dir := t.TempDir()
	uploader := newMockUploader()
	startWatcher(t, watcher.New(uploader, 7, watcher.WithDebounce(50*time.Millisecond)), dir)

	gt.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "paper.PDF"), []byte("%PDF-1.4"), 0644))

	uploader.wait(t, 1)
	uploads := uploader.snapshot()
	gt.A(t, uploads).Length(1)
	gt.Equal(t, uploads[0].userID, model.UserID(7))
	gt.Equal(t, uploads[0].filename, "paper.PDF")
	gt.Equal(t, uploads[0].data, "%PDF-1.4")
}

func TestWatcherExistingFiles(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "old.pdf"), []byte("old"), 0644))
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("bad"), 0644))

	uploader := newMockUploader()
	uploader.fail = "broken.pdf"
	startWatcher(t, watcher.New(uploader, 1,
		watcher.WithDebounce(50*time.Millisecond),
		watcher.WithExisting(true),
	), dir)

	uploader.wait(t, 2)
	uploads := uploader.snapshot()
	gt.A(t, uploads).Length(1)
	gt.Equal(t, uploads[0].filename, "old.pdf")

	// a failed upload does not stop the watcher
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "new.pdf"), []byte("new"), 0644))
	uploader.wait(t, 1)
	gt.A(t, uploader.snapshot()).Length(2)
}

func TestWatcherCustomExtensions(t *testing.T) {
	dir := t.TempDir()
	uploader := newMockUploader()
	startWatcher(t, watcher.New(uploader, 1,
		watcher.WithDebounce(50*time.Millisecond),
		watcher.WithExtensions(".TXT"),
	), dir)

	gt.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("pdf"), 0644))
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("txt"), 0644))

	uploader.wait(t, 1)
	uploads := uploader.snapshot()
	gt.A(t, uploads).Length(1)
	gt.Equal(t, uploads[0].filename, "b.txt")
}

func TestWatcherMissingDirectory(t *testing.T) {
	w := watcher.New(newMockUploader(), 1)
	err := w.Run(context.Background(), filepath.Join(t.TempDir(), "missing"))
	gt.Error(t, err)
}

package fileserver

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"example.com/rootserve/internal/config"
	"example.com/rootserve/internal/logger"
)

var errMockWriteFailed = errors.New("mock write failed")

// mockResponseWriter records one exchange in memory.
type mockResponseWriter struct {
	mu sync.Mutex
	t  *testing.T

	ctx         context.Context
	status      int
	header      http.Header
	body        bytes.Buffer
	chunks      [][]byte
	headersSent bool
	ended       bool
	disposition Disposition
	broken      bool

	// failAfterChunks makes WriteChunk fail once this many chunks were accepted.
	failAfterChunks int
	// onChunk runs after each accepted chunk.
	onChunk func(n int)
}

func newMockResponseWriter(t *testing.T) *mockResponseWriter {
	t.Helper()
	return &mockResponseWriter{t: t, ctx: context.Background(), failAfterChunks: -1}
}

func (m *mockResponseWriter) WriteHeader(status int, header http.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headersSent {
		m.t.Errorf("mockResponseWriter: WriteHeader called more than once")
		return errors.New("headers already sent")
	}
	if m.broken {
		return errMockWriteFailed
	}
	m.headersSent = true
	m.status = status
	m.header = header.Clone()
	return nil
}

func (m *mockResponseWriter) WriteChunk(p []byte) error {
	m.mu.Lock()
	if !m.headersSent {
		m.mu.Unlock()
		m.t.Errorf("mockResponseWriter: WriteChunk called before WriteHeader")
		return errors.New("headers not sent")
	}
	if m.ended {
		m.mu.Unlock()
		m.t.Errorf("mockResponseWriter: WriteChunk called after End")
		return errors.New("response already ended")
	}
	if m.broken || (m.failAfterChunks >= 0 && len(m.chunks) >= m.failAfterChunks) {
		m.broken = true
		m.mu.Unlock()
		return errMockWriteFailed
	}
	m.chunks = append(m.chunks, append([]byte(nil), p...))
	m.body.Write(p)
	n := len(m.chunks)
	cb := m.onChunk
	m.mu.Unlock()

	if cb != nil {
		cb(n)
	}
	return nil
}

func (m *mockResponseWriter) End(d Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		m.t.Errorf("mockResponseWriter: End called more than once")
		return errors.New("response already ended")
	}
	m.ended = true
	m.disposition = d
	if m.broken {
		return errMockWriteFailed
	}
	return nil
}

func (m *mockResponseWriter) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *mockResponseWriter) Broken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broken
}

func (m *mockResponseWriter) bodyString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body.String()
}

type fileSpec struct {
	Path    string
	Content string
	IsDir   bool
	Mode    fs.FileMode
	Link    string // symlink target; Path becomes a symlink when set
}

// setupTestDocumentRoot creates a ROOT directory under t.TempDir populated
// with files and returns its path.
func setupTestDocumentRoot(t *testing.T, files []fileSpec) string {
	t.Helper()
	docRoot := filepath.Join(t.TempDir(), "ROOT")
	if err := os.Mkdir(docRoot, 0o755); err != nil {
		t.Fatalf("Failed to create doc root: %v", err)
	}

	for _, f := range files {
		fullPath := filepath.Join(docRoot, f.Path)
		switch {
		case f.Link != "":
			if err := os.Symlink(f.Link, fullPath); err != nil {
				t.Fatalf("Failed to create symlink %s: %v", fullPath, err)
			}
		case f.IsDir:
			mode := f.Mode
			if mode == 0 {
				mode = 0o755
			}
			if err := os.MkdirAll(fullPath, mode); err != nil {
				t.Fatalf("Failed to create directory %s: %v", fullPath, err)
			}
			if err := os.Chmod(fullPath, mode); err != nil {
				t.Fatalf("Failed to chmod directory %s: %v", fullPath, err)
			}
		default:
			mode := f.Mode
			if mode == 0 {
				mode = 0o644
			}
			if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
				t.Fatalf("Failed to create parent of %s: %v", fullPath, err)
			}
			if err := os.WriteFile(fullPath, []byte(f.Content), mode); err != nil {
				t.Fatalf("Failed to create file %s: %v", fullPath, err)
			}
			if err := os.Chmod(fullPath, mode); err != nil {
				t.Fatalf("Failed to chmod file %s: %v", fullPath, err)
			}
		}
	}
	// Restore permissions so t.TempDir cleanup can remove everything.
	t.Cleanup(func() {
		filepath.WalkDir(docRoot, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				os.Chmod(p, 0o755)
			}
			return nil
		})
	})
	return docRoot
}

func newTestHandler(t *testing.T, docRoot string, mutate func(*config.FilesConfig)) *Handler {
	t.Helper()
	cfg := &config.FilesConfig{DocumentRoot: docRoot}
	if mutate != nil {
		mutate(cfg)
	}
	h, err := New(cfg, logger.NewDiscardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func newTestRequest(method, path string, headers http.Header) *Request {
	if headers == nil {
		headers = make(http.Header)
	}
	return &Request{
		Method:     method,
		Path:       path,
		Header:     headers,
		Decoded:    true,
		RequestURI: path,
		Proto:      "HTTP/1.1",
		RemoteAddr: "192.0.2.10:40000",
	}
}

func keepAliveHeader() http.Header {
	h := make(http.Header)
	h.Set("Connection", "keep-alive")
	return h
}

// skipIfRoot skips tests that rely on permission bits, which root ignores.
func skipIfRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("permission checks are not enforced for root")
	}
}

package fileserver

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/rootserve/internal/config"
	"example.com/rootserve/internal/logger"
)

func TestHandler_Scenario(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{
		{Path: "index.html", Content: "0123456789"},
		{Path: "sub", IsDir: true},
	})
	h := newTestHandler(t, docRoot, nil)

	t.Run("file", func(t *testing.T) {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, "/index.html", nil))

		assert.Equal(t, http.StatusOK, out.Status)
		assert.Equal(t, int64(10), out.Bytes)
		assert.Equal(t, http.StatusOK, w.status)
		assert.Equal(t, "10", w.header.Get("Content-Length"))
		assert.Equal(t, "text/html; charset=utf-8", w.header.Get("Content-Type"))
		assert.Equal(t, "0123456789", w.bodyString())
		assert.True(t, w.ended)
		assert.Equal(t, Close, w.disposition)
	})

	t.Run("directory without slash", func(t *testing.T) {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, "/sub", nil))

		assert.Equal(t, http.StatusFound, out.Status)
		assert.Equal(t, "/sub/", w.header.Get("Location"))
		assert.Equal(t, Close, w.disposition)
	})

	t.Run("directory listing", func(t *testing.T) {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, "/sub/", nil))

		assert.Equal(t, http.StatusOK, out.Status)
		assert.Equal(t, "text/html; charset=UTF-8", w.header.Get("Content-Type"))
		body := w.bodyString()
		assert.Contains(t, body, `href="../"`)
		assert.NotContains(t, body, `class="file"`)
		assert.NotContains(t, body, `class="dir"`)
		assert.Equal(t, Close, w.disposition)
	})

	t.Run("missing", func(t *testing.T) {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, "/missing", nil))

		assert.Equal(t, http.StatusNotFound, out.Status)
		assert.Equal(t, "Failure: 404 Not Found\r\n", w.bodyString())
	})

	t.Run("post", func(t *testing.T) {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodPost, "/index.html", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, out.Status)
		assert.Equal(t, http.MethodGet, w.header.Get("Allow"))
	})
}

func TestHandler_MethodNotAllowedRegardlessOfPath(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, nil)
	h := newTestHandler(t, docRoot, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead, "BREW"} {
		for _, path := range []string{"/", "/missing", "/../../etc/passwd"} {
			w := newMockResponseWriter(t)
			out := h.Serve(w, newTestRequest(method, path, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, out.Status, "%s %s", method, path)
		}
	}
}

func TestHandler_DecodeFailure(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "index.html", Content: "x"}})
	h := newTestHandler(t, docRoot, nil)

	req := newTestRequest(http.MethodGet, "/index.html", keepAliveHeader())
	req.Decoded = false
	w := newMockResponseWriter(t)
	out := h.Serve(w, req)

	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Equal(t, Close, out.Disposition)
	assert.Equal(t, "Failure: 400 Bad Request\r\n", w.bodyString())

	w = newMockResponseWriter(t)
	out = h.Serve(w, nil)
	assert.Equal(t, http.StatusBadRequest, out.Status)
}

func TestHandler_Traversal(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "index.html", Content: "x"}})
	secret := filepath.Join(filepath.Dir(docRoot), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("top secret"), 0o644))
	h := newTestHandler(t, docRoot, nil)

	for _, path := range []string{
		"/../secret.txt",
		"/../../etc/passwd",
		"/sub/../../secret.txt",
		"/./../secret.txt",
	} {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, path, nil))

		assert.Contains(t, []int{http.StatusForbidden, http.StatusNotFound}, out.Status, path)
		assert.NotContains(t, w.bodyString(), "top secret", path)
		assert.NotContains(t, w.bodyString(), "root:", path)
	}
}

func TestHandler_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o644))
	docRoot := setupTestDocumentRoot(t, []fileSpec{
		{Path: "escape", Link: outside},
		{Path: "leak.txt", Link: filepath.Join(outside, "secret.txt")},
	})
	h := newTestHandler(t, docRoot, nil)

	for _, path := range []string{"/leak.txt", "/escape/secret.txt", "/escape/"} {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusForbidden, out.Status, path)
		assert.NotContains(t, w.bodyString(), "top secret", path)
	}
}

func TestHandler_SymlinkedDirectoryListing(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{
		{Path: "real/inner.txt", Content: "i"},
		{Path: "alias", Link: "real"},
	})
	h := newTestHandler(t, docRoot, nil)

	w := newMockResponseWriter(t)
	out := h.Serve(w, newTestRequest(http.MethodGet, "/alias/", nil))
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Contains(t, w.bodyString(), `href="/alias/inner.txt"`)
	assert.Contains(t, w.bodyString(), "<title>Index of alias</title>")
	assert.NotContains(t, w.bodyString(), `href="/real/inner.txt"`)
}

func TestHandler_HiddenFiles(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{
		{Path: ".env", Content: "SECRET=1"},
		{Path: ".git/config", Content: "[core]"},
	})
	h := newTestHandler(t, docRoot, nil)

	for _, path := range []string{"/.env", "/.git/config", "/.git/", "/.git"} {
		w := newMockResponseWriter(t)
		out := h.Serve(w, newTestRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, out.Status, path)
	}
}

func TestHandler_KeepAlive(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{
		{Path: "a.txt", Content: "hello"},
		{Path: "dir", IsDir: true},
	})
	h := newTestHandler(t, docRoot, nil)

	testCases := []struct {
		name        string
		path        string
		header      http.Header
		wantStatus  int
		wantDisp    Disposition
		wantConnHdr string
	}{
		{"file with keep-alive", "/a.txt", keepAliveHeader(), http.StatusOK, KeepAlive, "keep-alive"},
		{"file without header", "/a.txt", nil, http.StatusOK, Close, "close"},
		{"file with close", "/a.txt", http.Header{"Connection": []string{"close"}}, http.StatusOK, Close, "close"},
		{"file with token list", "/a.txt", http.Header{"Connection": []string{"Upgrade, Keep-Alive"}}, http.StatusOK, KeepAlive, "keep-alive"},
		{"not found with keep-alive", "/nope", keepAliveHeader(), http.StatusNotFound, Close, "close"},
		{"listing with keep-alive", "/dir/", keepAliveHeader(), http.StatusOK, Close, "close"},
		{"redirect with keep-alive", "/dir", keepAliveHeader(), http.StatusFound, Close, "close"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := newMockResponseWriter(t)
			out := h.Serve(w, newTestRequest(http.MethodGet, tc.path, tc.header))

			assert.Equal(t, tc.wantStatus, out.Status)
			assert.Equal(t, tc.wantDisp, out.Disposition)
			assert.Equal(t, tc.wantDisp, w.disposition)
			assert.Equal(t, tc.wantConnHdr, w.header.Get("Connection"))
		})
	}
}

func TestHandler_UnreadableFileIsForbidden(t *testing.T) {
	skipIfRoot(t)
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "locked.txt", Content: "x", Mode: 0o200}})
	h := newTestHandler(t, docRoot, nil)

	w := newMockResponseWriter(t)
	out := h.Serve(w, newTestRequest(http.MethodGet, "/locked.txt", nil))
	assert.Equal(t, http.StatusForbidden, out.Status)
}

func TestHandler_UnreadableDirectoryListing(t *testing.T) {
	skipIfRoot(t)
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "locked", IsDir: true, Mode: 0o311}})
	h := newTestHandler(t, docRoot, nil)

	w := newMockResponseWriter(t)
	out := h.Serve(w, newTestRequest(http.MethodGet, "/locked/", nil))
	assert.Equal(t, http.StatusForbidden, out.Status)
}

func TestHandler_SpecialFileIsForbidden(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, nil)
	if err := mkfifo(filepath.Join(docRoot, "pipe")); err != nil {
		t.Skipf("cannot create fifo: %v", err)
	}
	h := newTestHandler(t, docRoot, nil)

	w := newMockResponseWriter(t)
	out := h.Serve(w, newTestRequest(http.MethodGet, "/pipe", nil))
	assert.Equal(t, http.StatusForbidden, out.Status)
}

// panickingWriter panics on its first header write.
type panickingWriter struct {
	*mockResponseWriter
	panicked bool
}

func (p *panickingWriter) WriteHeader(status int, header http.Header) error {
	if !p.panicked {
		p.panicked = true
		panic("boom")
	}
	return p.mockResponseWriter.WriteHeader(status, header)
}

func TestHandler_PanicBecomes500(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "a.txt", Content: "hello"}})
	var logBuf bytes.Buffer
	h, err := New(&config.FilesConfig{DocumentRoot: docRoot}, logger.NewTestLogger(&logBuf))
	require.NoError(t, err)

	w := &panickingWriter{mockResponseWriter: newMockResponseWriter(t)}
	out := h.Serve(w, newTestRequest(http.MethodGet, "/a.txt", keepAliveHeader()))

	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Equal(t, Close, out.Disposition)
	assert.Equal(t, "Failure: 500 Internal Server Error\r\n", w.bodyString())
	assert.NotContains(t, w.bodyString(), docRoot)
	assert.Contains(t, logBuf.String(), "Unhandled failure while serving request")
	assert.Contains(t, logBuf.String(), "boom")
}

func TestHandler_HeaderWriteOnBrokenWriter(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "a.txt", Content: "hello"}})
	var logBuf bytes.Buffer
	h, err := New(&config.FilesConfig{DocumentRoot: docRoot}, logger.NewTestLogger(&logBuf))
	require.NoError(t, err)

	w := newMockResponseWriter(t)
	w.broken = true
	out := h.Serve(w, newTestRequest(http.MethodGet, "/a.txt", keepAliveHeader()))

	assert.Zero(t, out.Status, "no status reached the wire")
	assert.Zero(t, out.Bytes)
	assert.Equal(t, Close, out.Disposition)
	assert.False(t, w.headersSent)
	assert.Empty(t, w.chunks)
	assert.NotContains(t, logBuf.String(), "Unhandled failure while serving request")
}

func TestHandler_BrokenWriterGetsNothingFurther(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "big.bin", Content: strings.Repeat("z", 64)}})
	h := newTestHandler(t, docRoot, func(c *config.FilesConfig) { c.ChunkSize = 8 })

	w := newMockResponseWriter(t)
	w.failAfterChunks = 2
	out := h.Serve(w, newTestRequest(http.MethodGet, "/big.bin", keepAliveHeader()))

	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, int64(16), out.Bytes)
	assert.Equal(t, Close, out.Disposition)
	assert.False(t, w.ended, "no End after the writer broke")
	assert.Equal(t, http.StatusOK, w.status)
}

func TestHandler_CancelledContextAbandonsStream(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{{Path: "big.bin", Content: strings.Repeat("z", 64)}})
	h := newTestHandler(t, docRoot, func(c *config.FilesConfig) { c.ChunkSize = 8 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newMockResponseWriter(t)
	w.ctx = ctx
	w.onChunk = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	out := h.Serve(w, newTestRequest(http.MethodGet, "/big.bin", keepAliveHeader()))

	assert.Equal(t, int64(24), out.Bytes)
	assert.Equal(t, Close, out.Disposition)
	assert.Len(t, w.chunks, 3)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(&config.FilesConfig{DocumentRoot: filepath.Join(t.TempDir(), "absent")}, nil)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "mime.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"txt": "text/plain"}`), 0o644))
	_, err = New(&config.FilesConfig{DocumentRoot: t.TempDir(), MimeTypesPath: &bad}, nil)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "must start with a '.'")
	}
}

func TestHandler_CustomIconsAndMimeTypes(t *testing.T) {
	docRoot := setupTestDocumentRoot(t, []fileSpec{
		{Path: "data.custom", Content: "abc"},
	})
	h := newTestHandler(t, docRoot, func(c *config.FilesConfig) {
		c.FolderIcon = "/icons/dir.svg"
		c.FileIcon = "/icons/file.svg"
		c.MimeTypes = map[string]string{".custom": "application/x-custom"}
	})

	w := newMockResponseWriter(t)
	h.Serve(w, newTestRequest(http.MethodGet, "/data.custom", nil))
	assert.Equal(t, "application/x-custom", w.header.Get("Content-Type"))

	w = newMockResponseWriter(t)
	h.Serve(w, newTestRequest(http.MethodGet, "/", nil))
	assert.Contains(t, w.bodyString(), `src="/icons/file.svg"`)
}

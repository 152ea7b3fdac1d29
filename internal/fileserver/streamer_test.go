package fileserver

import (
	"bytes"
	"crypto/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/rootserve/internal/logger"
)

func newTestStreamer(chunkSize int) *FileStreamer {
	types, _ := NewContentTypeResolver(nil, "")
	return NewFileStreamer(chunkSize, types, logger.NewDiscardLogger())
}

func writeRandomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p, data
}

func TestFileStreamer_ChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		name       string
		size       int
		chunkSize  int
		wantChunks int
	}{
		{"empty file", 0, 8192, 0},
		{"smaller than chunk", 10, 8192, 1},
		{"exact multiple", 32, 8, 4},
		{"remainder", 35, 8, 5},
		{"default chunk size", 3*DefaultChunkSize + 1, 0, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, data := writeRandomFile(t, dir, tc.name+".bin", tc.size)
			s := newTestStreamer(tc.chunkSize)
			w := newMockResponseWriter(t)

			out, err := s.Stream(w, newTestRequest(http.MethodGet, "/x", keepAliveHeader()), p, int64(tc.size))
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, out.Status)
			assert.Equal(t, int64(tc.size), out.Bytes)
			assert.Equal(t, KeepAlive, out.Disposition)
			assert.Equal(t, strconv.Itoa(tc.size), w.header.Get("Content-Length"))
			assert.Equal(t, "application/octet-stream", w.header.Get("Content-Type"))
			assert.Len(t, w.chunks, tc.wantChunks)
			assert.True(t, bytes.Equal(data, w.body.Bytes()), "body mismatch")

			limit := tc.chunkSize
			if limit <= 0 {
				limit = DefaultChunkSize
			}
			for _, c := range w.chunks {
				assert.LessOrEqual(t, len(c), limit)
			}
		})
	}
}

func TestFileStreamer_SizeFromOpenedHandle(t *testing.T) {
	p, data := writeRandomFile(t, t.TempDir(), "grown.bin", 20)
	s := newTestStreamer(8)
	w := newMockResponseWriter(t)

	// Resolution saw an older, smaller size.
	out, err := s.Stream(w, newTestRequest(http.MethodGet, "/grown.bin", nil), p, 5)
	require.NoError(t, err)
	assert.Equal(t, "20", w.header.Get("Content-Length"))
	assert.Equal(t, int64(20), out.Bytes)
	assert.Equal(t, data, w.body.Bytes())
	assert.Equal(t, Close, w.disposition)
}

func TestFileStreamer_OpenFailureIs404(t *testing.T) {
	p, _ := writeRandomFile(t, t.TempDir(), "vanishing.bin", 16)
	require.NoError(t, os.Remove(p))

	s := newTestStreamer(8)
	w := newMockResponseWriter(t)
	out, err := s.Stream(w, newTestRequest(http.MethodGet, "/vanishing.bin", keepAliveHeader()), p, 16)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, out.Status)
	assert.Equal(t, http.StatusNotFound, w.status)
	assert.Equal(t, Close, w.disposition)
	assert.Equal(t, "Failure: 404 Not Found\r\n", w.bodyString())
}

func TestFileStreamer_ShrinkMidStreamAborts(t *testing.T) {
	p, _ := writeRandomFile(t, t.TempDir(), "shrinking.bin", 64)
	s := newTestStreamer(8)
	w := newMockResponseWriter(t)
	w.onChunk = func(n int) {
		if n == 1 {
			require.NoError(t, os.Truncate(p, 4))
		}
	}

	out, err := s.Stream(w, newTestRequest(http.MethodGet, "/shrinking.bin", keepAliveHeader()), p, 64)
	require.Error(t, err)
	assert.Equal(t, "64", w.header.Get("Content-Length"))
	assert.Equal(t, int64(8), out.Bytes)
	assert.Equal(t, Close, out.Disposition)
	assert.True(t, w.ended)
	assert.Equal(t, Close, w.disposition)
}

func TestFileStreamer_ShrinkLogsFailedEnd(t *testing.T) {
	p, _ := writeRandomFile(t, t.TempDir(), "shrinking.bin", 64)
	var logBuf bytes.Buffer
	types, err := NewContentTypeResolver(nil, "")
	require.NoError(t, err)
	s := NewFileStreamer(8, types, logger.NewTestLogger(&logBuf))

	w := newMockResponseWriter(t)
	w.onChunk = func(n int) {
		if n == 1 {
			require.NoError(t, os.Truncate(p, 4))
			w.mu.Lock()
			w.broken = true
			w.mu.Unlock()
		}
	}

	_, err = s.Stream(w, newTestRequest(http.MethodGet, "/shrinking.bin", nil), p, 64)
	require.Error(t, err)
	assert.True(t, w.ended)
	assert.Contains(t, logBuf.String(), "Failed to end truncated response")
	assert.Contains(t, logBuf.String(), errMockWriteFailed.Error())
}

func TestFileStreamer_WriteFailureAborts(t *testing.T) {
	p, _ := writeRandomFile(t, t.TempDir(), "big.bin", 64)
	s := newTestStreamer(16)
	w := newMockResponseWriter(t)
	w.failAfterChunks = 1

	out, err := s.Stream(w, newTestRequest(http.MethodGet, "/big.bin", keepAliveHeader()), p, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, errMockWriteFailed)
	assert.Equal(t, int64(16), out.Bytes)
	assert.Equal(t, Close, out.Disposition)
	assert.False(t, w.ended)
}

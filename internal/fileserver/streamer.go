package fileserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"example.com/rootserve/internal/logger"
)

// DefaultChunkSize is the read size used when streaming file bodies.
const DefaultChunkSize = 8192

// FileStreamer sends a regular file as a header followed by bounded chunks.
type FileStreamer struct {
	chunkSize int
	types     *ContentTypeResolver
	log       *logger.Logger
}

// NewFileStreamer returns a streamer reading chunkSize bytes at a time.
// A non-positive chunkSize selects DefaultChunkSize.
func NewFileStreamer(chunkSize int, types *ContentTypeResolver, lg *logger.Logger) *FileStreamer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &FileStreamer{chunkSize: chunkSize, types: types, log: lg}
}

// Stream opens path and writes it to w. size is the length observed at
// resolution time; the opened handle's own size takes precedence. The
// returned error is non-nil when the stream was abandoned part way; the
// response has then been cut short and the connection must not be reused.
func (s *FileStreamer) Stream(w ResponseWriter, req *Request, path string, size int64) (Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		s.log.Warn("File vanished or became unreadable before streaming", logger.LogFields{
			"path":  path,
			"error": err.Error(),
		})
		resp := ErrorResponse(http.StatusNotFound)
		n, werr := resp.WriteTo(w)
		return Outcome{Status: resp.Status, Bytes: n, Disposition: Close}, werr
	}
	defer f.Close()

	if fi, statErr := f.Stat(); statErr == nil && fi.Mode().IsRegular() {
		if fi.Size() != size {
			s.log.Debug("File size changed since resolution", logger.LogFields{
				"path": path, "resolved_size": size, "current_size": fi.Size(),
			})
		}
		size = fi.Size()
	}

	disposition := Close
	if req.WantsKeepAlive() {
		disposition = KeepAlive
	}

	header := make(http.Header)
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	header.Set("Content-Type", s.types.ContentType(path))
	header.Set("Connection", disposition.String())

	out := Outcome{Status: http.StatusOK, Disposition: Close}
	if err := w.WriteHeader(http.StatusOK, header); err != nil {
		return out, fmt.Errorf("writing headers for %s: %w", path, err)
	}

	bufSize := int64(s.chunkSize)
	if size < bufSize {
		bufSize = size
	}
	buf := make([]byte, bufSize)
	ctx := w.Context()

	for remaining := size; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("streaming %s abandoned: %w", path, err)
		}
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			// The declared Content-Length can no longer be met.
			if endErr := w.End(Close); endErr != nil {
				s.log.Debug("Failed to end truncated response", logger.LogFields{"path": path, "error": endErr.Error()})
			}
			return out, fmt.Errorf("reading %s at offset %d: %w", path, size-remaining, err)
		}
		if err := w.WriteChunk(buf[:n]); err != nil {
			return out, fmt.Errorf("writing chunk of %s: %w", path, err)
		}
		out.Bytes += n
		remaining -= n
	}

	if err := w.End(disposition); err != nil {
		return out, fmt.Errorf("finishing %s: %w", path, err)
	}
	out.Disposition = disposition
	return out, nil
}

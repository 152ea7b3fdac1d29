package fileserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"example.com/rootserve/internal/config"
	"example.com/rootserve/internal/logger"
)

// Outcome summarises a finished exchange for access logging and connection
// management.
type Outcome struct {
	Status      int
	Bytes       int64
	Disposition Disposition
}

// Handler answers one exchange at a time against a confined document root.
// It holds no per-request state and is safe for concurrent use.
type Handler struct {
	resolver *PathResolver
	listing  *ListingRenderer
	streamer *FileStreamer
	log      *logger.Logger
}

// New builds a Handler from the files section of the configuration.
func New(cfg *config.FilesConfig, lg *logger.Logger) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("fileserver: files configuration is nil")
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	resolver, err := NewPathResolver(cfg.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("fileserver: %w", err)
	}

	mimePath := ""
	if cfg.MimeTypesPath != nil {
		mimePath = *cfg.MimeTypesPath
	}
	types, err := NewContentTypeResolver(cfg.MimeTypes, mimePath)
	if err != nil {
		return nil, fmt.Errorf("fileserver: %w", err)
	}

	folderIcon, fileIcon := cfg.FolderIcon, cfg.FileIcon
	if folderIcon == "" {
		folderIcon = config.DefaultFolderIcon
	}
	if fileIcon == "" {
		fileIcon = config.DefaultFileIcon
	}

	lg.Info("Serving files", logger.LogFields{
		"document_root": resolver.Root(),
		"chunk_size":    cfg.ChunkSize,
	})

	return &Handler{
		resolver: resolver,
		listing:  NewListingRenderer(resolver, folderIcon, fileIcon),
		streamer: NewFileStreamer(cfg.ChunkSize, types, lg),
		log:      lg,
	}, nil
}

// Root returns the canonical document root.
func (h *Handler) Root() string { return h.resolver.Root() }

// Serve produces exactly one response for req on w.
func (h *Handler) Serve(w ResponseWriter, req *Request) (out Outcome) {
	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		if r := recover(); r != nil {
			out = h.fail(tw, req, fmt.Errorf("%w: panic: %v", ErrUnhandled, r))
		}
	}()

	out, err := h.serve(tw, req)
	if err != nil {
		return h.fail(tw, req, err)
	}
	return out
}

func (h *Handler) serve(w *trackingWriter, req *Request) (Outcome, error) {
	if req == nil || !req.Decoded {
		return h.respond(w, ErrorResponse(http.StatusBadRequest))
	}
	if req.Method != http.MethodGet {
		return h.respond(w, ErrorResponse(http.StatusMethodNotAllowed))
	}

	res, err := h.resolver.Resolve(req.Path)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnhandled, err)
	}

	switch res.Kind {
	case NotFound:
		return h.respond(w, ErrorResponse(http.StatusNotFound))
	case Forbidden:
		return h.respond(w, ErrorResponse(http.StatusForbidden))
	case Directory:
		if !strings.HasSuffix(req.Path, "/") {
			return h.respond(w, RedirectResponse(req.Path))
		}
		body, err := h.listing.Render(res.Path, req.Path)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				return h.respond(w, ErrorResponse(se.Code))
			}
			return Outcome{}, err
		}
		return h.respond(w, ListingResponse(body))
	case File:
		return h.streamer.Stream(w, req, res.Path, res.Size)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown resource kind %v", ErrUnhandled, res.Kind)
	}
}

func (h *Handler) respond(w ResponseWriter, resp *Response) (Outcome, error) {
	n, err := resp.WriteTo(w)
	out := Outcome{Status: resp.Status, Bytes: n, Disposition: resp.Disposition}
	if err != nil {
		out.Disposition = Close
	}
	return out, err
}

// fail ends an exchange that hit err. A 500 (or the status err maps to) is
// only sent while nothing has reached the wire and the connection is usable.
func (h *Handler) fail(w *trackingWriter, req *Request, err error) Outcome {
	fields := logger.LogFields{"error": err.Error()}
	if req != nil {
		fields["method"] = req.Method
		fields["path"] = req.Path
		fields["remote_addr"] = req.RemoteAddr
	}

	if w.headerWritten || w.Broken() {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.log.Debug("Exchange abandoned by peer", fields)
		} else {
			h.log.Warn("Exchange aborted after response started", fields)
		}
		return Outcome{Status: w.status, Bytes: w.bytes, Disposition: Close}
	}

	h.log.Error("Unhandled failure while serving request", fields)
	out, werr := h.respond(w, ErrorResponse(statusFor(err)))
	if werr != nil {
		h.log.Debug("Failed to write error response", logger.LogFields{"error": werr.Error()})
	}
	return out
}

// trackingWriter records what has already been sent for one exchange.
type trackingWriter struct {
	ResponseWriter
	headerWritten bool
	status        int
	bytes         int64
}

// WriteHeader only marks the response as started once the underlying writer
// accepted the header; a failed write is visible through Broken.
func (t *trackingWriter) WriteHeader(status int, header http.Header) error {
	if err := t.ResponseWriter.WriteHeader(status, header); err != nil {
		return err
	}
	t.headerWritten = true
	t.status = status
	return nil
}

func (t *trackingWriter) WriteChunk(p []byte) error {
	if err := t.ResponseWriter.WriteChunk(p); err != nil {
		return err
	}
	t.bytes += int64(len(p))
	return nil
}

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"example.com/rootserve/internal/fileserver"
	"example.com/rootserve/internal/logger"
)

const (
	// maxHeaderBytes bounds the request line plus headers.
	maxHeaderBytes = 1 << 20
	// maxDrainBytes is how much of an unread request body is discarded to
	// keep a connection alive; larger bodies close it.
	maxDrainBytes = 256 << 10

	serverName = "rootserve"
)

type connState int32

const (
	stateNew connState = iota
	stateActive
	stateIdle
	stateClosed
)

// conn is one accepted HTTP/1.1 connection. Exchanges on it run serially.
type conn struct {
	srv    *Server
	rwc    net.Conn
	remote string

	lr *io.LimitedReader
	br *bufio.Reader
	bw *bufio.Writer

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	closeOnce sync.Once
}

func newConn(srv *Server, rwc net.Conn) *conn {
	c := &conn{
		srv:    srv,
		rwc:    rwc,
		remote: rwc.RemoteAddr().String(),
	}
	c.lr = &io.LimitedReader{R: rwc, N: maxHeaderBytes}
	c.br = bufio.NewReader(c.lr)
	c.bw = bufio.NewWriterSize(rwc, 4<<10)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *conn) setState(s connState) { c.state.Store(int32(s)) }

func (c *conn) getState() connState { return connState(c.state.Load()) }

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		c.cancel()
		c.rwc.Close()
	})
}

// serve runs exchanges until the connection is closed, either because a
// response ended with Close, the peer went away, or the server is shutting down.
func (c *conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error("Panic serving connection", logger.LogFields{
				"remote_addr": c.remote,
				"panic":       fmt.Sprint(r),
			})
		}
		c.close()
		c.srv.untrackConn(c)
	}()

	c.srv.log.Debug("Connection accepted", logger.LogFields{"remote_addr": c.remote})

	for {
		c.setState(stateIdle)
		if !c.waitForRequest() {
			return
		}
		if c.srv.shuttingDown() {
			return
		}

		req, httpReq, ok := c.readRequest()
		if !ok {
			return
		}
		c.setState(stateActive)

		start := time.Now()
		w := &responseWriter{conn: c}
		out := c.srv.handler.Serve(w, req)
		c.srv.logAccess(req, out, time.Since(start))

		if !w.ended || w.broken || out.Disposition != fileserver.KeepAlive {
			return
		}
		if httpReq != nil && !c.drainBody(httpReq) {
			return
		}
		if c.srv.shuttingDown() {
			return
		}
	}
}

// waitForRequest blocks until the next request starts arriving or the idle
// timeout passes. It also bounds how long a fresh connection may stay silent.
func (c *conn) waitForRequest() bool {
	if d := c.srv.idleTimeout; d > 0 {
		c.rwc.SetReadDeadline(time.Now().Add(d))
	} else {
		c.rwc.SetReadDeadline(time.Time{})
	}
	c.lr.N = maxHeaderBytes
	if _, err := c.br.Peek(1); err != nil {
		c.logReadError("Idle connection closed", err)
		return false
	}
	return true
}

// readRequest decodes the next request. A malformed request is returned with
// Decoded unset so the handler answers 400; transport failures report !ok.
func (c *conn) readRequest() (*fileserver.Request, *http.Request, bool) {
	if d := c.srv.readTimeout; d > 0 {
		c.rwc.SetReadDeadline(time.Now().Add(d))
	} else {
		c.rwc.SetReadDeadline(time.Time{})
	}
	c.lr.N = maxHeaderBytes

	httpReq, err := http.ReadRequest(c.br)
	if err != nil {
		if c.lr.N <= 0 {
			c.srv.log.Warn("Request headers too large", logger.LogFields{"remote_addr": c.remote})
			return &fileserver.Request{RemoteAddr: c.remote}, nil, true
		}
		if isTransportError(err) {
			c.logReadError("Connection closed while reading request", err)
			return nil, nil, false
		}
		c.srv.log.Debug("Malformed request", logger.LogFields{
			"remote_addr": c.remote,
			"error":       err.Error(),
		})
		return &fileserver.Request{RemoteAddr: c.remote}, nil, true
	}
	c.lr.N = math.MaxInt64
	// Body reads are bounded by drainBody, not by the request deadline.
	c.rwc.SetReadDeadline(time.Time{})

	return &fileserver.Request{
		Method:     httpReq.Method,
		Path:       httpReq.URL.Path,
		Header:     httpReq.Header,
		Decoded:    true,
		RequestURI: httpReq.RequestURI,
		Proto:      httpReq.Proto,
		RemoteAddr: c.remote,
	}, httpReq, true
}

// drainBody discards a small unread request body so the next request can be
// parsed. It reports whether the connection is still usable.
func (c *conn) drainBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if d := c.srv.readTimeout; d > 0 {
		c.rwc.SetReadDeadline(time.Now().Add(d))
	}
	n, err := io.CopyN(io.Discard, req.Body, maxDrainBytes+1)
	req.Body.Close()
	if err == io.EOF {
		return true
	}
	if err == nil && n > maxDrainBytes {
		c.srv.log.Debug("Request body too large to drain, closing connection", logger.LogFields{"remote_addr": c.remote})
	}
	return false
}

func (c *conn) logReadError(msg string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	c.srv.log.Debug(msg, logger.LogFields{"remote_addr": c.remote, "error": err.Error()})
}

func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// responseWriter serializes one response onto the connection.
type responseWriter struct {
	conn        *conn
	wroteHeader bool
	ended       bool
	broken      bool
}

var _ fileserver.ResponseWriter = (*responseWriter)(nil)

func (w *responseWriter) setWriteDeadline() {
	if d := w.conn.srv.writeTimeout; d > 0 {
		w.conn.rwc.SetWriteDeadline(time.Now().Add(d))
	}
}

func (w *responseWriter) fail(err error) error {
	w.broken = true
	w.conn.cancel()
	return err
}

// WriteHeader writes the status line and headers. Date and Server are added
// when absent.
func (w *responseWriter) WriteHeader(status int, header http.Header) error {
	if w.broken {
		return errConnBroken
	}
	if w.wroteHeader {
		return errors.New("server: header already written")
	}
	w.wroteHeader = true

	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Date") == "" {
		header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if header.Get("Server") == "" {
		header.Set("Server", serverName)
	}

	w.setWriteDeadline()
	bw := w.conn.bw
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", status, text); err != nil {
		return w.fail(err)
	}
	if err := header.Write(bw); err != nil {
		return w.fail(err)
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return w.fail(err)
	}
	return nil
}

// WriteChunk buffers p; full buffers are flushed to the peer as they fill.
func (w *responseWriter) WriteChunk(p []byte) error {
	if w.broken {
		return errConnBroken
	}
	if !w.wroteHeader {
		return errors.New("server: WriteChunk before WriteHeader")
	}
	w.setWriteDeadline()
	if _, err := w.conn.bw.Write(p); err != nil {
		return w.fail(err)
	}
	return nil
}

// End flushes the response. The connection loop closes the connection after
// a Close disposition.
func (w *responseWriter) End(d fileserver.Disposition) error {
	if w.ended {
		return nil
	}
	w.ended = true
	if w.broken {
		return errConnBroken
	}
	w.setWriteDeadline()
	if err := w.conn.bw.Flush(); err != nil {
		return w.fail(err)
	}
	if d == fileserver.Close {
		if tcp, ok := w.conn.rwc.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}
	return nil
}

func (w *responseWriter) Context() context.Context { return w.conn.ctx }

func (w *responseWriter) Broken() bool { return w.broken }

var errConnBroken = errors.New("server: connection broken by an earlier write failure")

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"example.com/rootserve/internal/config"
	"example.com/rootserve/internal/fileserver"
	"example.com/rootserve/internal/logger"
	"example.com/rootserve/internal/util"
)

// Handler answers one decoded exchange. *fileserver.Handler implements it.
type Handler interface {
	Serve(w fileserver.ResponseWriter, req *fileserver.Request) fileserver.Outcome
}

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server manages the HTTP/1.1 listener lifecycle, per-connection goroutines
// and graceful shutdown.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	handler Handler

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*conn]struct{}
	connWG    sync.WaitGroup

	inShutdown atomic.Bool
	doneChan   chan struct{}
}

func durationOf(d *config.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.Value()
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, lg *logger.Logger, h Handler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	return &Server{
		cfg:             cfg,
		log:             lg,
		handler:         h,
		readTimeout:     durationOf(cfg.Server.ReadTimeout),
		writeTimeout:    durationOf(cfg.Server.WriteTimeout),
		idleTimeout:     durationOf(cfg.Server.IdleTimeout),
		shutdownTimeout: durationOf(cfg.Server.GracefulShutdownTimeout),
		conns:           make(map[*conn]struct{}),
		doneChan:        make(chan struct{}),
	}, nil
}

// initializeListeners uses sockets passed by a supervisor when present and
// otherwise binds the configured address.
func (s *Server) initializeListeners(ctx context.Context) ([]net.Listener, error) {
	inherited, err := util.InheritedListeners()
	if err != nil {
		return nil, fmt.Errorf("error using inherited listeners: %w", err)
	}
	if len(inherited) > 0 {
		for _, l := range inherited {
			s.log.Info("Using inherited listener", logger.LogFields{"localAddr": l.Addr().String()})
		}
		return inherited, nil
	}

	address := s.cfg.Server.ListenAddress()
	l, err := util.Listen(ctx, address)
	if err != nil {
		if util.IsAddrInUse(err) {
			return nil, fmt.Errorf("address %s is already in use: %w", address, err)
		}
		return nil, err
	}
	s.log.Info("Successfully created new listener", logger.LogFields{"address": address, "localAddr": l.Addr().String()})
	return []net.Listener{l}, nil
}

// Start binds the listeners and begins accepting in the background.
func (s *Server) Start(ctx context.Context) error {
	listeners, err := s.initializeListeners(ctx)
	if err != nil {
		return err
	}
	for _, l := range listeners {
		l, ok := s.prepareListener(l)
		if !ok {
			return ErrServerClosed
		}
		go func() {
			if err := s.acceptLoop(l); err != nil && !errors.Is(err, ErrServerClosed) {
				s.log.Error("Listener stopped", logger.LogFields{"localAddr": l.Addr().String(), "error": err.Error()})
			}
		}()
	}
	return nil
}

// Serve accepts connections on l until Shutdown. It always returns a non-nil error.
func (s *Server) Serve(l net.Listener) error {
	l, ok := s.prepareListener(l)
	if !ok {
		return ErrServerClosed
	}
	return s.acceptLoop(l)
}

func (s *Server) prepareListener(l net.Listener) (net.Listener, bool) {
	if limit := s.cfg.Server.MaxConnections; limit > 0 {
		l = netutil.LimitListener(l, limit)
	}
	if !s.trackListener(l) {
		l.Close()
		return nil, false
	}
	return l, true
}

func (s *Server) acceptLoop(l net.Listener) error {
	defer s.untrackListener(l)

	var tempDelay time.Duration
	for {
		rwc, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("Accept error, retrying", logger.LogFields{"error": err.Error(), "delay": tempDelay.String()})
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		c := newConn(s, rwc)
		if !s.trackConn(c) {
			rwc.Close()
			return ErrServerClosed
		}
		go c.serve()
	}
}

// Addr returns the address of the first listener, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} { return s.doneChan }

func (s *Server) shuttingDown() bool { return s.inShutdown.Load() }

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Server) trackConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.connWG.Done()
	}
}

// closeIdleConns closes connections that are not inside an exchange, including
// ones that never sent a request. Connections mid-exchange finish their
// current response and then close themselves.
func (s *Server) closeIdleConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if st := c.getState(); st == stateNew || st == stateIdle {
			c.close()
		}
	}
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

// Shutdown stops accepting, closes idle connections and waits for active
// exchanges to finish. When ctx expires first, remaining connections are
// closed and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown() {
		s.mu.Unlock()
		<-s.doneChan
		return nil
	}
	s.inShutdown.Store(true)
	defer close(s.doneChan)

	s.log.Info("Server shutting down", nil)

	var firstErr error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.closeIdleConns()
		select {
		case <-drained:
			s.log.Info("All connections closed", nil)
			return firstErr
		case <-ctx.Done():
			s.log.Warn("Graceful shutdown timed out, closing remaining connections", logger.LogFields{"error": ctx.Err().Error()})
			s.closeAllConns()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts down
// within the configured grace period. SIGHUP reopens file-backed logs.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.log.Info("Received SIGHUP, reopening log files", nil)
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			s.log.Info("Received signal, starting graceful shutdown", logger.LogFields{"signal": sig.String()})
		case <-ctx.Done():
			s.log.Info("Context cancelled, starting graceful shutdown", nil)
		}
		return s.shutdownWithTimeout()
	}
}

func (s *Server) shutdownWithTimeout() error {
	ctx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.Shutdown(ctx)
}

func (s *Server) logAccess(req *fileserver.Request, out fileserver.Outcome, elapsed time.Duration) {
	entry := logger.AccessEntry{
		Status:    out.Status,
		Bytes:     out.Bytes,
		Duration:  elapsed,
		KeepAlive: out.Disposition == fileserver.KeepAlive,
	}
	if req != nil {
		entry.RemoteAddr = req.RemoteAddr
		entry.Header = req.Header
		entry.Method = req.Method
		entry.URI = req.RequestURI
		entry.Proto = req.Proto
	}
	s.log.Access(entry)
}

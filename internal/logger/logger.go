package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/rootserve/internal/config"
)

// LogFields carries structured fields attached to a log entry.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// swappableWriter lets a log target be reopened (SIGHUP) while zerolog keeps
// a stable writer.
type swappableWriter struct {
	mu     sync.Mutex
	target string
	out    io.WriteCloser
}

func (w *swappableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

func (w *swappableWriter) reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !config.IsFilePath(w.target) {
		return nil
	}
	if err := w.out.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing log file %s during reopen: %v\n", w.target, err)
	}
	f, err := openTarget(w.target)
	if err != nil {
		w.out = nopCloser{os.Stderr}
		return err
	}
	w.out = f
	return nil
}

func (w *swappableWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !config.IsFilePath(w.target) {
		return nil
	}
	return w.out.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openTarget(target string) (io.WriteCloser, error) {
	switch target {
	case "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return f, nil
}

// AccessLogger writes one entry per completed exchange.
type AccessLogger struct {
	zl            zerolog.Logger
	out           *swappableWriter
	format        string
	realIPHeader  string
	parsedProxies parsedProxiesContainer
}

// ErrorLogger handles diagnostic logging.
type ErrorLogger struct {
	zl  zerolog.Logger
	out *swappableWriter
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// AccessEntry describes one request/response exchange for the access log.
type AccessEntry struct {
	RemoteAddr string
	Header     http.Header
	Method     string
	URI        string
	Proto      string
	Status     int
	Bytes      int64
	Duration   time.Duration
	KeepAlive  bool
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errorTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}
	ew := &swappableWriter{target: errorTarget, out: errOut}
	l := &Logger{
		errorLog: &ErrorLogger{
			zl:  zerolog.New(ew).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger(),
			out: ew,
		},
	}

	if al := cfg.AccessLog; al != nil && (al.Enabled == nil || *al.Enabled) {
		parsedProxies, errP := preParseTrustedProxies(al.TrustedProxies)
		if errP != nil {
			ew.close()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", errP)
		}
		accessTarget := "stdout"
		if al.Target != nil {
			accessTarget = *al.Target
		}
		accessOut, errOpen := openTarget(accessTarget)
		if errOpen != nil {
			ew.close()
			return nil, fmt.Errorf("access log: %w", errOpen)
		}
		aw := &swappableWriter{target: accessTarget, out: accessOut}
		realIPHeader := ""
		if al.RealIPHeader != nil {
			realIPHeader = *al.RealIPHeader
		}
		format := al.Format
		if format == "" {
			format = config.AccessLogFormatJSON
		}
		l.accessLog = &AccessLogger{
			zl:            zerolog.New(aw).With().Timestamp().Logger(),
			out:           aw,
			format:        format,
			realIPHeader:  realIPHeader,
			parsedProxies: parsedProxies,
		}
	}

	return l, nil
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	w := &swappableWriter{target: "stderr", out: nopCloser{io.Discard}}
	return &Logger{errorLog: &ErrorLogger{zl: zerolog.Nop(), out: w}}
}

// NewTestLogger returns a Logger writing DEBUG-level error logs and JSON
// access logs to w.
func NewTestLogger(w io.Writer) *Logger {
	sw := &swappableWriter{target: "stdout", out: nopCloser{w}}
	return &Logger{
		errorLog: &ErrorLogger{
			zl:  zerolog.New(sw).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
			out: sw,
		},
		accessLog: &AccessLogger{
			zl:     zerolog.New(sw).With().Timestamp().Logger(),
			out:    sw,
			format: config.AccessLogFormatJSON,
		},
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	container := parsedProxiesContainer{}
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
		} else {
			ip := net.ParseIP(pStr)
			if ip == nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
			}
			container.ips = append(container.ips, ip)
		}
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's address from the direct peer and,
// when configured, a forwarding header walked right to left past trusted proxies.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" || headers == nil {
		return peer
	}
	// The header is only honored when the direct peer is itself a trusted proxy.
	if !isIPTrusted(net.ParseIP(peer), trustedProxies) {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !isIPTrusted(ip, trustedProxies) {
			return ipStr
		}
	}
	return peer
}

// LogAccess writes an access log entry.
func (al *AccessLogger) LogAccess(e AccessEntry) {
	if al == nil {
		return
	}

	remote := getRealClientIP(e.RemoteAddr, e.Header, al.realIPHeader, al.parsedProxies)
	var ua, referer string
	if e.Header != nil {
		ua = e.Header.Get("User-Agent")
		referer = e.Header.Get("Referer")
	}

	if al.format == config.AccessLogFormatCommon {
		line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d %q %q %dms\n",
			remote, time.Now().Format("02/Jan/2006:15:04:05 -0700"),
			e.Method, e.URI, e.Proto, e.Status, e.Bytes, referer, ua, e.Duration.Milliseconds())
		al.out.Write([]byte(line))
		return
	}

	ev := al.zl.Log().
		Str("remote_addr", remote).
		Str("method", e.Method).
		Str("uri", e.URI).
		Str("protocol", e.Proto).
		Int("status", e.Status).
		Int64("resp_bytes", e.Bytes).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Bool("keep_alive", e.KeepAlive)
	if ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if referer != "" {
		ev = ev.Str("referer", referer)
	}
	ev.Send()
}

func (el *ErrorLogger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Info(), msg, fields)
	}
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Error(), msg, fields)
	}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Debug(), msg, fields)
	}
}

// Warn logs at WARNING level.
func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.log(l.errorLog.zl.Warn(), msg, fields)
	}
}

// Access records a completed exchange. It is a no-op when access logging is disabled.
func (l *Logger) Access(e AccessEntry) {
	if l != nil && l.accessLog != nil {
		l.accessLog.LogAccess(e)
	}
}

// CloseLogFiles closes any file-backed log targets.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil {
		if err := l.accessLog.out.close(); err != nil {
			firstErr = err
		}
	}
	if l.errorLog != nil {
		if err := l.errorLog.out.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-backed targets, for log rotation on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil {
		if err := l.errorLog.out.reopen(); err != nil {
			return fmt.Errorf("failed to reopen error log: %w", err)
		}
	}
	if l.accessLog != nil {
		if err := l.accessLog.out.reopen(); err != nil {
			return fmt.Errorf("failed to reopen access log: %w", err)
		}
	}
	return nil
}

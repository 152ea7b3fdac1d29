package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"example.com/rootserve/internal/config"
	"example.com/rootserve/internal/fileserver"
	"example.com/rootserve/internal/logger"
	"example.com/rootserve/internal/server"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// HeaderMatcher maps header names to expected exact values. An expected
// "Connection: close" is checked against ActualResponse.ConnectionClose,
// since http.ReadResponse strips that token from the parsed header.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // match status and a description of the mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode  int
	Headers     HeaderMatcher
	BodyMatcher BodyMatcher
	// ExpectClose requires the server to close the connection after the response.
	ExpectClose bool
}

// ActualResponse stores what came back for one request.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// ConnectionClose is true when the response carried Connection: close.
	ConnectionClose bool
	// Closed is true when the server closed the connection after the response.
	Closed bool
}

// Verify compares actual against expected and returns a list of mismatches.
func (e ExpectedResponse) Verify(actual ActualResponse) []string {
	var problems []string
	if e.StatusCode != 0 && actual.StatusCode != e.StatusCode {
		problems = append(problems, fmt.Sprintf("status: expected %d, got %d", e.StatusCode, actual.StatusCode))
	}
	for name, want := range e.Headers {
		if http.CanonicalHeaderKey(name) == "Connection" && strings.EqualFold(want, "close") {
			if !actual.ConnectionClose {
				problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, actual.Headers.Get(name)))
			}
			continue
		}
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, got))
		}
	}
	if e.BodyMatcher != nil {
		if ok, msg := e.BodyMatcher.Match(actual.Body); !ok {
			problems = append(problems, msg)
		}
	}
	if e.ExpectClose != actual.Closed {
		problems = append(problems, fmt.Sprintf("connection closed: expected %v, got %v", e.ExpectClose, actual.Closed))
	}
	return problems
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig creates a temporary configuration file in JSON, TOML or
// YAML format. It returns the path to the file and a cleanup function to remove it.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	var data []byte
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	case "yaml", "yml":
		data, err = yaml.Marshal(configData)
		ext = ".yaml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp("", "testconfig-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to write to temp config file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to close temp config file: %w", err)
	}

	filePath = tmpFile.Name()
	cleanupFunc = func() { os.Remove(filePath) }
	return filePath, cleanupFunc, nil
}

// ServerInstance is a server started in-process from a configuration file.
type ServerInstance struct {
	Config     *config.Config
	Address    string
	ConfigPath string
	LogBuffer  *SyncBuffer

	srv *server.Server
}

// SyncBuffer is a bytes.Buffer guarded by a mutex.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// StartTestServer loads configFile exactly as the binary would and starts
// serving it. Logs go to the instance's LogBuffer.
func StartTestServer(configFile string) (*ServerInstance, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configFile, err)
	}

	logs := &SyncBuffer{}
	lg := logger.NewTestLogger(logs)

	handler, err := fileserver.New(cfg.Files, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to create file server: %w", err)
	}
	srv, err := server.NewServer(cfg, lg, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	inst := &ServerInstance{
		Config:     cfg,
		Address:    srv.Addr().String(),
		ConfigPath: configFile,
		LogBuffer:  logs,
		srv:        srv,
	}
	if err := waitForPort(inst.Address, 5*time.Second); err != nil {
		inst.Stop()
		return nil, err
	}
	return inst, nil
}

func waitForPort(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			c.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("server at %s did not become ready within %s", addr, timeout)
}

// Stop shuts the server down gracefully.
func (s *ServerInstance) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// RawClient speaks HTTP/1.1 over a single TCP connection so tests can see
// exactly when the server keeps or closes it.
type RawClient struct {
	conn net.Conn
	br   *bufio.Reader
}

// Dial opens a connection to addr.
func Dial(addr string) (*RawClient, error) {
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &RawClient{conn: c, br: bufio.NewReader(c)}, nil
}

// Close closes the client's connection.
func (c *RawClient) Close() error { return c.conn.Close() }

// Do sends request and reads one response. Closed reports whether the
// server then closed the connection.
func (c *RawClient) Do(request TestRequest) (ActualResponse, error) {
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\nHost: e2e\r\n", method, request.Path)
	for name, values := range request.Headers {
		for _, v := range values {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, v)
		}
	}
	if len(request.Body) > 0 {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(request.Body))
	}
	sb.WriteString("\r\n")
	sb.Write(request.Body)

	if _, err := io.WriteString(c.conn, sb.String()); err != nil {
		return ActualResponse{}, fmt.Errorf("failed to write request: %w", err)
	}

	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return ActualResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	return ActualResponse{
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header,
		Body:            body,
		ConnectionClose: resp.Close,
		Closed:          c.peerClosed(),
	}, nil
}

// peerClosed waits briefly for EOF. Any buffered byte or a timeout means the
// connection is still open.
func (c *RawClient) peerClosed() bool {
	if c.br.Buffered() > 0 {
		return false
	}
	c.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	defer c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.br.Peek(1)
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return true
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigError describes a configuration problem tied to a file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.FilePath != "" {
		sb.WriteString(" (")
		sb.WriteString(e.FilePath)
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Duration is a time.Duration that is written as a string ("10s") in config files.
type Duration struct {
	d time.Duration
}

// NewDuration wraps d. It does not enforce positivity; Validate does.
func NewDuration(d time.Duration) *Duration {
	return &Duration{d: d}
}

// Value returns the wrapped time.Duration.
func (d Duration) Value() time.Duration { return d.d }

func (d Duration) String() string { return d.d.String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. TOML and YAML decode through it.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return errors.New("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '"' && !bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("duration should be a string, got %s", trimmed)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", trimmed)
	}
	return d.UnmarshalText([]byte(s))
}

// LoadConfig reads, parses, defaults and validates the configuration at path.
// The format follows the extension (.json, .toml, .yaml, .yml); any other
// extension is auto-detected by trying JSON, TOML and YAML in that order.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to read configuration file", Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{FilePath: path, Message: "configuration file is empty"}
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse JSON config", Err: err}
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse TOML config", Err: err}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to parse YAML config", Err: err}
		}
	default:
		if err := autoDetect(data, cfg); err != nil {
			return nil, &ConfigError{FilePath: path, Message: "failed to auto-detect and parse config", Err: err}
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	cfg.originalFilePath = absPath

	if err := ApplyDefaults(cfg); err != nil {
		return nil, &ConfigError{FilePath: path, Message: "failed to apply defaults", Err: err}
	}
	if err := Validate(cfg); err != nil {
		return nil, &ConfigError{FilePath: path, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

func autoDetect(data []byte, cfg *Config) error {
	jsonErr := json.Unmarshal(data, cfg)
	if jsonErr == nil {
		return nil
	}
	*cfg = Config{}
	_, tomlErr := toml.Decode(string(data), cfg)
	if tomlErr == nil {
		return nil
	}
	*cfg = Config{}
	yamlErr := yaml.Unmarshal(data, cfg)
	if yamlErr == nil {
		return nil
	}
	return fmt.Errorf("JSON error: %v; TOML error: %v; YAML error: %v", jsonErr, tomlErr, yamlErr)
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. Relative document roots are resolved
// against the working directory; a relative MIME types file against the
// directory of the config file.
func ApplyDefaults(cfg *Config) error {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := DefaultAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.IdleTimeout == nil {
		d, _ := time.ParseDuration(DefaultIdleTimeout)
		cfg.Server.IdleTimeout = NewDuration(d)
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		d, _ := time.ParseDuration(DefaultGracefulShutdownTimeout)
		cfg.Server.GracefulShutdownTimeout = NewDuration(d)
	}

	if cfg.Files == nil {
		cfg.Files = &FilesConfig{}
	}
	if cfg.Files.DocumentRoot == "" {
		cfg.Files.DocumentRoot = DefaultDocumentRoot
	}
	if !filepath.IsAbs(cfg.Files.DocumentRoot) {
		abs, err := filepath.Abs(cfg.Files.DocumentRoot)
		if err != nil {
			return fmt.Errorf("resolving document root %q: %w", cfg.Files.DocumentRoot, err)
		}
		cfg.Files.DocumentRoot = abs
	}
	if cfg.Files.ChunkSize == 0 {
		cfg.Files.ChunkSize = DefaultChunkSize
	}
	if cfg.Files.FolderIcon == "" {
		cfg.Files.FolderIcon = DefaultFolderIcon
	}
	if cfg.Files.FileIcon == "" {
		cfg.Files.FileIcon = DefaultFileIcon
	}
	if p := cfg.Files.MimeTypesPath; p != nil && *p != "" && !filepath.IsAbs(*p) && cfg.originalFilePath != "" {
		resolved := filepath.Join(filepath.Dir(cfg.originalFilePath), *p)
		cfg.Files.MimeTypesPath = &resolved
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		enabled := true
		cfg.Logging.AccessLog.Enabled = &enabled
	}
	if cfg.Logging.AccessLog.Target == nil {
		target := "stdout"
		cfg.Logging.AccessLog.Target = &target
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = AccessLogFormatJSON
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		target := "stderr"
		cfg.Logging.ErrorLog.Target = &target
	}
	return nil
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return errors.New("server.address must not be empty")
	}
	if _, _, err := net.SplitHostPort(*cfg.Server.Address); err != nil {
		return fmt.Errorf("server.address %q is not host:port: %w", *cfg.Server.Address, err)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative, got %d", cfg.Server.MaxConnections)
	}
	for name, d := range map[string]*Duration{
		"server.read_timeout":              cfg.Server.ReadTimeout,
		"server.write_timeout":             cfg.Server.WriteTimeout,
		"server.idle_timeout":              cfg.Server.IdleTimeout,
		"server.graceful_shutdown_timeout": cfg.Server.GracefulShutdownTimeout,
	} {
		if d != nil && d.Value() <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if cfg.Files == nil || cfg.Files.DocumentRoot == "" {
		return errors.New("files.document_root must not be empty")
	}
	if cfg.Files.ChunkSize <= 0 {
		return fmt.Errorf("files.chunk_size must be positive, got %d", cfg.Files.ChunkSize)
	}
	for ext, mimeType := range cfg.Files.MimeTypes {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("files.mime_types: extension %q must start with '.'", ext)
		}
		if mimeType == "" {
			return fmt.Errorf("files.mime_types: empty MIME type for extension %q", ext)
		}
	}

	if cfg.Logging == nil {
		return errors.New("logging section missing")
	}
	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", cfg.Logging.LogLevel)
	}
	if al := cfg.Logging.AccessLog; al != nil {
		if al.Format != AccessLogFormatJSON && al.Format != AccessLogFormatCommon {
			return fmt.Errorf("logging.access_log.format %q is not one of %q, %q", al.Format, AccessLogFormatJSON, AccessLogFormatCommon)
		}
		if err := validateTarget("logging.access_log.target", al.Target); err != nil {
			return err
		}
		for _, p := range al.TrustedProxies {
			if err := validateProxy(p); err != nil {
				return fmt.Errorf("logging.access_log.trusted_proxies: %w", err)
			}
		}
	}
	if el := cfg.Logging.ErrorLog; el != nil {
		if err := validateTarget("logging.error_log.target", el.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(field string, target *string) error {
	if target == nil {
		return nil
	}
	if *target == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute path", field, *target)
	}
	return nil
}

func validateProxy(p string) error {
	p = strings.TrimSpace(p)
	if strings.Contains(p, "/") {
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", p, err)
		}
		return nil
	}
	if net.ParseIP(p) == nil {
		return fmt.Errorf("invalid IP %q", p)
	}
	return nil
}

// ListenAddress returns the address to bind, with Port replacing the port of
// Address when set.
func (s *ServerConfig) ListenAddress() string {
	addr := DefaultAddress
	if s.Address != nil && *s.Address != "" {
		addr = *s.Address
	}
	if s.Port == 0 {
		return addr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

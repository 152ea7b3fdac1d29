package config

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Access log formats.
const (
	AccessLogFormatJSON   = "json"
	AccessLogFormatCommon = "common"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultAddress                 = ":8888"
	DefaultDocumentRoot            = "ROOT"
	DefaultChunkSize               = 8192
	DefaultFolderIcon              = "/_sys/images/folder_icon.png"
	DefaultFileIcon                = "/_sys/images/gdcsi.png"
	DefaultGracefulShutdownTimeout = "30s"
	DefaultIdleTimeout             = "60s"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Files   *FilesConfig   `json:"files,omitempty" toml:"files,omitempty" yaml:"files,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`

	originalFilePath string
}

// ServerConfig holds the transport settings: where to listen and how long to wait.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	Port                    int       `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"` // overrides the port part of Address
	MaxConnections          int       `json:"max_connections,omitempty" toml:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	ReadTimeout             *Duration `json:"read_timeout,omitempty" toml:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout            *Duration `json:"write_timeout,omitempty" toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout             *Duration `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"`
}

// FilesConfig configures what is served and how.
type FilesConfig struct {
	DocumentRoot  string            `json:"document_root,omitempty" toml:"document_root,omitempty" yaml:"document_root,omitempty"`
	ChunkSize     int               `json:"chunk_size,omitempty" toml:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	FolderIcon    string            `json:"folder_icon,omitempty" toml:"folder_icon,omitempty" yaml:"folder_icon,omitempty"`
	FileIcon      string            `json:"file_icon,omitempty" toml:"file_icon,omitempty" yaml:"file_icon,omitempty"`
	MimeTypes     map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	MimeTypesPath *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty" yaml:"mime_types_path,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty" yaml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
}

// OriginalFilePath returns the path the configuration was loaded from, or ""
// for configurations built in code.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

package config

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vango-dev/localstore/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "localstore.json"

	// DefaultListen is the default hub listen address.
	DefaultListen = "127.0.0.1:7070"

	// DefaultBackend is the default storage backend type.
	DefaultBackend = BackendMemory

	// DefaultPollInterval is the default file watcher interval.
	DefaultPollInterval = "250ms"

	// DefaultPingInterval is the default hub ping interval.
	DefaultPingInterval = "30s"

	// DefaultWriteTimeout is the default hub write timeout.
	DefaultWriteTimeout = "10s"

	// DefaultDialTimeout is the default etcd dial timeout.
	DefaultDialTimeout = "5s"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendEtcd   = "etcd"
	BackendS3     = "s3"
)

// Config represents the complete localstore.json configuration.
type Config struct {
	// Backend selects and configures the storage backend.
	Backend BackendConfig `json:"backend"`

	// Hub configures the hub server and the CLI's hub client.
	Hub HubConfig `json:"hub"`

	// Log configures logging.
	Log LogConfig `json:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// BackendConfig selects the storage backend.
type BackendConfig struct {
	// Type is one of memory, file, redis, etcd or s3.
	Type string `json:"type,omitempty"`

	File  FileConfig  `json:"file,omitempty"`
	Redis RedisConfig `json:"redis,omitempty"`
	Etcd  EtcdConfig  `json:"etcd,omitempty"`
	S3    S3Config    `json:"s3,omitempty"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	// Dir holds one file per entry.
	Dir string `json:"dir,omitempty"`

	// PollInterval is how often the directory is scanned (e.g., "250ms").
	PollInterval string `json:"pollInterval,omitempty"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	// Addrs lists server addresses. More than one selects a cluster client.
	Addrs []string `json:"addrs,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// Prefix is prepended to entry keys.
	Prefix string `json:"prefix,omitempty"`

	// Channel carries change announcements.
	Channel string `json:"channel,omitempty"`
}

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	Endpoints   []string `json:"endpoints,omitempty"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	DialTimeout string   `json:"dialTimeout,omitempty"`

	// Prefix is prepended to entry keys.
	Prefix string `json:"prefix,omitempty"`
}

// S3Config configures the s3 backend.
type S3Config struct {
	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	UsePathStyle    bool   `json:"usePathStyle,omitempty"`
}

// HubConfig configures the hub.
type HubConfig struct {
	// Listen is the address the hub binds to.
	Listen string `json:"listen,omitempty"`

	// URL is the hub the CLI talks to. Empty means the CLI opens the
	// backend directly.
	URL string `json:"url,omitempty"`

	// PingInterval is the watcher keepalive interval (e.g., "30s").
	PingInterval string `json:"pingInterval,omitempty"`

	// WriteTimeout is the write deadline for watch frames.
	WriteTimeout string `json:"writeTimeout,omitempty"`

	// MaxBodyBytes limits entry size. Zero uses the hub default.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty"`

	// DisableMetrics turns off GET /metrics.
	DisableMetrics bool `json:"disableMetrics,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the specified directory.
// It looks for localstore.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("LS101").
				WithDetail("No " + ConfigFileName + " found at " + path).
				WithSuggestion("Create " + ConfigFileName + " or pass --config")
		}
		return nil, errors.New("LS100").Wrap(err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("LS100").
			WithDetail("Failed to parse " + path + ": " + err.Error()).
			WithSuggestion("Check that " + ConfigFileName + " is valid JSON")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// LoadOrDefault loads path, or localstore.json in the working directory
// when path is empty. A missing default file yields New(). Environment
// overrides are applied and the result is validated.
func LoadOrDefault(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = LoadFile(path)
	} else {
		cfg, err = Load(".")
		if stderrors.Is(err, errors.New("LS101")) {
			cfg, err = New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Backend.Type == "" {
		c.Backend.Type = DefaultBackend
	}
	if c.Backend.File.PollInterval == "" {
		c.Backend.File.PollInterval = DefaultPollInterval
	}
	if c.Backend.Etcd.DialTimeout == "" {
		c.Backend.Etcd.DialTimeout = DefaultDialTimeout
	}

	if c.Hub.Listen == "" {
		c.Hub.Listen = DefaultListen
	}
	if c.Hub.PingInterval == "" {
		c.Hub.PingInterval = DefaultPingInterval
	}
	if c.Hub.WriteTimeout == "" {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ApplyEnv overrides fields from LOCALSTORE_* environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("LOCALSTORE_BACKEND", &c.Backend.Type)
	str("LOCALSTORE_FILE_DIR", &c.Backend.File.Dir)
	list("LOCALSTORE_REDIS_ADDRS", &c.Backend.Redis.Addrs)
	str("LOCALSTORE_REDIS_PASSWORD", &c.Backend.Redis.Password)
	list("LOCALSTORE_ETCD_ENDPOINTS", &c.Backend.Etcd.Endpoints)
	str("LOCALSTORE_S3_BUCKET", &c.Backend.S3.Bucket)
	str("LOCALSTORE_S3_REGION", &c.Backend.S3.Region)
	str("LOCALSTORE_S3_ENDPOINT", &c.Backend.S3.Endpoint)
	str("LOCALSTORE_S3_ACCESS_KEY_ID", &c.Backend.S3.AccessKeyID)
	str("LOCALSTORE_S3_SECRET_ACCESS_KEY", &c.Backend.S3.SecretAccessKey)
	str("LOCALSTORE_LISTEN", &c.Hub.Listen)
	str("LOCALSTORE_HUB_URL", &c.Hub.URL)
	str("LOCALSTORE_LOG_LEVEL", &c.Log.Level)
	str("LOCALSTORE_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("LOCALSTORE_REDIS_DB"); ok && v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Backend.Redis.DB = db
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendMemory:
	case BackendFile:
		if c.Backend.File.Dir == "" {
			return missing("backend.file.dir")
		}
	case BackendRedis:
		if len(c.Backend.Redis.Addrs) == 0 {
			return missing("backend.redis.addrs")
		}
	case BackendEtcd:
		if len(c.Backend.Etcd.Endpoints) == 0 {
			return missing("backend.etcd.endpoints")
		}
	case BackendS3:
		if c.Backend.S3.Bucket == "" {
			return missing("backend.s3.bucket")
		}
	default:
		return errors.New("LS102").
			WithDetail("Unknown backend type " + strconv.Quote(c.Backend.Type) + ".")
	}

	for field, value := range map[string]string{
		"backend.file.pollInterval": c.Backend.File.PollInterval,
		"backend.etcd.dialTimeout":  c.Backend.Etcd.DialTimeout,
		"hub.pingInterval":          c.Hub.PingInterval,
		"hub.writeTimeout":          c.Hub.WriteTimeout,
	} {
		if _, err := parseDuration(field, value); err != nil {
			return err
		}
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("LS100").
			WithDetail("log.format must be text or json, got " + strconv.Quote(c.Log.Format) + ".")
	}
	return nil
}

// PollInterval returns the parsed file watcher interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := parseDuration("backend.file.pollInterval", c.Backend.File.PollInterval)
	return d
}

// DialTimeout returns the parsed etcd dial timeout.
func (c *Config) DialTimeout() time.Duration {
	d, _ := parseDuration("backend.etcd.dialTimeout", c.Backend.Etcd.DialTimeout)
	return d
}

// PingInterval returns the parsed hub ping interval.
func (c *Config) PingInterval() time.Duration {
	d, _ := parseDuration("hub.pingInterval", c.Hub.PingInterval)
	return d
}

// WriteTimeout returns the parsed hub write timeout.
func (c *Config) WriteTimeout() time.Duration {
	d, _ := parseDuration("hub.writeTimeout", c.Hub.WriteTimeout)
	return d
}

// LogLevel returns the slog level for Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.New("LS105").
		WithDetail("Unknown log level " + strconv.Quote(c.Log.Level) + ".")
}

// Logger builds a logger writing to w in the configured format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, errors.New("LS104").
			WithDetail(field + " is " + strconv.Quote(value) + ".")
	}
	return d, nil
}

func missing(field string) error {
	return errors.New("LS103").
		WithDetail(field + " is required for this backend.")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

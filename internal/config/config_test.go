package config

import (
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/localstore/internal/errors"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Backend.Type != DefaultBackend {
		t.Errorf("Backend.Type = %q, want %q", cfg.Backend.Type, DefaultBackend)
	}
	if cfg.Hub.Listen != DefaultListen {
		t.Errorf("Hub.Listen = %q, want %q", cfg.Hub.Listen, DefaultListen)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval())
	}
	if cfg.PingInterval() != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	// Test loading non-existent config
	_, err := Load(tmpDir)
	if !stderrors.Is(err, errors.New("LS101")) {
		t.Errorf("Load(missing) = %v, want LS101", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	configJSON := `{
  "backend": {
    "type": "redis",
    "redis": {
      "addrs": ["localhost:6379"],
      "db": 2
    }
  },
  "hub": {
    "listen": ":9090",
    "writeTimeout": "2s"
  },
  "log": {
    "level": "debug"
  }
}
`
	if err := os.WriteFile(configPath, []byte(configJSON), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Backend.Type != BackendRedis {
		t.Errorf("Backend.Type = %q", cfg.Backend.Type)
	}
	if len(cfg.Backend.Redis.Addrs) != 1 || cfg.Backend.Redis.DB != 2 {
		t.Errorf("Redis = %+v", cfg.Backend.Redis)
	}
	if cfg.Hub.Listen != ":9090" {
		t.Errorf("Hub.Listen = %q", cfg.Hub.Listen)
	}
	if cfg.WriteTimeout() != 2*time.Second {
		t.Errorf("WriteTimeout = %v", cfg.WriteTimeout())
	}
	// Defaults still apply to fields the file leaves out.
	if cfg.Hub.PingInterval != DefaultPingInterval {
		t.Errorf("Hub.PingInterval = %q", cfg.Hub.PingInterval)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
	if cfg.Path() != configPath {
		t.Errorf("Path = %q, want %q", cfg.Path(), configPath)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	os.WriteFile(path, []byte("{not json"), 0644)

	_, err := LoadFile(path)
	if !stderrors.Is(err, errors.New("LS100")) {
		t.Errorf("err = %v, want LS100", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("explicit missing file", func(t *testing.T) {
		_, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.json"))
		if !stderrors.Is(err, errors.New("LS101")) {
			t.Errorf("err = %v, want LS101", err)
		}
	})

	t.Run("no file in working directory", func(t *testing.T) {
		wd, _ := os.Getwd()
		defer os.Chdir(wd)
		os.Chdir(t.TempDir())

		cfg, err := LoadOrDefault("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Path() != "" {
			t.Errorf("Path = %q, want empty", cfg.Path())
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("LOCALSTORE_BACKEND", "file")
		t.Setenv("LOCALSTORE_FILE_DIR", dir)

		cfg, err := LoadOrDefault(writeConfig(t, `{}`))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Backend.Type != BackendFile || cfg.Backend.File.Dir != dir {
			t.Errorf("Backend = %+v", cfg.Backend)
		}
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOCALSTORE_BACKEND":        "etcd",
		"LOCALSTORE_ETCD_ENDPOINTS": "a:2379, b:2379,",
		"LOCALSTORE_REDIS_DB":       "3",
		"LOCALSTORE_HUB_URL":        "http://hub:7070",
		"LOCALSTORE_LOG_LEVEL":      "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := New()
	cfg.ApplyEnv(lookup)

	if cfg.Backend.Type != BackendEtcd {
		t.Errorf("Backend.Type = %q", cfg.Backend.Type)
	}
	if got := strings.Join(cfg.Backend.Etcd.Endpoints, "|"); got != "a:2379|b:2379" {
		t.Errorf("Etcd.Endpoints = %q", got)
	}
	if cfg.Backend.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d", cfg.Backend.Redis.DB)
	}
	if cfg.Hub.URL != "http://hub:7070" {
		t.Errorf("Hub.URL = %q", cfg.Hub.URL)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("empty variable should not override, Log.Level = %q", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		code   string
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "sqlite" }, "LS102"},
		{"file without dir", func(c *Config) { c.Backend.Type = BackendFile }, "LS103"},
		{"redis without addrs", func(c *Config) { c.Backend.Type = BackendRedis }, "LS103"},
		{"etcd without endpoints", func(c *Config) { c.Backend.Type = BackendEtcd }, "LS103"},
		{"s3 without bucket", func(c *Config) { c.Backend.Type = BackendS3 }, "LS103"},
		{"bad duration", func(c *Config) { c.Hub.PingInterval = "often" }, "LS104"},
		{"negative duration", func(c *Config) { c.Backend.File.PollInterval = "-1s" }, "LS104"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "LS105"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "LS100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.modify(cfg)
			err := cfg.Validate()
			if !stderrors.Is(err, errors.New(tt.code)) {
				t.Errorf("Validate() = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		cfg := New()
		cfg.Log.Level = in
		got, err := cfg.LogLevel()
		if err != nil || got != want {
			t.Errorf("LogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestLogger(t *testing.T) {
	var buf strings.Builder
	cfg := New()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "settings")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"settings"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

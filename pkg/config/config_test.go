package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func load(t *testing.T, args ...string) *Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v := viper.New()
	if err := Bind(v, fs); err != nil {
		t.Fatalf("bind: %v", err)
	}
	cfg, _, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t)
	if cfg.Backend.Hostname != "127.0.0.1" || cfg.Backend.Port != 4000 {
		t.Errorf("backend: got %s:%d", cfg.Backend.Hostname, cfg.Backend.Port)
	}
	if cfg.Tail.Interval != 10*time.Second {
		t.Errorf("tail interval: got %v", cfg.Tail.Interval)
	}
	if cfg.Retry.BrowseDelay != time.Second {
		t.Errorf("browse delay: got %v", cfg.Retry.BrowseDelay)
	}
	if cfg.Topics.Notification != "browser:notification" {
		t.Errorf("notification topic: got %q", cfg.Topics.Notification)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("BACKEND_HOSTNAME", "backend.example.com")
	t.Setenv("BACKEND_PORT", "4443")
	t.Setenv("BACKEND_SECURE", "TRUE")
	t.Setenv("BACKEND_USERNAME", "agent@example.com")
	t.Setenv("DATA_SIZE", "1000")
	t.Setenv("MEDIAGENT_TAIL_INTERVAL", "3s")

	cfg := load(t)
	if cfg.Backend.Hostname != "backend.example.com" {
		t.Errorf("hostname: got %q", cfg.Backend.Hostname)
	}
	if cfg.Backend.Port != 4443 {
		t.Errorf("port: got %d", cfg.Backend.Port)
	}
	if !cfg.Backend.Secure {
		t.Error("expected secure backend")
	}
	if cfg.Backend.Username != "agent@example.com" {
		t.Errorf("username: got %q", cfg.Backend.Username)
	}
	if cfg.Upload.ChunkSize != 1000 {
		t.Errorf("chunk size: got %d", cfg.Upload.ChunkSize)
	}
	if cfg.Tail.Interval != 3*time.Second {
		t.Errorf("tail interval: got %v", cfg.Tail.Interval)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("BACKEND_PORT", "4443")
	cfg := load(t, "--backend-port", "5000", "--retry-exponential")
	if cfg.Backend.Port != 5000 {
		t.Errorf("port: got %d, want flag value 5000", cfg.Backend.Port)
	}
	if !cfg.Retry.Exponential {
		t.Error("expected exponential retry from flag")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := []byte(`identifier: edit-suite-3
backend:
  hostname: media.example.com
  username: agent
  password: secret
tail:
  mount-prefix: "D:/Media"
  local-root-prefix: /mnt/media
upload:
  chunk-size: 32768
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := load(t, "--config", path)
	if cfg.Identifier != "edit-suite-3" {
		t.Errorf("identifier: got %q", cfg.Identifier)
	}
	if cfg.Tail.MountPrefix != "D:/Media" || cfg.Tail.LocalRootPrefix != "/mnt/media" {
		t.Errorf("rewrite prefixes: got %q -> %q", cfg.Tail.MountPrefix, cfg.Tail.LocalRootPrefix)
	}
	if cfg.Upload.ChunkSize != 32768 {
		t.Errorf("chunk size: got %d", cfg.Upload.ChunkSize)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", "/nonexistent/mediagent.yaml"}); err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	if err := Bind(v, fs); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(v); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("backend:\n  hostnmae: typo\n"))
	if err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	errs := Validate(Default())
	assertHasError(t, errs, "backend.username is required")
	assertHasError(t, errs, "backend.password is required")
}

func TestValidateChunkSize(t *testing.T) {
	cfg := valid()
	cfg.Upload.ChunkSize = 0
	assertHasError(t, Validate(cfg), "upload.chunk-size must be positive")
}

func TestValidateReservedTopic(t *testing.T) {
	cfg := valid()
	cfg.Topics.Browse = "phoenix"
	assertHasError(t, Validate(cfg), "is reserved")
}

func TestValidateRewritePrefixes(t *testing.T) {
	cfg := valid()
	cfg.Tail.MountPrefix = "/data"
	cfg.Tail.LocalRootPrefix = "/srv/data"
	assertHasError(t, Validate(cfg), "must not contain tail.mount-prefix")
}

func TestValidateLogLevel(t *testing.T) {
	cfg := valid()
	cfg.LogLevel = "verbose"
	assertHasError(t, Validate(cfg), "log-level")
}

func TestMarshalRedactsPassword(t *testing.T) {
	cfg := valid()
	out, err := Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Error("password leaked into rendered config")
	}
	if !strings.Contains(string(out), "chunk-size: 65536") {
		t.Errorf("rendered config missing chunk-size:\n%s", out)
	}
	if cfg.Backend.Password != "hunter2" {
		t.Error("Marshal must not modify its argument")
	}
}

func TestUploadAddr(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "127.0.0.1:4001"},
		{"localhost", "localhost:4001"},
		{"::1", "[::1]:4001"},
		{"media.example.com", "media.example.com:4000"},
	}
	for _, tt := range tests {
		cfg := valid()
		cfg.Backend.Hostname = tt.host
		if got := cfg.UploadAddr(); got != tt.want {
			t.Errorf("UploadAddr(%s) = %s, want %s", tt.host, got, tt.want)
		}
	}
}

func valid() *Config {
	cfg := Default()
	cfg.Backend.Username = "agent"
	cfg.Backend.Password = "hunter2"
	return cfg
}

func assertHasError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got %v", substr, errs)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modoterra/mediagent/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommandRedactsPassword(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "agent.yaml")
	content := []byte(`identifier: edit-01
backend:
  hostname: backend.example.com
  username: agent@example.com
  password: hunter2
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "--config", path, "--backend-port", "4443")
	if err != nil {
		t.Fatalf("config: %v\n%s", err, out)
	}
	cfg, err := config.Parse([]byte(strings.SplitN(out, "\n", 2)[1]))
	if err != nil {
		t.Fatalf("printed config does not parse: %v\n%s", err, out)
	}
	if cfg.Identifier != "edit-01" || cfg.Backend.Port != 4443 {
		t.Errorf("identifier=%q port=%d", cfg.Identifier, cfg.Backend.Port)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("password printed in clear")
	}
}

func TestConfigCommandRejectsInvalid(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := execute(t, "config", "--backend-port", "0"); err == nil {
		t.Fatal("invalid configuration accepted")
	} else if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "mediagentd ") {
		t.Errorf("version output = %q", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warning", "json")
	logger.Info("hidden")
	logger.Warn("shown", "pipeline", "browse")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"pipeline":"browse"`) {
		t.Errorf("log output = %q", out)
	}
	if newLogger(&buf, "bogus", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}

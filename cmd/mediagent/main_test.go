package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/transport/uds"
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

func fakeDaemon(t *testing.T) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "agent.sock")
	srv := uds.NewServer(sock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.Handle(uds.MethodPing, func(context.Context, uds.Message) (any, error) {
		return uds.PingResponse{Pong: true, Version: "v1.2.0"}, nil
	})
	srv.Handle(uds.MethodStatus, func(context.Context, uds.Message) (any, error) {
		return uds.StatusResponse{
			Identifier: "edit-01",
			Version:    "v1.2.0",
			Backend:    "10.0.0.5:4000",
			Pipelines: []core.PipelineStatus{
				{Name: core.PipelineNotification, Topic: "browser:notification", State: core.StateActive, Since: time.Now(), Checkpoint: "2024-03-14T23:59:59"},
				{Name: core.PipelineUpload, Topic: "upload:all", State: core.StateDisconnected, Since: time.Now(), Reconnects: 3, LastError: "join rejected"},
			},
		}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			return sock
		}
		if time.Now().After(deadline) {
			t.Fatal("fake daemon did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPingCommand(t *testing.T) {
	sock := fakeDaemon(t)
	out, err := execute(t, "ping", "--socket", sock)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out, "pong") || !strings.Contains(out, "v1.2.0") {
		t.Errorf("ping output = %q", out)
	}
}

func TestPingWithoutDaemon(t *testing.T) {
	_, err := execute(t, "ping", "--socket", filepath.Join(t.TempDir(), "missing.sock"))
	if err == nil || !strings.Contains(err.Error(), "cannot connect") {
		t.Errorf("err = %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	sock := fakeDaemon(t)
	out, err := execute(t, "status", "--socket", sock)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"edit-01", "degraded", "notification", "checkpoint 2024-03-14T23:59:59", "last error: join rejected"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommandJSON(t *testing.T) {
	sock := fakeDaemon(t)
	out, err := execute(t, "status", "--json", "--socket", sock)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st uds.StatusResponse
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(st.Pipelines) != 2 || st.Pipelines[1].Reconnects != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestConfigCheckCommand(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte(`identifier: edit-01
backend:
  hostname: backend.example.com
  username: agent@example.com
  password: secret
`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "check", valid)
	if err != nil {
		t.Fatalf("check valid: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("output = %q", out)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("backend:\n  port: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "config", "check", invalid)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("check invalid = %v", err)
	}
	if !strings.Contains(out, "backend.port") {
		t.Errorf("errors not listed:\n%s", out)
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("backend:\n  hostnam: typo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "check", unknown); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestServiceStatusCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	out, err := execute(t, "service", "status", "--socket", filepath.Join(t.TempDir(), "missing.sock"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "socket: inactive") || !strings.Contains(out, "not installed") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "mediagent ") {
		t.Errorf("version output = %q", out)
	}
}

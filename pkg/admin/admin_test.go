package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/metrics"
)

type fakeSource struct {
	statuses []core.PipelineStatus
}

func (f fakeSource) Snapshot() []core.PipelineStatus { return f.statuses }

func (f fakeSource) Healthy() bool {
	if len(f.statuses) == 0 {
		return false
	}
	for _, st := range f.statuses {
		if st.State != core.StateActive {
			return false
		}
	}
	return true
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		states []core.State
		code   int
	}{
		{"all active", []core.State{core.StateActive, core.StateActive}, http.StatusOK},
		{"one reconnecting", []core.State{core.StateActive, core.StateConnecting}, http.StatusServiceUnavailable},
		{"nothing registered", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var src fakeSource
			for _, s := range tt.states {
				src.statuses = append(src.statuses, core.PipelineStatus{State: s})
			}
			rec := get(t, NewRouter(src, "bay-1", "dev"), "/healthz")
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			var h Health
			if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if h.Healthy != (tt.code == http.StatusOK) {
				t.Errorf("healthy = %v", h.Healthy)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	src := fakeSource{statuses: []core.PipelineStatus{
		{Name: core.PipelineNotification, Topic: "browser:notification", State: core.StateActive, Checkpoint: "2024-03-14T14:05:09"},
		{Name: core.PipelineUpload, Topic: "upload:all", State: core.StateJoining, Attempts: 3, LastError: "join: timeout"},
	}}
	rec := get(t, NewRouter(src, "bay-1", "v0.9.0"), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Status{Identifier: "bay-1", Version: "v0.9.0", Pipelines: src.statuses}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestMetricsExposed(t *testing.T) {
	metrics.SetPipelineState("browse", core.StateActive)
	rec := get(t, NewRouter(fakeSource{}, "bay-1", "dev"), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mediagent_pipeline_state") {
		t.Error("pipeline state metric missing from /metrics")
	}
}

func TestServerShutsDownOnCancel(t *testing.T) {
	// Reserve a free port, then release it for the server.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(addr, NewRouter(fakeSource{}, "bay-1", "dev"), quiet)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	var resp *http.Response
	for i := 0; i < 100; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("code = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := NewServer(ln.Addr().String(), http.NotFoundHandler(), nil)
	if err := srv.Serve(context.Background()); err == nil {
		t.Error("expected error for an address in use")
	}
}

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/mediagent/internal/backendtest"
	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/encoderlog"
	"github.com/modoterra/mediagent/pkg/transport/uds"
)

type notifications struct {
	mu     sync.Mutex
	states []string
}

func (n *notifications) notify(state string) error {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
	return nil
}

func (n *notifications) seen(state string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Contains(n.states, state)
}

func daemonConfig(t *testing.T, b *backendtest.Backend) *config.Config {
	t.Helper()
	dir := t.TempDir()
	raw, err := encoderlog.Encode(encoderLog)
	if err != nil {
		t.Fatal(err)
	}
	logFile := filepath.Join(dir, "AMEEncodingLog.txt")
	if err := os.WriteFile(logFile, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := b.Config()
	cfg.StatusSocket = filepath.Join(dir, "agent.sock")
	cfg.Tail.LogFile = logFile
	cfg.Tail.Interval = 20 * time.Millisecond
	cfg.Tail.Watch = false
	cfg.Browse.Root = dir
	cfg.Upload.Root = dir
	return cfg
}

func TestDaemonRun(t *testing.T) {
	b := backendtest.New(t)
	cfg := daemonConfig(t, b)
	n := &notifications{}
	d, err := New(cfg, quiet, Options{
		HTTPClient: noKeepAlive(),
		Notify:     n.notify,
		Watchdog:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	eventually(t, "every pipeline to become active", d.Board().Healthy)
	b.WaitFrames(cfg.Topics.Notification, "new_item", 2, 5*time.Second)

	client, err := uds.Dial(cfg.StatusSocket)
	if err != nil {
		t.Fatalf("dial status socket: %v", err)
	}
	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	if pong, err := client.Ping(rctx); err != nil || !pong.Pong {
		t.Fatalf("Ping = %+v, %v", pong, err)
	}
	status, err := client.Status(rctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Identifier != "test-agent" || !status.Healthy || len(status.Pipelines) != 3 {
		t.Fatalf("status = %+v", status)
	}
	for i, name := range []core.Pipeline{core.PipelineNotification, core.PipelineBrowse, core.PipelineUpload} {
		if p := status.Pipelines[i]; p.Name != name || p.State != core.StateActive {
			t.Errorf("pipeline %d = %s in %s", i, p.Name, p.State)
		}
	}
	client.Close()
	<-client.Done()

	eventually(t, "a watchdog ping", func() bool { return n.seen("WATCHDOG=1") })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	for _, state := range []string{"READY=1", "STOPPING=1"} {
		if !n.seen(state) {
			t.Errorf("service manager never saw %s", state)
		}
	}
	if _, err := os.Stat(cfg.StatusSocket); !os.IsNotExist(err) {
		t.Errorf("status socket left behind: %v", err)
	}
}

func TestDaemonStatusEvents(t *testing.T) {
	b := backendtest.New(t)
	cfg := daemonConfig(t, b)
	d, err := New(cfg, quiet, Options{HTTPClient: noKeepAlive(), Notify: func(string) error { return nil }, Watchdog: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var client *uds.Client
	eventually(t, "the status socket", func() bool {
		client, err = uds.Dial(cfg.StatusSocket)
		return err == nil
	})
	defer func() {
		client.Close()
		<-client.Done()
	}()

	events := make(chan core.PipelineStatus, 64)
	client.OnEvent(func(msg uds.Message) {
		var st core.PipelineStatus
		if msg.Method == uds.EventPipelineState && msg.Decode(&st) == nil {
			select {
			case events <- st:
			default:
			}
		}
	})

	b.DropAll()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-events:
			if st.State == core.StateDisconnected && st.Reconnects > 0 {
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event after dropping the sockets")
		}
	}
}

func TestNewRejectsBadPathMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Tail.MountPrefix = "//nas/Media"
	cfg.Tail.LocalRootPrefix = "/mnt//nas/Media"
	if _, err := New(cfg, quiet, Options{Notify: func(string) error { return nil }}); err == nil {
		t.Fatal("New accepted a local root containing the mount prefix")
	}
}

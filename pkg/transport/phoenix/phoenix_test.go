package phoenix_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/modoterra/mediagent/internal/backendtest"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func dialConfig(b *backendtest.Backend) phoenix.DialConfig {
	host, port := b.Addr()
	return phoenix.DialConfig{
		Endpoint:    "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/socket/websocket",
		Identifier:  "test-agent",
		JoinTimeout: 200 * time.Millisecond,
		Logger:      quiet,
	}
}

func dial(t *testing.T, b *backendtest.Backend, cfg phoenix.DialConfig) *phoenix.Conn {
	t.Helper()
	c, err := phoenix.Dial(context.Background(), cfg, "token-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestJoinSendAndReceive(t *testing.T) {
	b := backendtest.New(t)
	c := dial(t, b, dialConfig(b))
	ctx := context.Background()

	ch, err := c.Join(ctx, "browser:notification", map[string]string{"identifier": "test-agent"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if ch.Topic() != "browser:notification" {
		t.Errorf("Topic() = %q", ch.Topic())
	}
	joins := b.WaitFrames("browser:notification", "phx_join", 1, time.Second)
	if got := string(joins[0].Payload); got != `{"identifier":"test-agent"}` {
		t.Errorf("join payload = %s", got)
	}

	if err := ch.Send(ctx, "new_item", map[string]string{"date_time": "2024-01-02T03:04:05"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := b.WaitFrames("browser:notification", "new_item", 1, time.Second)
	if sent[0].Ref == nil || *sent[0].Ref == *joins[0].Ref {
		t.Errorf("push ref = %v, want a fresh ref", sent[0].Ref)
	}

	if n := b.Push("browser:notification", "get_info", map[string]any{}); n != 1 {
		t.Fatalf("Push reached %d sockets", n)
	}
	msg, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := phoenix.Event{Kind: phoenix.EventNamed, Name: "get_info"}
	if diff := cmp.Diff(want, msg.Event); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	if msg.Topic != "browser:notification" {
		t.Errorf("topic = %q", msg.Topic)
	}
}

func TestNextPreservesArrivalOrder(t *testing.T) {
	b := backendtest.New(t)
	c := dial(t, b, dialConfig(b))
	ctx := context.Background()
	if _, err := c.Join(ctx, "browser:all", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	for i := range 20 {
		b.Push("browser:all", "file_system", map[string]any{"body": map[string]int{"seq": i}})
	}
	for i := range 20 {
		msg, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		var p struct {
			Body struct {
				Seq int `json:"seq"`
			} `json:"body"`
		}
		if err := msg.Decode(&p); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if p.Body.Seq != i {
			t.Fatalf("message %d has seq %d", i, p.Body.Seq)
		}
	}
}

func TestDialRejectedToken(t *testing.T) {
	b := backendtest.New(t)
	_, err := phoenix.Dial(context.Background(), dialConfig(b), "stale")
	if !errors.Is(err, phoenix.ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	cfg := phoenix.DialConfig{Endpoint: "ws://127.0.0.1:1/socket/websocket", Logger: quiet}
	_, err := phoenix.Dial(context.Background(), cfg, "token-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, phoenix.ErrHandshakeFailed) {
		t.Errorf("connection refused reported as handshake failure: %v", err)
	}
}

func TestJoinFailures(t *testing.T) {
	tests := []struct {
		name string
		mode backendtest.JoinMode
		want error
	}{
		{"rejected", backendtest.JoinReject, phoenix.ErrJoinRejected},
		{"no reply", backendtest.JoinIgnore, phoenix.ErrJoinTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backendtest.New(t)
			b.SetJoin("upload:all", tt.mode)
			c := dial(t, b, dialConfig(b))

			ch, err := c.Join(context.Background(), "upload:all", nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if ch != nil {
				t.Error("expected nil channel")
			}
		})
	}
}

func TestRejectReasonIsReported(t *testing.T) {
	b := backendtest.New(t)
	b.SetJoin("upload:all", backendtest.JoinReject)
	c := dial(t, b, dialConfig(b))

	_, err := c.Join(context.Background(), "upload:all", nil)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("err = %v, want reason in message", err)
	}
}

func TestRemoteDropEndsConnection(t *testing.T) {
	b := backendtest.New(t)
	c := dial(t, b, dialConfig(b))
	ctx := context.Background()
	ch, err := c.Join(ctx, "browser:all", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	b.DropAll()

	nctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.Next(nctx); !errors.Is(err, phoenix.ErrConnectionClosed) {
		t.Fatalf("Next err = %v, want ErrConnectionClosed", err)
	}
	// The connection stays dead.
	if _, err := c.Next(nctx); !errors.Is(err, phoenix.ErrConnectionClosed) {
		t.Fatalf("second Next err = %v", err)
	}
	if err := ch.Send(ctx, "response", map[string]any{}); !errors.Is(err, phoenix.ErrNotJoined) {
		t.Fatalf("Send err = %v, want ErrNotJoined", err)
	}
	if _, err := c.Join(ctx, "browser:all", nil); !errors.Is(err, phoenix.ErrConnectionClosed) {
		t.Fatalf("Join err = %v, want ErrConnectionClosed", err)
	}
}

func TestRepeatedJoinReplyDoesNotStallReader(t *testing.T) {
	b := backendtest.New(t)
	b.SetJoin("browser:all", backendtest.JoinRepeatReply)
	c := dial(t, b, dialConfig(b))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Join(ctx, "browser:all", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	b.DropAll()

	// Replies that arrive after Join returned surface as messages.
	for {
		_, err := c.Next(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, phoenix.ErrConnectionClosed) {
			t.Fatalf("Next err = %v, want ErrConnectionClosed", err)
		}
		return
	}
}

func TestLifecycleCloseEvents(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		event string
	}{
		{"close on joined topic", "browser:all", "phx_close"},
		{"error on joined topic", "browser:all", "phx_error"},
		{"close on reserved topic", "phoenix", "phx_close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backendtest.New(t)
			c := dial(t, b, dialConfig(b))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := c.Join(ctx, "browser:all", nil); err != nil {
				t.Fatalf("Join: %v", err)
			}
			b.Push("browser:all", "ping", map[string]any{})
			if _, err := c.Next(ctx); err != nil {
				t.Fatalf("Next: %v", err)
			}
			if tt.topic == "phoenix" {
				pushReserved(t, b, tt.event)
			} else {
				b.Push(tt.topic, tt.event, map[string]any{})
			}

			_, err := c.Next(ctx)
			if !errors.Is(err, phoenix.ErrConnectionClosed) {
				t.Fatalf("Next err = %v, want ErrConnectionClosed", err)
			}
		})
	}
}

// pushReserved sends a lifecycle event on the reserved topic.
func pushReserved(t *testing.T, b *backendtest.Backend, event string) {
	t.Helper()
	if n := b.PushAll(phoenix.TopicPhoenix, event, map[string]any{}); n == 0 {
		t.Fatal("no socket received the reserved event")
	}
}

func TestCloseEventOnForeignTopicIsDelivered(t *testing.T) {
	b := backendtest.New(t)
	c := dial(t, b, dialConfig(b))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Join(ctx, "browser:all", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}

	b.PushAll("browser:other", "phx_close", map[string]any{})
	msg, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Event.Kind != phoenix.EventClose || msg.Topic != "browser:other" {
		t.Errorf("got %+v", msg)
	}
	if c.Err() != nil {
		t.Errorf("connection died: %v", c.Err())
	}
}

func TestHeartbeatsKeepFlowing(t *testing.T) {
	b := backendtest.New(t)
	cfg := dialConfig(b)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c := dial(t, b, cfg)

	if !b.WaitFor(2*time.Second, func() bool { return b.Heartbeats() >= 3 }) {
		t.Fatalf("saw %d heartbeats", b.Heartbeats())
	}
	if err := c.Err(); err != nil {
		t.Fatalf("connection died: %v", err)
	}
	// Heartbeat replies are swallowed.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %+v, %v; want deadline exceeded", msg, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := backendtest.New(t)
	c, err := phoenix.Dial(context.Background(), dialConfig(b), "token-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSendOnNilChannel(t *testing.T) {
	var ch *phoenix.Channel
	if err := ch.Send(context.Background(), "x", nil); !errors.Is(err, phoenix.ErrNotJoined) {
		t.Fatalf("err = %v", err)
	}
}

func TestSocketURL(t *testing.T) {
	raw, err := phoenix.SocketURL("wss://backend.example:4000/socket/websocket", "a b&c", "edit-01")
	if err != nil {
		t.Fatalf("SocketURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("userToken") != "a b&c" || q.Get("identifier") != "edit-01" || q.Get("vsn") != "1.0.0" {
		t.Errorf("query = %v", q)
	}
	if u.Host != "backend.example:4000" || u.Path != "/socket/websocket" {
		t.Errorf("url = %s", raw)
	}

	if _, err := phoenix.SocketURL("http://backend/socket", "t", "i"); err == nil {
		t.Error("expected scheme error")
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]phoenix.EventKind{
		"start":       phoenix.EventNamed,
		"file_system": phoenix.EventNamed,
		"phx_close":   phoenix.EventClose,
		"phx_error":   phoenix.EventClose,
		"phx_reply":   phoenix.EventOther,
		"heartbeat":   phoenix.EventOther,
		"phx_join":    phoenix.EventOther,
	}
	for name, want := range tests {
		if got := phoenix.Classify(name).Kind; got != want {
			t.Errorf("Classify(%q) = %v, want %v", name, got, want)
		}
	}
}

type scripted struct {
	msgs []phoenix.Message
	err  error
}

func (s *scripted) Next(context.Context) (phoenix.Message, error) {
	if len(s.msgs) == 0 {
		return phoenix.Message{}, s.err
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func named(topic, event string) phoenix.Message {
	return phoenix.Message{Topic: topic, Event: phoenix.Classify(event)}
}

func TestRouterDispatchesInOrder(t *testing.T) {
	rx := &scripted{
		msgs: []phoenix.Message{
			named("upload:all", "start"),
			named("unknown:topic", "start"),
			named("upload:all", "phx_reply"),
			named("browser:all", "file_system"),
			named("upload:all", "cancel"),
		},
		err: phoenix.ErrConnectionClosed,
	}
	var got []string
	r := phoenix.NewRouter(quiet)
	r.Handle("upload:all", func(_ context.Context, m phoenix.Message) {
		got = append(got, m.Topic+"/"+m.Event.Name)
	})
	r.Handle("browser:all", func(_ context.Context, m phoenix.Message) {
		got = append(got, m.Topic+"/"+m.Event.Name)
	})

	err := r.Serve(context.Background(), rx)
	if !errors.Is(err, phoenix.ErrConnectionClosed) {
		t.Fatalf("Serve err = %v", err)
	}
	want := []string{"upload:all/start", "browser:all/file_system", "upload:all/cancel"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMalformed(t *testing.T) {
	m := phoenix.Message{Topic: "upload:all", Event: phoenix.Classify("start"), Payload: []byte(`{"job_id":"x"}`)}
	var v struct {
		JobID int `json:"job_id"`
	}
	err := m.Decode(&v)
	if !errors.Is(err, phoenix.ErrMalformedPayload) {
		t.Fatalf("err = %v", err)
	}
	empty := phoenix.Message{Topic: "upload:all", Event: phoenix.Classify("start")}
	if err := empty.Decode(&v); !errors.Is(err, phoenix.ErrMalformedPayload) {
		t.Fatalf("empty err = %v", err)
	}
}

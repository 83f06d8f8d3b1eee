// Package backendtest runs an in-process fake of the central backend: the
// login endpoint, a Phoenix v1 socket and the upload endpoint.
package backendtest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
)

// Default credentials accepted by the login endpoint.
const (
	Username = "agent@example.com"
	Password = "secret"
)

// JoinMode controls how the socket answers a join for a topic.
type JoinMode int

const (
	JoinOK JoinMode = iota
	JoinReject
	JoinIgnore
	// JoinRepeatReply acknowledges the join several times with the same ref.
	JoinRepeatReply
)

// Backend is a running fake backend.
type Backend struct {
	t        testing.TB
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	token         string
	lastEvent     any
	loginFailures int
	logins        int
	joinModes     map[string]JoinMode
	sockets       []*socket
	accepted      int
	frames        []phoenix.Frame
	uploads       []*Upload
	uploadMode    UploadMode
	changed       chan struct{}
}

// New starts a fake backend that is shut down when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		t:         t,
		token:     "token-1",
		joinModes: make(map[string]JoinMode),
		changed:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", b.handleLogin)
	mux.HandleFunc("GET /socket/websocket", b.handleSocket)
	mux.HandleFunc("GET /upload", b.handleUpload)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// Close drops every socket and stops the server.
func (b *Backend) Close() {
	b.DropAll()
	b.server.Close()
}

// Addr returns host and port of the server.
func (b *Backend) Addr() (string, int) {
	host, port, err := net.SplitHostPort(b.server.Listener.Addr().String())
	if err != nil {
		b.t.Fatalf("split listener address: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Config returns an agent configuration pointing at this backend with
// short timeouts and retry delays.
func (b *Backend) Config() *config.Config {
	host, port := b.Addr()
	cfg := config.Default()
	cfg.Identifier = "test-agent"
	cfg.Backend.Hostname = host
	cfg.Backend.Port = port
	cfg.Backend.Username = Username
	cfg.Backend.Password = Password
	cfg.Backend.JoinTimeout = 500 * time.Millisecond
	cfg.Backend.RequestTimeout = 2 * time.Second
	cfg.Retry.NotificationDelay = 20 * time.Millisecond
	cfg.Retry.BrowseDelay = 20 * time.Millisecond
	cfg.Retry.UploadDelay = 20 * time.Millisecond
	cfg.Upload.LoopbackPort = port
	cfg.Admin.Listen = ""
	return cfg
}

// SetToken changes the token issued by logins and required by sockets.
func (b *Backend) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// SetLastEvent sets the last_event value returned by logins. nil omits it.
func (b *Backend) SetLastEvent(v any) {
	b.mu.Lock()
	b.lastEvent = v
	b.mu.Unlock()
}

// FailLogins makes the next n logins answer 500.
func (b *Backend) FailLogins(n int) {
	b.mu.Lock()
	b.loginFailures = n
	b.mu.Unlock()
}

// Logins returns how many login requests were received.
func (b *Backend) Logins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

// SetJoin sets how joins on topic are answered.
func (b *Backend) SetJoin(topic string, mode JoinMode) {
	b.mu.Lock()
	b.joinModes[topic] = mode
	b.mu.Unlock()
}

// Accepted returns how many sockets were upgraded so far.
func (b *Backend) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Frames returns the frames received on topic with the given event.
func (b *Backend) Frames(topic, event string) []phoenix.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []phoenix.Frame
	for _, f := range b.frames {
		if f.Topic == topic && f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Heartbeats returns how many heartbeat frames were received.
func (b *Backend) Heartbeats() int {
	return len(b.Frames(phoenix.TopicPhoenix, "heartbeat"))
}

// WaitFor polls cond until it holds or the timeout elapses.
func (b *Backend) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		if cond() {
			return true
		}
		b.mu.Lock()
		changed := b.changed
		b.mu.Unlock()
		select {
		case <-changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return cond()
		}
	}
}

// WaitFrames waits until at least n frames of event arrived on topic.
func (b *Backend) WaitFrames(topic, event string, n int, timeout time.Duration) []phoenix.Frame {
	b.t.Helper()
	if !b.WaitFor(timeout, func() bool { return len(b.Frames(topic, event)) >= n }) {
		b.t.Fatalf("timed out waiting for %d %s frames on %s, have %d", n, event, topic, len(b.Frames(topic, event)))
	}
	return b.Frames(topic, event)
}

// Push sends a server event to every live socket that joined topic.
// It returns how many sockets received it.
func (b *Backend) Push(topic, event string, payload any) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.t.Fatalf("encode push payload: %v", err)
	}
	n := 0
	for _, s := range b.liveSockets() {
		if !s.hasJoined(topic) {
			continue
		}
		if s.write(phoenix.Frame{Topic: topic, Event: event, Payload: raw}) == nil {
			n++
		}
	}
	return n
}

// PushAll sends a server event to every live socket, joined or not.
func (b *Backend) PushAll(topic, event string, payload any) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.t.Fatalf("encode push payload: %v", err)
	}
	n := 0
	for _, s := range b.liveSockets() {
		if s.write(phoenix.Frame{Topic: topic, Event: event, Payload: raw}) == nil {
			n++
		}
	}
	return n
}

// DropAll abruptly closes every live socket.
func (b *Backend) DropAll() {
	for _, s := range b.liveSockets() {
		s.ws.Close()
	}
}

func (b *Backend) liveSockets() []*socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*socket, 0, len(b.sockets))
	for _, s := range b.sockets {
		if !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

func (b *Backend) notify() {
	b.mu.Lock()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		} `json:"session"`
	}
	b.mu.Lock()
	b.logins++
	fail := b.loginFailures > 0
	if fail {
		b.loginFailures--
	}
	token, lastEvent := b.token, b.lastEvent
	b.mu.Unlock()
	defer b.notify()

	if fail {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Session.Email != Username || req.Session.Password != Password {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	resp := map[string]any{"access_token": token}
	if lastEvent != nil {
		resp["last_event"] = lastEvent
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *Backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()
	if r.URL.Query().Get("userToken") != token || r.URL.Query().Get("vsn") != phoenix.ProtocolVersion {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &socket{ws: ws, joined: make(map[string]bool), identifier: r.URL.Query().Get("identifier")}
	b.mu.Lock()
	b.sockets = append(b.sockets, s)
	b.accepted++
	b.mu.Unlock()
	b.notify()

	defer func() {
		s.markClosed()
		ws.Close()
		b.notify()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f phoenix.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		b.onFrame(s, f)
	}
}

func (b *Backend) onFrame(s *socket, f phoenix.Frame) {
	b.mu.Lock()
	b.frames = append(b.frames, f)
	mode := b.joinModes[f.Topic]
	b.mu.Unlock()
	defer b.notify()

	switch f.Event {
	case "heartbeat":
		_ = s.reply(f, "ok", map[string]any{})
	case "phx_join":
		switch mode {
		case JoinOK:
			s.join(f.Topic)
			_ = s.reply(f, "ok", map[string]any{})
		case JoinReject:
			_ = s.reply(f, "error", map[string]any{"reason": "unauthorized"})
		case JoinIgnore:
		case JoinRepeatReply:
			s.join(f.Topic)
			for range 4 {
				_ = s.reply(f, "ok", map[string]any{})
			}
		}
	}
}

type socket struct {
	ws         *websocket.Conn
	identifier string

	writeMu sync.Mutex

	mu     sync.Mutex
	joined map[string]bool
	closed bool
}

func (s *socket) write(f phoenix.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, raw)
}

func (s *socket) reply(to phoenix.Frame, status string, response any) error {
	payload, err := json.Marshal(map[string]any{"status": status, "response": response})
	if err != nil {
		return err
	}
	return s.write(phoenix.Frame{Topic: to.Topic, Event: "phx_reply", Payload: payload, Ref: to.Ref})
}

func (s *socket) join(topic string) {
	s.mu.Lock()
	s.joined[topic] = true
	s.mu.Unlock()
}

func (s *socket) hasJoined(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[topic]
}

func (s *socket) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

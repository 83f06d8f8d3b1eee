package phoenix

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ProtocolVersion is the serializer version announced in the socket URL.
const ProtocolVersion = "1.0.0"

const (
	defaultJoinTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultInboundBuffer     = 64
	writeTimeout             = 10 * time.Second
	closeGrace               = time.Second
)

// DialConfig describes where and how to open a socket.
type DialConfig struct {
	// Endpoint is the socket URL without query, e.g.
	// ws://127.0.0.1:4000/socket/websocket.
	Endpoint   string
	Identifier string

	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	// InboundBuffer bounds how many frames may wait for Next before the
	// reader stops reading from the socket.
	InboundBuffer int
	TLSConfig     *tls.Config
	Logger        *slog.Logger
}

func (c DialConfig) withDefaults() DialConfig {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = defaultInboundBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// SocketURL builds the full socket URL including the session token.
func SocketURL(endpoint, token, identifier string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	q := u.Query()
	q.Set("userToken", token)
	q.Set("identifier", identifier)
	q.Set("vsn", ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type writeRequest struct {
	kind  int
	data  []byte
	frame *Frame
	// result is buffered; nil for fire-and-forget control frames.
	result chan error
}

// Conn is one live Phoenix socket.
type Conn struct {
	id     string
	cfg    DialConfig
	ws     *websocket.Conn
	logger *slog.Logger

	outbound chan writeRequest
	controls chan writeRequest
	inbound  chan Message
	done     chan struct{}
	wg       sync.WaitGroup

	ref atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan reply
	joined  map[string]*Channel
	cause   error

	closeOnce sync.Once
}

// Dial opens a socket authenticated with token and starts its reader and
// writer goroutines.
func Dial(ctx context.Context, cfg DialConfig, token string) (*Conn, error) {
	cfg = cfg.withDefaults()
	target, err := SocketURL(cfg.Endpoint, token, cfg.Identifier)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLSConfig,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("%w: %s answered %d", ErrHandshakeFailed, cfg.Endpoint, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}

	c := &Conn{
		id:       uuid.NewString(),
		cfg:      cfg,
		ws:       ws,
		outbound: make(chan writeRequest),
		controls: make(chan writeRequest, 8),
		inbound:  make(chan Message, cfg.InboundBuffer),
		done:     make(chan struct{}),
		pending:  make(map[string]chan reply),
		joined:   make(map[string]*Channel),
	}
	c.logger = cfg.Logger.With("conn", c.id)

	ws.SetPingHandler(func(data string) error {
		c.control(websocket.PongMessage, []byte(data))
		return nil
	})
	ws.SetCloseHandler(func(code int, text string) error {
		c.control(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		return nil
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	c.logger.Debug("socket connected", "endpoint", cfg.Endpoint)
	return c, nil
}

// ID is a random identifier used to correlate log lines of one socket.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection is dead.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection died, or nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Join joins topic with the given metadata and waits for the server's
// reply.
func (c *Conn) Join(ctx context.Context, topic string, metadata any) (*Channel, error) {
	if topic == "" || topic == TopicPhoenix {
		return nil, fmt.Errorf("join: invalid topic %q", topic)
	}
	payload := json.RawMessage("{}")
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("join %s: encode metadata: %w", topic, err)
		}
		payload = raw
	}

	ref := c.nextRef()
	replies := make(chan reply, 1)
	c.mu.Lock()
	if c.cause != nil {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[ref] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	frame := &Frame{Topic: topic, Event: phxJoin, Payload: payload, Ref: &ref}
	if err := c.write(ctx, frame); err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}

	select {
	case r := <-replies:
		if r.Status != "ok" {
			return nil, fmt.Errorf("%w: %s: %s", ErrJoinRejected, topic, rejectReason(r))
		}
		ch := &Channel{topic: topic, joinRef: ref, conn: c}
		c.mu.Lock()
		c.joined[topic] = ch
		c.mu.Unlock()
		c.logger.Debug("channel joined", "topic", topic)
		return ch, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrJoinTimeout, topic, c.cfg.JoinTimeout)
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next returns the next inbound message in arrival order. Once the socket
// has ended it returns ErrConnectionClosed, after any messages received
// before the end were delivered.
func (c *Conn) Next(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-c.inbound:
		if !ok {
			return Message{}, c.closedErr()
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close sends a normal close frame, tears the socket down and waits for
// the reader and writer to exit. It is safe to call more than once.
func (c *Conn) Close() error {
	select {
	case <-c.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		req := writeRequest{kind: websocket.CloseMessage, data: msg, result: make(chan error, 1)}
		if c.enqueue(ctx, req) == nil {
			select {
			case <-req.result:
			case <-c.done:
			case <-ctx.Done():
			}
		}
		cancel()
		c.shutdown(errors.New("closed by client"))
	}
	c.wg.Wait()
	return nil
}

func (c *Conn) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause == nil {
		return ErrConnectionClosed
	}
	if errors.Is(cause, ErrConnectionClosed) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.joined = map[string]*Channel{}
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
		c.logger.Debug("socket closed", "cause", cause)
	})
}

func (c *Conn) isJoined(ch *Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause == nil && c.joined[ch.topic] == ch
}

// write hands frame to the writer and waits for the outcome.
func (c *Conn) write(ctx context.Context, frame *Frame) error {
	req := writeRequest{kind: websocket.TextMessage, frame: frame, result: make(chan error, 1)}
	if err := c.enqueue(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.result:
		return err
	case <-c.done:
		select {
		case err := <-req.result:
			return err
		default:
			return c.closedErr()
		}
	}
}

func (c *Conn) enqueue(ctx context.Context, req writeRequest) error {
	select {
	case c.outbound <- req:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// control queues a control frame from the reader goroutine without ever
// blocking it. Frames beyond the queue's capacity are dropped.
func (c *Conn) control(kind int, data []byte) {
	select {
	case c.controls <- writeRequest{kind: kind, data: data}:
	default:
		c.logger.Debug("control queue full, dropping frame", "kind", kind)
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.inbound)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("dropping undecodable frame", "err", err, "size", len(raw))
			continue
		}

		if f.Event == phxReply && f.Ref != nil {
			c.mu.Lock()
			waiter, ok := c.pending[*f.Ref]
			c.mu.Unlock()
			if ok {
				var r reply
				if err := json.Unmarshal(f.Payload, &r); err != nil {
					r = reply{Status: "error", Response: f.Payload}
				}
				select {
				case waiter <- r:
				default:
					c.logger.Debug("dropping repeated reply", "ref", *f.Ref)
				}
				continue
			}
			if f.Topic == TopicPhoenix {
				continue
			}
		}

		m := toMessage(f)
		if m.Event.Kind == EventClose && c.ownsTopic(f.Topic) {
			c.shutdown(fmt.Errorf("%w: %s on %s", ErrConnectionClosed, f.Event, f.Topic))
			return
		}

		select {
		case c.inbound <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) ownsTopic(topic string) bool {
	if topic == TopicPhoenix {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[topic]
	return ok
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var req writeRequest
		select {
		case req = <-c.controls:
		case req = <-c.outbound:
		case <-heartbeat.C:
			ref := c.nextRef()
			req = writeRequest{
				kind:  websocket.TextMessage,
				frame: &Frame{Topic: TopicPhoenix, Event: phxHeartbeat, Payload: json.RawMessage("{}"), Ref: &ref},
			}
		case <-c.done:
			return
		}

		err := c.send(req)
		if req.result != nil {
			req.result <- err
		}
		if err != nil {
			c.shutdown(err)
			return
		}
		if req.kind == websocket.CloseMessage {
			return
		}
	}
}

func (c *Conn) send(req writeRequest) error {
	data := req.data
	if req.frame != nil {
		raw, err := json.Marshal(req.frame)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		data = raw
	}
	deadline := time.Now().Add(writeTimeout)
	switch req.kind {
	case websocket.TextMessage, websocket.BinaryMessage:
		_ = c.ws.SetWriteDeadline(deadline)
		if err := c.ws.WriteMessage(req.kind, data); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	default:
		if err := c.ws.WriteControl(req.kind, data, deadline); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return nil
}

func rejectReason(r reply) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(r.Response, &body); err == nil && body.Reason != "" {
		return body.Reason
	}
	if len(r.Response) > 0 {
		return string(r.Response)
	}
	return "status " + r.Status
}

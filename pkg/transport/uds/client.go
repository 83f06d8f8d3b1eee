package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned for requests on a client whose connection ended.
var ErrClosed = errors.New("status socket closed")

// EventHandler is called when the server pushes an event.
type EventHandler func(msg Message)

// Client connects to a mediagentd status socket.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	pending map[string]chan Message
	events  EventHandler
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnEvent registers a handler for server-pushed events. The handler runs
// on the client's read goroutine.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.events = h
	c.mu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Request sends a request and waits for the correlated response.
func (c *Client) Request(ctx context.Context, method string, data any) (Message, error) {
	msg, err := NewRequest(method, data)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	line, err := encodeLine(msg)
	if err != nil {
		return Message{}, err
	}
	if _, err := c.conn.Write(line); err != nil {
		return Message{}, fmt.Errorf("write: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("server error: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClosed
	}
}

// Ping checks that the daemon answers and returns its version.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var pong PingResponse
	resp, err := c.Request(ctx, MethodPing, nil)
	if err != nil {
		return pong, err
	}
	return pong, resp.Decode(&pong)
}

// Status fetches the daemon's pipeline snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	resp, err := c.Request(ctx, MethodStatus, nil)
	if err != nil {
		return st, err
	}
	return st, resp.Decode(&st)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer c.once.Do(func() { close(c.done) })

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Type {
		case MsgTypeRes:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case MsgTypeEvt:
			c.mu.Lock()
			h := c.events
			c.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}
}

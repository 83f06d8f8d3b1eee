package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

const maxLine = 1024 * 1024

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

type peer struct {
	conn net.Conn
	mu   sync.Mutex
}

func (p *peer) write(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(line)
	return err
}

// Server listens on a Unix domain socket and dispatches NDJSON messages.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	peers    map[*peer]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		peers:      make(map[*peer]struct{}),
		logger:     logger.With("socket", socketPath),
	}
}

// Handle registers a handler for a method. It must be called before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Start listens and serves until ctx is cancelled. It removes any stale
// socket file first and returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("status socket listening")

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		p := &peer{conn: conn}
		s.mu.Lock()
		if s.listener == nil {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.peers[p] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(ctx, p)
	}
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(msg Message) {
	line, err := encodeLine(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "err", err)
		return
	}
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(line); err != nil {
			s.logger.Debug("broadcast write error", "err", err)
		}
	}
}

// Shutdown stops accepting, disconnects every client and removes the
// socket file. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	for p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
		os.Remove(s.socketPath)
	}
}

func (s *Server) serve(ctx context.Context, p *peer) {
	defer s.wg.Done()
	defer func() {
		p.conn.Close()
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("invalid message", "err", err)
			continue
		}
		if msg.Type != MsgTypeReq {
			continue
		}
		s.reply(p, s.dispatch(ctx, msg))
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) Message {
	handler, ok := s.handlers[msg.Method]
	if !ok {
		return NewErrorResponse(msg.ID, msg.Method, "unknown method: "+msg.Method)
	}
	result, err := handler(ctx, msg)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	resp, err := NewResponse(msg.ID, msg.Method, result)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	return resp
}

func (s *Server) reply(p *peer, msg Message) {
	line, err := encodeLine(msg)
	if err != nil {
		s.logger.Error("marshal response error", "err", err)
		return
	}
	if err := p.write(line); err != nil {
		s.logger.Debug("write response error", "err", err)
	}
}

func encodeLine(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

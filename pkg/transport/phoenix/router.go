package phoenix

import (
	"context"
	"log/slog"
)

// Receiver is the receive side of a socket.
type Receiver interface {
	Next(ctx context.Context) (Message, error)
}

// HandlerFunc handles one named event on a topic. Handlers run on the
// router's goroutine, so a slow handler delays every later message.
type HandlerFunc func(ctx context.Context, msg Message)

// Router dispatches inbound messages to per-topic handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Handle registers h for topic, replacing any earlier handler.
func (r *Router) Handle(topic string, h HandlerFunc) {
	r.handlers[topic] = h
}

// Serve reads messages until the receiver fails or ctx ends and returns
// that error. Only named events reach handlers.
func (r *Router) Serve(ctx context.Context, rx Receiver) error {
	for {
		msg, err := rx.Next(ctx)
		if err != nil {
			return err
		}
		if msg.Event.Kind != EventNamed {
			r.logger.Debug("discarding protocol event", "topic", msg.Topic, "event", msg.Event.Name)
			continue
		}
		h, ok := r.handlers[msg.Topic]
		if !ok {
			r.logger.Debug("discarding message for unknown topic", "topic", msg.Topic, "event", msg.Event.Name)
			continue
		}
		h(ctx, msg)
	}
}

package daemon

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/modoterra/mediagent/internal/buildinfo"
	"github.com/modoterra/mediagent/pkg/auth"
	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/pathmap"
	"github.com/modoterra/mediagent/pkg/tail"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
)

// EventGetInfo asks for, and carries, the agent's description.
const EventGetInfo = "get_info"

// Info is the payload of EventGetInfo.
type Info struct {
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

// NotificationOptions configure the notification consumer.
type NotificationOptions struct {
	Identifier string
	Source     core.RecordSource
	Interval   time.Duration
	// Watch is optional; without it the log is only polled.
	Watch    WatchFunc
	Rewriter pathmap.Rewriter
	Board    *StatusBoard
	Logger   *slog.Logger
}

// NotificationConsumer forwards completion records from the encoder log
// and answers info requests.
type NotificationConsumer struct {
	opts     NotificationOptions
	hostname string
	logger   *slog.Logger

	mu         sync.Mutex
	checkpoint core.Checkpoint
}

// NewNotificationConsumer creates the consumer.
func NewNotificationConsumer(opts NotificationOptions) *NotificationConsumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hostname, _ := os.Hostname()
	return &NotificationConsumer{opts: opts, hostname: hostname, logger: opts.Logger}
}

// Start announces the agent and tails the log from the session's
// checkpoint until ctx ends.
func (c *NotificationConsumer) Start(ctx context.Context, sess auth.Session, ch *phoenix.Channel) error {
	c.advance(sess.Checkpoint)
	if err := ch.Send(ctx, EventGetInfo, c.info()); err != nil {
		c.logger.Warn("announce failed", "err", err)
	}

	tailer := tail.New(c.opts.Source, ch, sess.Checkpoint, tail.Options{
		Rewriter:  c.opts.Rewriter,
		Logger:    c.logger,
		OnAdvance: c.advance,
	})
	return NewPollLoop(tailer, c.opts.Interval, c.opts.Watch, c.logger).Run(ctx)
}

// Handle answers get_info; other events are ignored.
func (c *NotificationConsumer) Handle(ctx context.Context, ch *phoenix.Channel, msg phoenix.Message) {
	if msg.Event.Name != EventGetInfo {
		c.logger.Debug("ignoring event", "event", msg.Event.Name)
		return
	}
	if err := ch.Send(ctx, EventGetInfo, c.info()); err != nil {
		c.logger.Warn("answer get_info failed", "err", err)
	}
}

func (c *NotificationConsumer) advance(cp core.Checkpoint) {
	c.mu.Lock()
	c.checkpoint = cp
	c.mu.Unlock()
	if c.opts.Board != nil {
		c.opts.Board.SetCheckpoint(core.PipelineNotification, cp)
	}
}

func (c *NotificationConsumer) info() Info {
	c.mu.Lock()
	cp := c.checkpoint
	c.mu.Unlock()
	return Info{
		Identifier: c.opts.Identifier,
		Version:    buildinfo.Version,
		Hostname:   c.hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Checkpoint: cp.String(),
	}
}

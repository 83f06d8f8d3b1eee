package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/modoterra/mediagent/pkg/auth"
	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/pathmap"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
	"github.com/modoterra/mediagent/pkg/upload"
)

// Handler runs one upload job. *upload.Uploader implements it.
type Handler interface {
	Handle(ctx context.Context, job upload.Job) upload.Result
}

// UploadOptions configure the upload consumer.
type UploadOptions struct {
	// Root confines every source path.
	Root          string
	MaxConcurrent int
	Board         *StatusBoard
	Logger        *slog.Logger
}

// UploadConsumer accepts upload jobs from the backend and reports their
// results. Jobs run under the context given to Serve, not under the
// connection that delivered them, so a reconnect does not abort them.
type UploadConsumer struct {
	handler Handler
	opts    UploadOptions
	sem     *semaphore.Weighted
	outbox  *outbox
	jobs    chan upload.Job
	logger  *slog.Logger
}

// NewUploadConsumer creates the consumer.
func NewUploadConsumer(h Handler, opts UploadOptions) *UploadConsumer {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &UploadConsumer{
		handler: h,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		outbox:  newOutbox(),
		jobs:    make(chan upload.Job, 64),
		logger:  opts.Logger,
	}
}

func (c *UploadConsumer) String() string { return "upload-jobs" }

// Serve runs accepted jobs, at most MaxConcurrent at a time, until ctx
// ends. It waits for running jobs before returning; their results are
// still posted.
func (c *UploadConsumer) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-c.jobs:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.run(ctx, job)
			}()
		}
	}
}

func (c *UploadConsumer) run(ctx context.Context, job upload.Job) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.outbox.post(upload.Result{JobID: job.ID, Err: err})
		return
	}
	defer c.sem.Release(1)

	c.uploads(1)
	defer c.uploads(-1)
	c.outbox.post(c.handler.Handle(ctx, job))
}

func (c *UploadConsumer) uploads(delta int) {
	if c.opts.Board != nil {
		c.opts.Board.AddUploads(core.PipelineUpload, delta)
	}
}

// Start reports pending results until ctx ends. A failed report ends the
// connection; the result is retried on the next one.
func (c *UploadConsumer) Start(ctx context.Context, _ auth.Session, ch *phoenix.Channel) error {
	for {
		n, err := c.outbox.flush(ctx, ch)
		if n > 0 {
			c.logger.Debug("upload results reported", "count", n)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("report upload result failed", "pending", c.outbox.len(), "err", err)
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.outbox.ready:
		}
	}
}

// Handle accepts start requests. Invalid requests that name a job are
// reported as failed.
func (c *UploadConsumer) Handle(ctx context.Context, _ *phoenix.Channel, msg phoenix.Message) {
	if msg.Event.Name != upload.EventStart {
		c.logger.Debug("ignoring event", "event", msg.Event.Name)
		return
	}
	job, hasID, err := upload.DecodeStart(msg.Payload)
	if err != nil {
		c.logger.Warn("invalid upload request", "payload", string(msg.Payload), "err", err)
		if hasID {
			c.outbox.post(upload.Result{JobID: job.ID, Err: err})
		}
		return
	}
	job.SourcePath = pathmap.Confine(c.opts.Root, job.SourcePath)

	select {
	case c.jobs <- job:
		c.logger.Info("upload accepted", "job", job.ID, "source", job.SourcePath, "destination", job.DestinationPath)
	case <-ctx.Done():
		c.outbox.post(upload.Result{JobID: job.ID, Err: errJobDropped})
	}
}

var errJobDropped = errors.New("agent disconnected before the job started")

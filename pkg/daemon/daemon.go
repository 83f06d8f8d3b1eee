// Package daemon runs mediagentd: one supervised pipeline per backend
// channel, the upload job runner, the local status socket and the admin
// endpoint.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/modoterra/mediagent/internal/buildinfo"
	"github.com/modoterra/mediagent/pkg/admin"
	"github.com/modoterra/mediagent/pkg/auth"
	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/encoderlog"
	"github.com/modoterra/mediagent/pkg/pathmap"
	"github.com/modoterra/mediagent/pkg/providers/logs/filetail"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
	"github.com/modoterra/mediagent/pkg/transport/uds"
	"github.com/modoterra/mediagent/pkg/upload"
)

const watchDebounce = 250 * time.Millisecond

// NotifyFunc reports a state change to the service manager.
type NotifyFunc func(state string) error

// Options override the daemon's collaborators. The zero value is the
// production setup.
type Options struct {
	HTTPClient *http.Client
	TLSConfig  *tls.Config
	// Notify defaults to sd_notify. It is a no-op outside systemd.
	Notify NotifyFunc
	// Watchdog is the systemd watchdog interval. Zero asks systemd.
	Watchdog time.Duration
}

// Daemon is the main mediagentd process.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	board    *StatusBoard
	server   *uds.Server
	root     *suture.Supervisor
	uploads  *UploadConsumer
	logger   *slog.Logger
	notify   NotifyFunc
	watchdog time.Duration
}

// New assembles a daemon from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rewriter, err := pathmap.New(cfg.Tail.MountPrefix, cfg.Tail.LocalRootPrefix)
	if err != nil {
		return nil, fmt.Errorf("path mapping: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		board:  NewStatusBoard(),
		logger: logger,
		notify: opts.Notify,
	}
	if d.notify == nil {
		d.notify = func(state string) error {
			_, err := sd.SdNotify(false, state)
			return err
		}
	}
	d.watchdog = opts.Watchdog
	if d.watchdog == 0 {
		if interval, err := sd.SdWatchdogEnabled(false); err == nil {
			d.watchdog = interval
		}
	}

	d.root = suture.New("mediagentd", suture.Spec{
		EventHook: d.supervisorEvent,
	})

	authClient := auth.NewClient(cfg.Backend, opts.HTTPClient, logger)
	dial := d.dialer()
	joinPayload := map[string]string{"identifier": cfg.Identifier}

	source := filetail.New(cfg.Tail.LogFile, encoderlog.Parse, logger)
	var watch WatchFunc
	if cfg.Tail.Watch {
		watch = func(ctx context.Context, wake chan<- struct{}) error {
			return source.Watch(ctx, watchDebounce, wake)
		}
	}
	notification := NewNotificationConsumer(NotificationOptions{
		Identifier: cfg.Identifier,
		Source:     source,
		Interval:   cfg.Tail.Interval,
		Watch:      watch,
		Rewriter:   rewriter,
		Board:      d.board,
		Logger:     logger.With("pipeline", core.PipelineNotification),
	})

	uploader := upload.New(upload.Options{
		Endpoint:     d.uploadEndpoint(),
		ChunkSize:    cfg.Upload.ChunkSize,
		QueueDepth:   cfg.Upload.QueueDepth,
		RateLimit:    cfg.Upload.RateLimit,
		CloseTimeout: cfg.Upload.CloseTimeout,
		TLSConfig:    opts.TLSConfig,
		Logger:       logger.With("pipeline", core.PipelineUpload),
	})
	d.uploads = NewUploadConsumer(uploader, UploadOptions{
		Root:          cfg.Upload.Root,
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		Board:         d.board,
		Logger:        logger.With("pipeline", core.PipelineUpload),
	})

	pipelines := []struct {
		name     core.Pipeline
		topic    string
		delay    time.Duration
		consumer Consumer
	}{
		{core.PipelineNotification, cfg.Topics.Notification, cfg.Retry.NotificationDelay, notification},
		{core.PipelineBrowse, cfg.Topics.Browse, cfg.Retry.BrowseDelay, NewBrowseConsumer(cfg.Browse.Root, logger.With("pipeline", core.PipelineBrowse))},
		{core.PipelineUpload, cfg.Topics.Upload, cfg.Retry.UploadDelay, d.uploads},
	}
	for _, p := range pipelines {
		d.root.Add(NewPipeline(PipelineConfig{
			Name:        p.name,
			Topic:       p.topic,
			JoinPayload: joinPayload,
			Auth:        authClient,
			Dial:        dial,
			Consumer:    p.consumer,
			Backoff:     NewBackoff(cfg.Retry, p.delay),
			Board:       d.board,
			Logger:      logger,
		}))
	}
	d.root.Add(d.uploads)

	if cfg.Admin.Listen != "" {
		d.root.Add(admin.NewServer(cfg.Admin.Listen, admin.NewRouter(d.board, cfg.Identifier, buildinfo.Version), logger))
	}

	if cfg.StatusSocket != "" {
		d.server = uds.NewServer(cfg.StatusSocket, logger)
		d.registerHandlers()
	}
	return d, nil
}

// Board returns the pipeline status board.
func (d *Daemon) Board() *StatusBoard { return d.board }

// Run starts every component and blocks until ctx is cancelled. It
// returns nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.root.Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if d.server != nil {
		g.Go(func() error { return d.server.Start(gctx) })
		g.Go(func() error { return d.broadcastStatus(gctx) })
	}
	if d.watchdog > 0 {
		g.Go(func() error { return d.keepAlive(gctx) })
	}

	d.logger.Info("mediagentd started",
		"version", buildinfo.Version,
		"identifier", d.cfg.Identifier,
		"backend", d.cfg.Backend.Addr(),
		"secure", d.cfg.Backend.Secure)
	d.sdNotify(sd.SdNotifyReady)

	err := g.Wait()
	d.sdNotify(sd.SdNotifyStopping)
	d.logger.Info("mediagentd stopped")
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

func (d *Daemon) dialer() DialFunc {
	endpoint := url.URL{
		Scheme: d.cfg.Backend.WSScheme(),
		Host:   d.cfg.Backend.Addr(),
		Path:   d.cfg.Backend.SocketPath,
	}
	dc := phoenix.DialConfig{
		Endpoint:          endpoint.String(),
		Identifier:        d.cfg.Identifier,
		JoinTimeout:       d.cfg.Backend.JoinTimeout,
		HeartbeatInterval: d.cfg.Backend.HeartbeatInterval,
		TLSConfig:         d.opts.TLSConfig,
		Logger:            d.logger,
	}
	return func(ctx context.Context, token string) (*phoenix.Conn, error) {
		if _, err := phoenix.SocketURL(dc.Endpoint, token, dc.Identifier); err != nil {
			return nil, Fatal(err)
		}
		return phoenix.Dial(ctx, dc, token)
	}
}

func (d *Daemon) uploadEndpoint() string {
	u := url.URL{
		Scheme: d.cfg.Backend.WSScheme(),
		Host:   d.cfg.UploadAddr(),
		Path:   d.cfg.Upload.Path,
	}
	return u.String()
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodStatus, d.handleStatus)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: buildinfo.Version}, nil
}

func (d *Daemon) handleStatus(_ context.Context, _ uds.Message) (any, error) {
	return uds.StatusResponse{
		Identifier: d.cfg.Identifier,
		Version:    buildinfo.Version,
		Backend:    d.cfg.Backend.Addr(),
		Healthy:    d.board.Healthy(),
		Pipelines:  d.board.Snapshot(),
	}, nil
}

// broadcastStatus pushes every status change to status socket clients.
func (d *Daemon) broadcastStatus(ctx context.Context) error {
	updates, cancel := d.board.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-updates:
			evt, err := uds.NewEvent(uds.EventPipelineState, st)
			if err != nil {
				d.logger.Error("encode status event", "err", err)
				continue
			}
			d.server.Broadcast(evt)
		}
	}
}

// keepAlive pets the systemd watchdog at half its interval.
func (d *Daemon) keepAlive(ctx context.Context) error {
	ticker := time.NewTicker(d.watchdog / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sdNotify(sd.SdNotifyWatchdog)
		}
	}
}

func (d *Daemon) sdNotify(state string) {
	if err := d.notify(state); err != nil {
		d.logger.Warn("notify service manager", "state", state, "err", err)
	}
}

func (d *Daemon) supervisorEvent(e suture.Event) {
	switch e.Type() {
	case suture.EventTypeServicePanic:
		d.logger.Error("service panicked", "event", e.String())
	case suture.EventTypeBackoff, suture.EventTypeResume:
		d.logger.Warn("supervisor", "event", e.String())
	default:
		d.logger.Info("supervisor", "event", e.String())
	}
}

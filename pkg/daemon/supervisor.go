package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/modoterra/mediagent/pkg/auth"
	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/metrics"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
)

// Consumer is the application side of a pipeline.
type Consumer interface {
	// Start runs background work for as long as ch is joined. It is
	// called once per connection and must return when ctx ends.
	Start(ctx context.Context, sess auth.Session, ch *phoenix.Channel) error
	// Handle processes one named event received on the pipeline's topic.
	// It runs on the connection's reader goroutine.
	Handle(ctx context.Context, ch *phoenix.Channel, msg phoenix.Message)
}

// Authenticator obtains a fresh session from the backend.
type Authenticator interface {
	Authenticate(ctx context.Context) (auth.Session, error)
}

// DialFunc opens a socket authenticated with token.
type DialFunc func(ctx context.Context, token string) (*phoenix.Conn, error)

var errRestarted = errors.New("pipeline restarted")

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable. A pipeline that fails with a fatal
// error stops retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// PipelineConfig assembles one pipeline.
type PipelineConfig struct {
	Name        core.Pipeline
	Topic       string
	JoinPayload any
	Auth        Authenticator
	Dial        DialFunc
	Consumer    Consumer
	// Backoff yields the delay before each retry. It is reset after every
	// successful join.
	Backoff backoff.BackOff
	Board   *StatusBoard
	Logger  *slog.Logger
}

// Pipeline keeps one channel joined: it authenticates, connects, joins and
// serves until the connection ends, then starts over after a delay. It
// implements suture.Service.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
	state  core.State
}

// NewPipeline creates a pipeline and registers it on the board.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewConstantBackOff(time.Second)
	}
	if cfg.Board == nil {
		cfg.Board = NewStatusBoard()
	}
	cfg.Board.Register(cfg.Name, cfg.Topic)
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.With("pipeline", cfg.Name, "topic", cfg.Topic),
		state:  core.StateDisconnected,
	}
}

func (p *Pipeline) String() string { return "pipeline/" + string(p.cfg.Name) }

// Serve runs the reconnect loop until ctx ends or a fatal error occurs.
// Fatal errors are returned wrapped in suture.ErrDoNotRestart.
func (p *Pipeline) Serve(ctx context.Context) error {
	if p.state != core.StateDisconnected {
		// Restarted by the supervisor after a panic.
		p.transition(core.StateDisconnected, errRestarted)
	}
	for {
		phase, err := p.attempt(ctx)
		if ctx.Err() != nil {
			p.transition(core.StateDisconnected, nil)
			return ctx.Err()
		}
		p.transition(core.StateDisconnected, err)
		if IsFatal(err) {
			p.logger.Error("pipeline failed permanently", "phase", phase, "err", err)
			p.transition(core.StateFatal, err)
			return fmt.Errorf("%s: %w: %w", p, err, suture.ErrDoNotRestart)
		}

		metrics.RecordPipelineFailure(string(p.cfg.Name), phase)
		delay := p.cfg.Backoff.NextBackOff()
		if delay == backoff.Stop {
			p.cfg.Backoff.Reset()
			delay = p.cfg.Backoff.NextBackOff()
		}
		p.logger.Warn("pipeline disconnected", "phase", phase, "retry_in", delay, "err", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// attempt runs one connection from login to disconnect and returns the
// phase it ended in.
func (p *Pipeline) attempt(ctx context.Context) (core.State, error) {
	p.transition(core.StateAuthenticating, nil)
	sess, err := p.cfg.Auth.Authenticate(ctx)
	if err != nil {
		return core.StateAuthenticating, fmt.Errorf("authenticate: %w", err)
	}

	p.transition(core.StateConnecting, nil)
	conn, err := p.cfg.Dial(ctx, sess.Token)
	if err != nil {
		return core.StateConnecting, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	logger := p.logger.With("conn", conn.ID())

	p.transition(core.StateJoining, nil)
	ch, err := conn.Join(ctx, p.cfg.Topic, p.cfg.JoinPayload)
	if err != nil {
		return core.StateJoining, fmt.Errorf("join: %w", err)
	}

	p.cfg.Backoff.Reset()
	p.transition(core.StateActive, nil)
	logger.Info("pipeline active", "checkpoint", sess.Checkpoint.String())

	return core.StateActive, p.serve(ctx, conn, sess, ch)
}

// serve runs the router next to the consumer's background work. Whichever
// ends first cancels the other.
func (p *Pipeline) serve(ctx context.Context, conn *phoenix.Conn, sess auth.Session, ch *phoenix.Channel) error {
	router := phoenix.NewRouter(p.logger)
	router.Handle(p.cfg.Topic, func(ctx context.Context, msg phoenix.Message) {
		p.cfg.Consumer.Handle(ctx, ch, msg)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Serve(gctx, conn)
	})
	g.Go(func() error {
		err := p.cfg.Consumer.Start(gctx, sess, ch)
		if err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (p *Pipeline) transition(to core.State, cause error) {
	if p.state == to {
		return
	}
	if err := p.cfg.Board.Transition(p.cfg.Name, to, cause); err != nil {
		p.logger.Debug("state change ignored", "from", p.state, "to", to, "err", err)
		return
	}
	p.logger.Debug("state changed", "from", p.state, "to", to)
	p.state = to
}

// NewBackoff builds the retry policy for one pipeline from the
// configuration.
func NewBackoff(r config.Retry, delay time.Duration) backoff.BackOff {
	if !r.Exponential {
		return backoff.NewConstantBackOff(delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	if r.MaxDelay > 0 {
		b.MaxInterval = r.MaxDelay
	}
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cycler runs one tail cycle and reports how many records it emitted.
type Cycler interface {
	Cycle(ctx context.Context) (int, error)
}

// WatchFunc signals wake whenever the tailed source changes. It blocks
// until ctx ends.
type WatchFunc func(ctx context.Context, wake chan<- struct{}) error

// PollLoop drives a Cycler on a fixed interval, plus an extra cycle each
// time the optional watcher fires.
type PollLoop struct {
	cycler   Cycler
	interval time.Duration
	watch    WatchFunc
	logger   *slog.Logger
}

// NewPollLoop creates a poll loop. watch may be nil.
func NewPollLoop(c Cycler, interval time.Duration, watch WatchFunc, logger *slog.Logger) *PollLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollLoop{cycler: c, interval: interval, watch: watch, logger: logger}
}

// Run cycles once immediately and then on every tick or wake-up. It blocks
// until ctx is cancelled and returns nil.
func (pl *PollLoop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wake := make(chan struct{}, 1)
	if pl.watch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pl.watch(ctx, wake); err != nil && ctx.Err() == nil {
				pl.logger.Warn("log watcher stopped, polling only", "interval", pl.interval, "err", err)
			}
		}()
	}

	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	pl.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pl.tick(ctx)
		case <-wake:
			pl.logger.Debug("log changed")
			pl.tick(ctx)
		}
	}
}

func (pl *PollLoop) tick(ctx context.Context) {
	n, err := pl.cycler.Cycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			pl.logger.Warn("tail cycle failed", "emitted", n, "err", err)
		}
		return
	}
	pl.logger.Debug("tail cycle done", "emitted", n)
}

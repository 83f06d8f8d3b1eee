// Package filetail reads a log file as a core.RecordSource and reports
// when it changes.
package filetail

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/modoterra/mediagent/pkg/core"
)

// ParseFunc turns the raw file content into records.
type ParseFunc func(raw []byte) ([]core.Record, []core.ParseError, error)

// Provider re-reads one log file on demand.
type Provider struct {
	path   string
	parse  ParseFunc
	logger *slog.Logger
}

// New creates a provider for the file at path.
func New(path string, parse ParseFunc, logger *slog.Logger) *Provider {
	return &Provider{path: path, parse: parse, logger: logger}
}

// Path returns the tailed file.
func (p *Provider) Path() string { return p.path }

// Records reads and parses the whole file. A missing file yields no
// records and no error; the encoder creates it on its first job.
func (p *Provider) Records(ctx context.Context) ([]core.Record, []core.ParseError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Debug("log file not present yet", "path", p.path)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	records, bad, err := p.parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", p.path, err)
	}
	return records, bad, nil
}

// Watch signals wake whenever the file is written, created or replaced,
// coalescing bursts within debounce. It watches the parent directory so
// the file may appear or be rotated later. Watch blocks until ctx ends.
func (p *Provider) Watch(ctx context.Context, debounce time.Duration, wake chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(p.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	p.logger.Info("watching log file", "path", p.path)

	target := filepath.Clean(p.path)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("log watcher error", "path", p.path, "err", err)
		case <-fire:
			fire = nil
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

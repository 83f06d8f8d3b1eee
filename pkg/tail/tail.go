// Package tail forwards new encoder completion records to the backend
// exactly once per connection, in completion order.
package tail

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/metrics"
	"github.com/modoterra/mediagent/pkg/pathmap"
)

// EventNewItem is the event published for every forwarded record.
const EventNewItem = "new_item"

// NewItem is the payload of EventNewItem.
type NewItem struct {
	DateTime       string `json:"date_time"`
	OutputFilename string `json:"output_filename,omitempty"`
	InputFilename  string `json:"input_filename,omitempty"`
	Preset         string `json:"preset,omitempty"`
}

// Options tune a Tailer.
type Options struct {
	Rewriter pathmap.Rewriter
	Logger   *slog.Logger
	// OnAdvance is called after every checkpoint advance.
	OnAdvance func(core.Checkpoint)
}

// Tailer owns a checkpoint and moves it forward as records are sent. A
// Tailer is not safe for concurrent use; one goroutine drives Cycle.
type Tailer struct {
	source     core.RecordSource
	sender     core.Sender
	rewrite    pathmap.Rewriter
	logger     *slog.Logger
	onAdvance  func(core.Checkpoint)
	checkpoint core.Checkpoint
	warned     map[string]struct{}
}

// New creates a Tailer starting at checkpoint.
func New(source core.RecordSource, sender core.Sender, checkpoint core.Checkpoint, opts Options) *Tailer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		source:     source,
		sender:     sender,
		rewrite:    opts.Rewriter,
		logger:     logger,
		onAdvance:  opts.OnAdvance,
		checkpoint: checkpoint,
		warned:     make(map[string]struct{}),
	}
}

// Checkpoint returns the current checkpoint.
func (t *Tailer) Checkpoint() core.Checkpoint { return t.checkpoint }

// Cycle re-reads the source and sends every record newer than the
// checkpoint, oldest first. It stops at the first failed send; the
// checkpoint then stays at the last record that was sent.
func (t *Tailer) Cycle(ctx context.Context) (int, error) {
	records, bad, err := t.source.Records(ctx)
	if err != nil {
		return 0, fmt.Errorf("read records: %w", err)
	}
	t.reportMalformed(bad)

	fresh := make([]core.Record, 0, len(records))
	for _, r := range records {
		if !t.checkpoint.Covers(r.CompletedAt) {
			fresh = append(fresh, r)
		}
	}
	slices.SortStableFunc(fresh, func(a, b core.Record) int {
		return a.CompletedAt.Compare(b.CompletedAt)
	})

	sent := 0
	for _, r := range fresh {
		if err := t.sender.Send(ctx, EventNewItem, t.payload(r)); err != nil {
			return sent, fmt.Errorf("send record %s: %w", r.CompletedAt.Format(core.TimestampLayout), err)
		}
		t.checkpoint = t.checkpoint.Advance(r.CompletedAt)
		sent++
		metrics.RecordForwarded(t.checkpoint)
		if t.onAdvance != nil {
			t.onAdvance(t.checkpoint)
		}
		t.logger.Debug("record forwarded", "completed_at", r.CompletedAt.Format(core.TimestampLayout), "output", r.OutputPath)
	}
	if sent > 0 {
		t.logger.Info("records forwarded", "count", sent, "checkpoint", t.checkpoint.String())
	}
	return sent, nil
}

func (t *Tailer) payload(r core.Record) NewItem {
	return NewItem{
		DateTime:       r.CompletedAt.Format(core.TimestampLayout),
		OutputFilename: t.rewrite.Rewrite(r.OutputPath),
		InputFilename:  r.InputPath,
		Preset:         r.Preset,
	}
}

// reportMalformed warns once per distinct line and logs repeats at debug.
func (t *Tailer) reportMalformed(bad []core.ParseError) {
	for _, pe := range bad {
		if _, seen := t.warned[pe.Text]; seen {
			t.logger.Debug("skipping malformed record", "line", pe.Line, "err", pe.Err)
			continue
		}
		t.warned[pe.Text] = struct{}{}
		metrics.RecordMalformed(1)
		t.logger.Warn("skipping malformed record", "line", pe.Line, "text", pe.Text, "err", pe.Err)
	}
}

package daemon

import (
	"context"
	"log/slog"

	"github.com/modoterra/mediagent/pkg/auth"
	"github.com/modoterra/mediagent/pkg/browse"
	"github.com/modoterra/mediagent/pkg/metrics"
	"github.com/modoterra/mediagent/pkg/transport/phoenix"
)

// BrowseConsumer answers directory listing requests.
type BrowseConsumer struct {
	lister browse.Lister
	logger *slog.Logger
}

// NewBrowseConsumer serves listings below root.
func NewBrowseConsumer(root string, logger *slog.Logger) *BrowseConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowseConsumer{lister: browse.Lister{Root: root}, logger: logger}
}

// Start has no background work.
func (c *BrowseConsumer) Start(context.Context, auth.Session, *phoenix.Channel) error {
	return nil
}

// Handle lists the requested directory and sends the response. Requests
// that cannot be served get an empty listing.
func (c *BrowseConsumer) Handle(ctx context.Context, ch *phoenix.Channel, msg phoenix.Message) {
	if msg.Event.Name != browse.EventRequest {
		c.logger.Debug("ignoring event", "event", msg.Event.Name)
		return
	}

	resp := browse.Response{Entries: []browse.Entry{}}
	p, err := browse.DecodeRequest(msg.Payload)
	if err == nil {
		resp, err = c.lister.List(p)
	}
	metrics.RecordBrowse(err)
	if err != nil {
		c.logger.Warn("browse request refused", "path", p, "err", err)
	} else {
		c.logger.Debug("browse request", "path", p, "entries", len(resp.Entries))
	}

	if err := ch.Send(ctx, browse.EventResponse, resp); err != nil {
		c.logger.Warn("send browse response failed", "err", err)
	}
}

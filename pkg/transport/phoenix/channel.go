package phoenix

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel is a joined topic on a Conn. It becomes unusable once the Conn
// closes.
type Channel struct {
	topic   string
	joinRef string
	conn    *Conn
}

// Topic returns the joined topic.
func (ch *Channel) Topic() string { return ch.topic }

// Send publishes a named event with the given payload. It returns once the
// frame has been written to the socket; it does not wait for a reply.
func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	if ch == nil || ch.conn == nil || !ch.conn.isJoined(ch) {
		return ErrNotJoined
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	ref := ch.conn.nextRef()
	frame := &Frame{Topic: ch.topic, Event: event, Payload: raw, Ref: &ref}
	if err := ch.conn.write(ctx, frame); err != nil {
		return fmt.Errorf("send %s on %s: %w", event, ch.topic, err)
	}
	return nil
}

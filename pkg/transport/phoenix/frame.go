// Package phoenix is a client for the Phoenix channels protocol (v1 JSON
// serializer) over WebSocket.
//
// A Conn owns one socket. It runs exactly one reader and one writer
// goroutine; joins, pushes, heartbeats and close frames are all handed to
// the writer, and every inbound frame is delivered through Next in arrival
// order.
package phoenix

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TopicPhoenix is the reserved topic carrying heartbeats and socket-wide
// lifecycle events.
const TopicPhoenix = "phoenix"

const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxClose     = "phx_close"
	phxError     = "phx_error"
	phxHeartbeat = "heartbeat"
)

// Frame is the wire envelope of the v1 JSON serializer.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// EventKind classifies an inbound event.
type EventKind int

const (
	// EventNamed is an application event such as "start" or "file_system".
	EventNamed EventKind = iota
	// EventClose is a protocol-level close or crash of a channel.
	EventClose
	// EventOther is any other protocol event, replies and heartbeats included.
	EventOther
)

func (k EventKind) String() string {
	switch k {
	case EventNamed:
		return "named"
	case EventClose:
		return "close"
	default:
		return "other"
	}
}

// Event is the tagged event of an inbound message.
type Event struct {
	Kind EventKind
	Name string
}

// Classify maps a raw event name onto its kind.
func Classify(name string) Event {
	switch name {
	case phxClose, phxError:
		return Event{Kind: EventClose, Name: name}
	case phxReply, phxHeartbeat, phxJoin, phxLeave:
		return Event{Kind: EventOther, Name: name}
	default:
		return Event{Kind: EventNamed, Name: name}
	}
}

// Message is one inbound frame as seen by consumers.
type Message struct {
	Topic   string
	Event   Event
	Payload json.RawMessage
	Ref     string
}

// ErrMalformedPayload is returned by Decode when the payload does not match
// the expected shape.
var ErrMalformedPayload = errors.New("malformed payload")

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s on %s: empty payload", ErrMalformedPayload, m.Event.Name, m.Topic)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrMalformedPayload, m.Event.Name, m.Topic, err)
	}
	return nil
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func toMessage(f Frame) Message {
	m := Message{Topic: f.Topic, Event: Classify(f.Event), Payload: f.Payload}
	if f.Ref != nil {
		m.Ref = *f.Ref
	}
	return m
}

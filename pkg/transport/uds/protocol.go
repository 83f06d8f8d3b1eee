// Package uds is the agent's local control socket: newline-delimited JSON
// requests, responses and pushed events over a Unix domain socket.
package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/mediagent/pkg/core"
)

var msgCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty data", m.Method)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", m.Method, err)
	}
	return nil
}

func newMessage(typ MsgType, id, method string, data any) (Message, error) {
	msg := Message{Type: typ, ID: id, Method: method}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s: %w", method, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// NewRequest creates a request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	return newMessage(MsgTypeReq, fmt.Sprintf("req-%d", msgCounter.Add(1)), method, data)
}

// NewResponse creates the response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	return newMessage(MsgTypeRes, reqID, method, data)
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{Type: MsgTypeRes, ID: reqID, Method: method, Error: errMsg}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	return newMessage(MsgTypeEvt, fmt.Sprintf("evt-%d", msgCounter.Add(1)), method, data)
}

// Methods and events.
const (
	MethodPing   = "Ping"
	MethodStatus = "Status"

	// EventPipelineState carries a core.PipelineStatus on every transition.
	EventPipelineState = "pipeline.state"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// StatusResponse is the response to a Status request.
type StatusResponse struct {
	Identifier string                `json:"identifier"`
	Version    string                `json:"version"`
	Backend    string                `json:"backend"`
	Healthy    bool                  `json:"healthy"`
	Pipelines  []core.PipelineStatus `json:"pipelines"`
}

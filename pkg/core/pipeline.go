package core

import (
	"fmt"
	"time"
)

// State is the connection state of one supervised pipeline.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateConnecting     State = "connecting"
	StateJoining        State = "joining"
	StateActive         State = "active"
	StateFatal          State = "fatal"
)

// validTransitions lists, for each state, the states it may move to.
var validTransitions = map[State][]State{
	StateDisconnected:   {StateAuthenticating, StateFatal},
	StateAuthenticating: {StateConnecting, StateDisconnected, StateFatal},
	StateConnecting:     {StateJoining, StateDisconnected, StateFatal},
	StateJoining:        {StateActive, StateDisconnected, StateFatal},
	StateActive:         {StateDisconnected},
}

// CanTransition reports whether a pipeline may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pipeline names the three independently supervised pipelines of the agent.
type Pipeline string

const (
	PipelineNotification Pipeline = "notification"
	PipelineBrowse       Pipeline = "browse"
	PipelineUpload       Pipeline = "upload"
)

// PipelineStatus is a point-in-time snapshot of one pipeline.
type PipelineStatus struct {
	Name       Pipeline  `json:"name"`
	Topic      string    `json:"topic"`
	State      State     `json:"state"`
	Since      time.Time `json:"since"`
	Attempts   int       `json:"attempts"`
	Reconnects int       `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Uploads    int       `json:"uploads,omitempty"`
}

// Describe renders a one-line summary used by the CLI.
func (s PipelineStatus) Describe() string {
	line := fmt.Sprintf("%-12s %-14s %s", s.Name, s.State, s.Topic)
	if s.LastError != "" && s.State != StateActive {
		line += " (" + s.LastError + ")"
	}
	return line
}

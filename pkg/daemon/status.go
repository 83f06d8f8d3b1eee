package daemon

import (
	"errors"
	"sync"
	"time"

	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/metrics"
)

// ErrUnknownPipeline is returned for updates naming an unregistered pipeline.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// ErrInvalidTransition is returned when a pipeline attempts a state change
// its state machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// StatusBoard holds the current status of every pipeline and fans changes
// out to subscribers. Readers never block writers: a subscriber that falls
// behind misses intermediate updates.
type StatusBoard struct {
	mu       sync.Mutex
	order    []core.Pipeline
	statuses map[core.Pipeline]*core.PipelineStatus
	subs     map[chan core.PipelineStatus]struct{}
	now      func() time.Time
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		statuses: make(map[core.Pipeline]*core.PipelineStatus),
		subs:     make(map[chan core.PipelineStatus]struct{}),
		now:      time.Now,
	}
}

// Register adds a pipeline in the disconnected state. Registering a name
// twice keeps the first entry.
func (b *StatusBoard) Register(name core.Pipeline, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.statuses[name]; ok {
		return
	}
	b.order = append(b.order, name)
	b.statuses[name] = &core.PipelineStatus{
		Name:  name,
		Topic: topic,
		State: core.StateDisconnected,
		Since: b.now(),
	}
	metrics.SetPipelineState(string(name), core.StateDisconnected)
}

// Transition moves a pipeline to a new state. A non-nil cause is recorded
// as the last error. Entering the active state resets the attempt counter;
// leaving it counts a reconnect.
func (b *StatusBoard) Transition(name core.Pipeline, to core.State, cause error) error {
	b.mu.Lock()
	st, ok := b.statuses[name]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownPipeline
	}
	if !core.CanTransition(st.State, to) {
		b.mu.Unlock()
		return ErrInvalidTransition
	}
	from := st.State
	st.State = to
	st.Since = b.now()
	switch {
	case to == core.StateAuthenticating:
		st.Attempts++
	case to == core.StateActive:
		st.Attempts = 0
		st.LastError = ""
	case from == core.StateActive:
		st.Reconnects++
	}
	if cause != nil {
		st.LastError = cause.Error()
	}
	snap := *st
	b.publish(snap)
	b.mu.Unlock()

	metrics.SetPipelineState(string(name), to)
	return nil
}

// SetCheckpoint records the tailer's checkpoint for a pipeline.
func (b *StatusBoard) SetCheckpoint(name core.Pipeline, cp core.Checkpoint) {
	b.update(name, func(st *core.PipelineStatus) { st.Checkpoint = cp.String() })
}

// AddUploads adjusts the number of in-flight uploads of a pipeline.
func (b *StatusBoard) AddUploads(name core.Pipeline, delta int) {
	b.update(name, func(st *core.PipelineStatus) { st.Uploads += delta })
}

func (b *StatusBoard) update(name core.Pipeline, fn func(*core.PipelineStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[name]
	if !ok {
		return
	}
	fn(st)
	b.publish(*st)
}

// Get returns the status of one pipeline.
func (b *StatusBoard) Get(name core.Pipeline) (core.PipelineStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[name]
	if !ok {
		return core.PipelineStatus{}, false
	}
	return *st, true
}

// Snapshot returns every pipeline's status in registration order.
func (b *StatusBoard) Snapshot() []core.PipelineStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.PipelineStatus, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.statuses[name])
	}
	return out
}

// Healthy reports whether at least one pipeline is registered and every
// pipeline is active.
func (b *StatusBoard) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return false
	}
	for _, st := range b.statuses {
		if st.State != core.StateActive {
			return false
		}
	}
	return true
}

// Subscribe returns a channel receiving every status change and a function
// that ends the subscription.
func (b *StatusBoard) Subscribe() (<-chan core.PipelineStatus, func()) {
	ch := make(chan core.PipelineStatus, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// publish must be called with b.mu held.
func (b *StatusBoard) publish(st core.PipelineStatus) {
	for ch := range b.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

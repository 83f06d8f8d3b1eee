package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/modoterra/mediagent/pkg/core"
	"github.com/modoterra/mediagent/pkg/upload"
)

// outbox holds upload results until they were reported. It outlives
// connections, so a result whose report failed is sent again on the next
// one.
type outbox struct {
	mu      sync.Mutex
	results []upload.Result
	ready   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) post(r upload.Result) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.results)
}

// flush reports results in posting order and stops at the first failure,
// which stays queued.
func (o *outbox) flush(ctx context.Context, s core.Sender) (int, error) {
	sent := 0
	for {
		o.mu.Lock()
		if len(o.results) == 0 {
			o.mu.Unlock()
			return sent, nil
		}
		r := o.results[0]
		o.mu.Unlock()

		event, payload := r.Report()
		if err := s.Send(ctx, event, payload); err != nil {
			return sent, fmt.Errorf("report job %d: %w", r.JobID, err)
		}

		o.mu.Lock()
		o.results = o.results[1:]
		o.mu.Unlock()
		sent++
	}
}

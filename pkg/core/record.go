package core

import (
	"fmt"
	"time"
)

// TimestampLayout is the wire format of record timestamps and checkpoints.
const TimestampLayout = "2006-01-02T15:04:05"

// Record is one completion entry extracted from the encoder log.
type Record struct {
	CompletedAt time.Time
	InputPath   string
	OutputPath  string
	Preset      string
}

// Checkpoint is the completion time of the furthest record forwarded to the
// backend. The zero value means nothing has been forwarded yet.
type Checkpoint struct {
	at time.Time
}

// NewCheckpoint returns a checkpoint positioned at t.
func NewCheckpoint(t time.Time) Checkpoint {
	return Checkpoint{at: t}
}

// ParseCheckpoint reads a checkpoint in TimestampLayout or RFC 3339.
// An empty string yields the zero checkpoint.
func ParseCheckpoint(s string) (Checkpoint, error) {
	if s == "" {
		return Checkpoint{}, nil
	}
	if t, err := time.ParseInLocation(TimestampLayout, s, time.UTC); err == nil {
		return Checkpoint{at: t}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %q: %w", s, err)
	}
	// Record timestamps carry no zone; compare on wall-clock values.
	return Checkpoint{at: time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)}, nil
}

// IsZero reports whether the checkpoint is unset.
func (c Checkpoint) IsZero() bool { return c.at.IsZero() }

// Time returns the checkpoint position.
func (c Checkpoint) Time() time.Time { return c.at }

// Covers reports whether a record completed at t was already forwarded.
func (c Checkpoint) Covers(t time.Time) bool {
	return !c.at.IsZero() && !t.After(c.at)
}

// Advance returns the later of c and t. A checkpoint never moves backwards.
func (c Checkpoint) Advance(t time.Time) Checkpoint {
	if t.After(c.at) {
		return Checkpoint{at: t}
	}
	return c
}

func (c Checkpoint) String() string {
	if c.at.IsZero() {
		return ""
	}
	return c.at.Format(TimestampLayout)
}

package core

import (
	"context"
	"strconv"
)

// RecordSource produces the complete, current set of completion records.
// It is re-read from scratch on every tail cycle.
type RecordSource interface {
	// Records returns every well-formed record in source order together
	// with the lines that looked like records but could not be parsed.
	Records(ctx context.Context) ([]Record, []ParseError, error)
}

// Sender publishes one named event to the backend.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// ParseError describes a source line that could not be turned into a record.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e ParseError) Error() string {
	return "line " + strconv.Itoa(e.Line) + ": " + e.Err.Error()
}

func (e ParseError) Unwrap() error { return e.Err }

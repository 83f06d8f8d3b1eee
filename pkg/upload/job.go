// Package upload streams local files to the backend's upload endpoint over
// a dedicated WebSocket per job.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events exchanged on the upload topic.
const (
	EventStart     = "start"
	EventCompleted = "upload_completed"
	EventError     = "upload_error"
)

// ErrInvalidJob means a start request did not carry a usable job.
var ErrInvalidJob = errors.New("invalid upload job")

// Job is one requested upload.
type Job struct {
	ID              int64
	SourcePath      string
	DestinationPath string
}

// Result is the outcome of a Job. Err is nil on success.
type Result struct {
	JobID    int64
	Err      error
	Bytes    int64
	Checksum string
}

type pathRef struct {
	Path *string `json:"path"`
}

type startPayload struct {
	JobID      *int64 `json:"job_id"`
	Parameters *struct {
		Source      *pathRef `json:"source"`
		Destination *pathRef `json:"destination"`
	} `json:"parameters"`
}

// DecodeStart parses the payload of a start request. When the payload
// names a job id but is otherwise unusable, the returned bool is true and
// the Job carries that id so the failure can be reported.
func DecodeStart(raw json.RawMessage) (Job, bool, error) {
	var p startPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// The id may still be readable on its own.
		var idOnly struct {
			JobID *int64 `json:"job_id"`
		}
		if json.Unmarshal(raw, &idOnly) == nil && idOnly.JobID != nil {
			return Job{ID: *idOnly.JobID}, true, fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
		return Job{}, false, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if p.JobID == nil {
		return Job{}, false, fmt.Errorf("%w: missing job_id", ErrInvalidJob)
	}
	job := Job{ID: *p.JobID}
	switch {
	case p.Parameters == nil:
		return job, true, fmt.Errorf("%w: missing parameters", ErrInvalidJob)
	case p.Parameters.Source == nil || p.Parameters.Source.Path == nil || *p.Parameters.Source.Path == "":
		return job, true, fmt.Errorf("%w: missing source path", ErrInvalidJob)
	case p.Parameters.Destination == nil || p.Parameters.Destination.Path == nil || *p.Parameters.Destination.Path == "":
		return job, true, fmt.Errorf("%w: missing destination path", ErrInvalidJob)
	}
	job.SourcePath = *p.Parameters.Source.Path
	job.DestinationPath = *p.Parameters.Destination.Path
	return job, true, nil
}

// Completed is the payload reporting a successful upload.
type Completed struct {
	JobID  int64  `json:"job_id"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Failed is the payload reporting a failed upload.
type Failed struct {
	JobID   int64  `json:"job_id"`
	Message string `json:"message"`
}

// Report returns the event and payload announcing r to the backend.
func (r Result) Report() (string, any) {
	if r.Err != nil {
		return EventError, Failed{JobID: r.JobID, Message: r.Err.Error()}
	}
	return EventCompleted, Completed{JobID: r.JobID, Size: r.Bytes, BLAKE3: r.Checksum}
}

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/modoterra/mediagent/pkg/core"
)

func TestSetPipelineStateIsExclusive(t *testing.T) {
	SetPipelineState("upload", core.StateJoining)
	SetPipelineState("upload", core.StateActive)

	if got := testutil.ToFloat64(pipelineState.WithLabelValues("upload", "active")); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pipelineState.WithLabelValues("upload", "joining")); got != 0 {
		t.Errorf("joining = %v, want 0", got)
	}
}

func TestUploadFinished(t *testing.T) {
	before := testutil.ToFloat64(uploads.WithLabelValues("error"))
	UploadStarted()
	UploadFinished(10, time.Second, errors.New("boom"))
	if got := testutil.ToFloat64(uploads.WithLabelValues("error")); got != before+1 {
		t.Errorf("error uploads = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(uploadsActive); got != 0 {
		t.Errorf("active uploads = %v, want 0", got)
	}
}

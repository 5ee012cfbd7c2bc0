package recorder

import (
	"context"
	"time"
)

// Status is the outcome of a recording session.
type Status string

const (
	// StatusSaved means the artifact was encoded and finalized.
	StatusSaved Status = "saved"
	// StatusFailed means encoding failed and the partial artifact was removed.
	StatusFailed Status = "failed"
	// StatusAbandoned means the session ended without a single frame.
	StatusAbandoned Status = "abandoned"
)

// Recording describes a finished session.
type Recording struct {
	ID        string    `json:"id"`
	Camera    string    `json:"camera"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Path      string    `json:"path"`
	PreFrames int       `json:"pre_frames"`
	Frames    int       `json:"frames"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Duration returns the wall-clock length of the session.
func (r Recording) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Sink is told about every finished session.
type Sink interface {
	RecordingFinished(ctx context.Context, rec Recording) error
}

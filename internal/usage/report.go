package usage

import (
	"context"
	"time"
)

// SessionReport is the final usage record handed to reporters at teardown.
type SessionReport struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Summary   Summary   `json:"summary"`
}

// Reporter persists or forwards a finished session's usage.
type Reporter interface {
	Report(ctx context.Context, r SessionReport) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r SessionReport) error

func (f ReporterFunc) Report(ctx context.Context, r SessionReport) error { return f(ctx, r) }

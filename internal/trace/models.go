package trace

import (
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

// Session is one job's history row.
type Session struct {
	ID          string        `json:"id"`
	Room        string        `json:"room"`
	Participant string        `json:"participant,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	Usage       usage.Summary `json:"usage,omitempty"`
}

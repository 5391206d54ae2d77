package pipeline

import (
	"context"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
)

// Frame is one chunk of participant audio as it arrived from the room.
type Frame struct {
	Data       []byte
	Codec      audio.Codec
	SampleRate int
}

// Event is a pipeline output delivered to the room participant.
type Event struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Token     string  `json:"token,omitempty"`
	STTMs     float64 `json:"stt_ms,omitempty"`
	LLMMs     float64 `json:"llm_ms,omitempty"`
	TTSMs     float64 `json:"tts_ms,omitempty"`
	TotalMs   float64 `json:"total_ms,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Audio     []byte  `json:"-"`
}

// Event types sent to the participant.
const (
	EventReady      = "ready"
	EventTranscript = "transcript"
	EventToken      = "llm_token"
	EventLLMDone    = "llm_done"
	EventAudio      = "tts_ready"
	EventMetrics    = "metrics"
	EventError      = "error"
)

// Media is the room connection a session reads audio from and writes events to.
// ReadFrame returns io.EOF once the participant has left.
type Media interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Send(ev Event) error
}

// AudioProcessor transforms 16 kHz samples before voice activity detection.
// Noise cancellation is the only implementation today.
type AudioProcessor interface {
	Process(ctx context.Context, samples []float32) ([]float32, error)
}

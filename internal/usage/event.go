package usage

import (
	"context"
	"log/slog"
	"time"
)

// Stage identifies which part of the pipeline produced an Event.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
	StageEOU Stage = "eou"
)

// Category names used by the pipeline. Events may carry others; the aggregator keys by name.
const (
	STTAudioSeconds     = "stt_audio_seconds"
	STTRequests         = "stt_requests"
	LLMPromptTokens     = "llm_prompt_tokens"
	LLMCompletionTokens = "llm_completion_tokens"
	LLMRequests         = "llm_requests"
	TTSCharacters       = "tts_characters"
	TTSAudioBytes       = "tts_audio_bytes"
	TTSRequests         = "tts_requests"
	EOUDelaySeconds     = "eou_delay_seconds"
)

// Event describes one completed pipeline operation. Values are the measurable
// fields of that operation keyed by category name.
type Event struct {
	Stage     Stage
	SessionID string
	Timestamp time.Time
	Latency   time.Duration
	// TTFT is set for LLM and TTS events when the backend streamed.
	TTFT   time.Duration
	Values map[string]float64
}

// LogEvent writes a single metrics event at debug level.
func LogEvent(logger *slog.Logger, ev Event) {
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := make([]any, 0, 8+2*len(ev.Values))
	attrs = append(attrs, "stage", ev.Stage, "latency_ms", ev.Latency.Milliseconds())
	if ev.TTFT > 0 {
		attrs = append(attrs, "ttft_ms", ev.TTFT.Milliseconds())
	}
	for k, v := range ev.Values {
		attrs = append(attrs, k, v)
	}
	logger.Debug("pipeline metrics", attrs...)
}

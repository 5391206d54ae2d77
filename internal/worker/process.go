// Package worker hosts sessions: it admits room joins, gives each one a job
// context and runs the session lifecycle on it.
package worker

import (
	"fmt"
	"log/slog"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
)

// Process holds what is loaded once per worker process and shared read-only by every job.
type Process struct {
	vad *audio.VAD
}

// Prewarm loads the voice activity model before the worker accepts jobs.
func Prewarm(cfg audio.VADConfig) (*Process, error) {
	vad, err := audio.LoadVAD(cfg)
	if err != nil {
		return nil, fmt.Errorf("prewarm: %w", err)
	}
	slog.Info("vad prewarmed", "threshold_db", cfg.SpeechThresholdDB, "sample_rate", vad.SampleRate())
	return &Process{vad: vad}, nil
}

// VAD returns the prewarmed voice activity detector.
func (p *Process) VAD() *audio.VAD { return p.vad }

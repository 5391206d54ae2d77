package pipeline

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
)

// Config holds the settings for every component of a session.
type Config struct {
	STT               STTConfig
	LLM               LLMConfig
	TTS               TTSConfig
	Turn              audio.TurnConfig
	NoSpeechThreshold float64
	MaxTurnFailures   int
}

// Build constructs the STT, LLM and TTS clients concurrently and assembles a
// Session around the worker's prewarmed VAD. Failures are *ComponentError;
// missing settings wrap ErrMissingConfig.
func Build(ctx context.Context, cfg Config, sessionID string, vad *audio.VAD, client *http.Client, logger *slog.Logger) (*Session, error) {
	var (
		stt Transcriber
		llm ChatClient
		tts Synthesizer
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := NewSTT(gctx, cfg.STT, client)
		if err != nil {
			return &ComponentError{Component: "stt", Err: err}
		}
		stt = c
		return nil
	})
	g.Go(func() error {
		c, err := NewLLM(cfg.LLM, client)
		if err != nil {
			return &ComponentError{Component: "llm", Err: err}
		}
		llm = c
		return nil
	})
	g.Go(func() error {
		c, err := NewTTS(cfg.TTS, client)
		if err != nil {
			return &ComponentError{Component: "tts", Err: err}
		}
		tts = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return New(Options{
		SessionID:         sessionID,
		STT:               stt,
		LLM:               llm,
		TTS:               tts,
		VAD:               vad,
		Turn:              cfg.Turn,
		NoSpeechThreshold: cfg.NoSpeechThreshold,
		MaxTurnFailures:   cfg.MaxTurnFailures,
		Logger:            logger,
	})
}

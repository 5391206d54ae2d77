package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/env"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/noise"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/prompts"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/token"
)

type config struct {
	port            string
	logLevel        slog.Level
	maxJobs         int
	poolSize        int
	instructions    string
	pipeline        pipeline.Config
	vad             audio.VADConfig
	noise           noise.Config
	tokenAPIKey     string
	tokenAPISecret  string
	tokenTTL        time.Duration
	traceDBURL      string
	redisURL        string
	teardownTimeout time.Duration
	shutdownTimeout time.Duration
}

func loadConfig() config {
	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", vad.SpeechThresholdDB)

	turn := audio.DefaultTurnConfig()
	turn.SilenceTimeout = env.Duration("TURN_SILENCE_MS", turn.SilenceTimeout)
	turn.MinSpeech = env.Duration("TURN_MIN_SPEECH_MS", turn.MinSpeech)

	return config{
		port:         env.Str("AGENT_PORT", "8000"),
		logLevel:     parseLevel(env.Str("LOG_LEVEL", "info")),
		maxJobs:      env.Int("MAX_CONCURRENT_JOBS", 100),
		poolSize:     env.Int("HTTP_POOL_SIZE", 50),
		instructions: env.Str("AGENT_INSTRUCTIONS", prompts.Assistant),
		pipeline: pipeline.Config{
			STT: pipeline.STTConfig{
				Engine:   env.Str("STT_ENGINE", "openai"),
				URL:      env.Str("STT_URL", ""),
				APIKey:   env.Str("STT_API_KEY", ""),
				Model:    env.Str("STT_MODEL", "whisper-1"),
				Language: env.Str("STT_LANGUAGE", "en"),
				Warmup:   env.Bool("STT_WARMUP", false),
			},
			LLM: pipeline.LLMConfig{
				Engine:    env.Str("LLM_ENGINE", "chat"),
				URL:       env.Str("LLM_URL", ""),
				APIKey:    env.Str("LLM_API_KEY", ""),
				Model:     env.Str("LLM_MODEL", "gpt-4o-mini"),
				MaxTokens: env.Int("LLM_MAX_TOKENS", 150),
			},
			TTS: pipeline.TTSConfig{
				Engine: env.Str("TTS_ENGINE", "openai"),
				URL:    env.Str("TTS_URL", ""),
				APIKey: env.Str("TTS_API_KEY", ""),
				Model:  env.Str("TTS_MODEL", "tts-1"),
				Voice:  env.Str("TTS_VOICE", "alloy"),
				Speed:  env.Float("TTS_SPEED", 1.0),
			},
			Turn:              turn,
			NoSpeechThreshold: env.Float("STT_NO_SPEECH_THRESHOLD", 0.6),
			MaxTurnFailures:   env.Int("MAX_TURN_FAILURES", 3),
		},
		vad: vad,
		noise: noise.Config{
			URL:        env.Str("NOISE_URL", ""),
			LicenseKey: env.Str("NOISE_LICENSE_KEY", ""),
			Timeout:    env.Duration("NOISE_TIMEOUT", 5*time.Second),
		},
		tokenAPIKey:     env.Str("TOKEN_API_KEY", ""),
		tokenAPISecret:  env.Str("TOKEN_API_SECRET", ""),
		tokenTTL:        env.Duration("TOKEN_TTL", token.DefaultTTL),
		traceDBURL:      env.Str("TRACE_DATABASE_URL", ""),
		redisURL:        env.Str("REDIS_URL", ""),
		teardownTimeout: env.Duration("TEARDOWN_TIMEOUT", 10*time.Second),
		shutdownTimeout: env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

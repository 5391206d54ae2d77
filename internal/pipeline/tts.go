package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
)

// Synthesizer produces encoded audio (WAV) from text.
type Synthesizer interface {
	SynthesizeAudio(ctx context.Context, text string) ([]byte, error)
}

// TTSResult holds synthesized audio with timing.
type TTSResult struct {
	Audio   []byte
	Latency time.Duration
}

// TTSConfig selects and configures the text-to-speech backend.
type TTSConfig struct {
	Engine string // "openai" (default) or "piper"
	URL    string
	APIKey string
	Model  string
	Voice  string
	Speed  float64
}

// NewTTS builds the synthesizer for cfg.Engine.
func NewTTS(cfg TTSConfig, client *http.Client) (Synthesizer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("tts url: %w", ErrMissingConfig)
	}
	if cfg.Voice == "" {
		return nil, fmt.Errorf("tts voice: %w", ErrMissingConfig)
	}
	router := NewRouter(map[string]Synthesizer{
		"openai": &openaiSynthesizer{cfg: cfg, client: client},
		"piper":  &piperSynthesizer{cfg: cfg, client: client},
	}, "openai")
	return router.Route(cfg.Engine)
}

// synthesize wraps a backend call with timing and metrics.
func synthesize(ctx context.Context, s Synthesizer, text string) (*TTSResult, error) {
	start := time.Now()
	audioData, err := s.SynthesizeAudio(ctx, text)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	}
	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())
	return &TTSResult{Audio: audioData, Latency: latency}, nil
}

// --- OpenAI-compatible backend (any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	cfg    TTSConfig
	client *http.Client
}

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.cfg.Model, Voice: o.cfg.Voice, Speed: o.cfg.Speed, ResponseFormat: "wav"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.cfg.URL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	return doTTSRequest(o.client, req)
}

// --- Piper backend (local neural TTS, returns WAV) ---

type piperSynthesizer struct {
	cfg    TTSConfig
	client *http.Client
}

func (p *piperSynthesizer) SynthesizeAudio(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: p.cfg.Voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.cfg.URL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doTTSRequest(p.client, req)
}

func doTTSRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, msg)
	}
	return io.ReadAll(resp.Body)
}

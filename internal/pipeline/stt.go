package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
)

// Transcriber produces transcriptions from 16 kHz mono samples.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (*STTResult, error)
}

// STTResult holds the transcription output.
type STTResult struct {
	Text string
	// NoSpeechProb is the highest per-segment no-speech probability, 0 when
	// the backend does not report one.
	NoSpeechProb float64
	Latency      time.Duration
}

// STTConfig selects and configures the speech-to-text backend.
type STTConfig struct {
	Engine   string // "openai" (default) or "whisper.cpp"
	URL      string
	APIKey   string
	Model    string
	Language string
	// Warmup sends a second of silence at construction to verify the backend.
	Warmup bool
}

// NewSTT builds the transcriber for cfg.Engine.
func NewSTT(ctx context.Context, cfg STTConfig, client *http.Client) (Transcriber, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stt url: %w", ErrMissingConfig)
	}
	router := NewRouter(map[string]*WhisperClient{
		"openai":      newWhisperClient(cfg, "/v1/audio/transcriptions", "whisper", client),
		"whisper.cpp": newWhisperClient(cfg, "/inference", "whisper.cpp", client),
	}, "openai")

	c, err := router.Route(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if cfg.Warmup {
		if err := c.Warmup(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WhisperClient sends audio as multipart WAV to a whisper-compatible HTTP endpoint.
// Backends only differ by endpoint path; label is used in errors and logs.
type WhisperClient struct {
	url      string
	endpoint string
	label    string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

func newWhisperClient(cfg STTConfig, endpoint, label string, client *http.Client) *WhisperClient {
	return &WhisperClient{
		url:      cfg.URL,
		endpoint: endpoint,
		label:    label,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		client:   client,
	}
}

// Warmup sends a short silent clip to verify the server is responsive.
func (c *WhisperClient) Warmup(ctx context.Context) error {
	if _, err := c.Transcribe(ctx, make([]float32, audio.PipelineRate)); err != nil {
		return fmt.Errorf("%s warmup: %w", c.label, err)
	}
	return nil
}

// Transcribe posts the samples as a WAV file and returns the transcript.
func (c *WhisperClient) Transcribe(ctx context.Context, samples []float32) (*STTResult, error) {
	start := time.Now()

	body, contentType, err := c.buildMultipart(samples)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("stt", "status").Inc()
		return nil, fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, string(respBody))
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("stt").Observe(latency.Seconds())

	return &STTResult{
		Text:         result.Text,
		NoSpeechProb: result.noSpeechProb(),
		Latency:      latency,
	}, nil
}

type whisperResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (r whisperResponse) noSpeechProb() float64 {
	var p float64
	for _, s := range r.Segments {
		p = max(p, s.NoSpeechProb)
	}
	return p
}

func (c *WhisperClient) buildMultipart(samples []float32) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, audio.PipelineRate)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	fields := map[string]string{
		"model":           c.model,
		"language":        c.language,
		"response_format": "verbose_json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err = writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", k, err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

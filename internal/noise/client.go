package noise

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/capability"
)

// CapabilityID is the loader key for background noise cancellation.
const CapabilityID = "noise-cancellation"

// Config locates the noise-cancellation sidecar.
type Config struct {
	URL        string
	LicenseKey string
	Timeout    time.Duration
}

// Client calls the denoise sidecar to suppress background noise.
type Client struct {
	url        string
	licenseKey string
	client     *http.Client
}

// Open builds a client and probes the sidecar. An empty URL means the module
// is not installed; an empty license key means it is not licensed.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("noise sidecar url not set: %w", capability.ErrNotInstalled)
	}
	if cfg.LicenseKey == "" {
		return nil, fmt.Errorf("noise license key not set: %w", capability.ErrUnlicensed)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		url:        cfg.URL,
		licenseKey: cfg.LicenseKey,
		client:     &http.Client{Timeout: timeout},
	}
	if err := c.probe(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/health", nil)
	if err != nil {
		return fmt.Errorf("noise probe request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("noise probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("noise probe status %d: %w", resp.StatusCode, capability.ErrUnlicensed)
	default:
		return fmt.Errorf("noise probe status %d", resp.StatusCode)
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.licenseKey)
}

// Process sends 16 kHz float32 samples to the sidecar and returns denoised samples.
func (c *Client) Process(ctx context.Context, samples []float32) ([]float32, error) {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/denoise", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("noise request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("noise http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("noise status %d: %s", resp.StatusCode, string(body))
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("noise read: %w", err)
	}
	if len(respBytes)%4 != 0 {
		return nil, fmt.Errorf("noise response not aligned to float32")
	}

	out := make([]float32, len(respBytes)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(respBytes[i*4:]))
	}
	return out, nil
}
